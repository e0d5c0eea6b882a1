// Package registry holds the in-memory map of compiled collections.
//
// The registry is filled from the descriptor sidecars a compile pass writes
// next to each artifact. A full Load replaces the whole map; Reload re-reads
// only the artifacts a pass touched and drops the ones that disappeared.
package registry

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/schema"
)

// CollectionRegistry manages all compiled collections
type CollectionRegistry struct {
	collections map[string]*Collection
	// artifacts maps an artifact path to the collection it defines
	artifacts map[string]string
	mutex     sync.RWMutex
	watchers  []chan CollectionEvent
	logger    logging.Logger
}

// Collection is one registered collection
type Collection struct {
	Name       string
	Artifact   string
	Hash       string
	LoadedAt   time.Time
	Descriptor *schema.CollectionDescriptor
}

// CollectionEvent represents a change in the registry
type CollectionEvent struct {
	Type       EventType
	Collection *Collection
	Timestamp  time.Time
}

// EventType represents the type of registry event
type EventType int

const (
	EventTypeAdded EventType = iota
	EventTypeUpdated
	EventTypeRemoved
)

func (t EventType) String() string {
	switch t {
	case EventTypeAdded:
		return "added"
	case EventTypeUpdated:
		return "updated"
	case EventTypeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// NewCollectionRegistry creates a new registry
func NewCollectionRegistry(logger logging.Logger) *CollectionRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CollectionRegistry{
		collections: make(map[string]*Collection),
		artifacts:   make(map[string]string),
		watchers:    make([]chan CollectionEvent, 0),
		logger:      logger.WithComponent("registry"),
	}
}

// Load replaces the registry with every collection found under outRoot.
func (r *CollectionRegistry) Load(outRoot string) error {
	w := build.NewArtifactWriter(outRoot)
	rels, err := w.Artifacts()
	if err != nil {
		return err
	}
	sort.Strings(rels)

	collections := make(map[string]*Collection, len(rels))
	artifacts := make(map[string]string, len(rels))
	for _, rel := range rels {
		c, err := r.read(w, rel)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if prev, dup := collections[c.Name]; dup {
			r.logger.Warn(context.Background(), nil, "Duplicate collection name",
				"name", c.Name, "kept", c.Artifact, "dropped", prev.Artifact)
			delete(artifacts, prev.Artifact)
		}
		collections[c.Name] = c
		artifacts[rel] = c.Name
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	old := r.collections
	r.collections = collections
	r.artifacts = artifacts

	for name, c := range collections {
		if prev, exists := old[name]; !exists {
			r.notify(EventTypeAdded, c)
		} else if prev.Hash != c.Hash {
			r.notify(EventTypeUpdated, c)
		}
	}
	for name, c := range old {
		if _, exists := collections[name]; !exists {
			r.notify(EventTypeRemoved, c)
		}
	}

	r.logger.Info(context.Background(), "Registry loaded", "collections", len(collections))
	return nil
}

// Reload re-reads the given artifacts. Artifacts whose sidecar no longer
// exists are removed.
func (r *CollectionRegistry) Reload(outRoot string, changed []string) error {
	w := build.NewArtifactWriter(outRoot)

	for _, rel := range changed {
		c, err := r.read(w, rel)
		if err != nil {
			return err
		}

		r.mutex.Lock()
		if oldName, ok := r.artifacts[rel]; ok && (c == nil || oldName != c.Name) {
			if prev, exists := r.collections[oldName]; exists && prev.Artifact == rel {
				delete(r.collections, oldName)
				r.notify(EventTypeRemoved, prev)
			}
			delete(r.artifacts, rel)
		}
		if c != nil {
			r.register(c)
		}
		r.mutex.Unlock()
	}

	r.logger.Debug(context.Background(), "Registry reloaded", "changed", len(changed))
	return nil
}

// read loads the descriptor of one artifact. A missing sidecar yields nil.
func (r *CollectionRegistry) read(w *build.ArtifactWriter, rel string) (*Collection, error) {
	desc, err := w.ReadDescriptor(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Collection{
		Name:       desc.Name,
		Artifact:   rel,
		Hash:       desc.Hash,
		LoadedAt:   time.Now(),
		Descriptor: desc,
	}, nil
}

// Register adds or updates a collection in the registry
func (r *CollectionRegistry) Register(c *Collection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.register(c)
}

func (r *CollectionRegistry) register(c *Collection) {
	eventType := EventTypeAdded
	if prev, exists := r.collections[c.Name]; exists {
		eventType = EventTypeUpdated
		if prev.Artifact != c.Artifact {
			delete(r.artifacts, prev.Artifact)
		}
	}

	r.collections[c.Name] = c
	if c.Artifact != "" {
		r.artifacts[c.Artifact] = c.Name
	}
	r.notify(eventType, c)
}

// notify must be called with the mutex held
func (r *CollectionRegistry) notify(eventType EventType, c *Collection) {
	event := CollectionEvent{
		Type:       eventType,
		Collection: c,
		Timestamp:  time.Now(),
	}

	for _, watcher := range r.watchers {
		select {
		case watcher <- event:
		default:
			// Skip if channel is full
		}
	}
}

// Get retrieves a collection by name
func (r *CollectionRegistry) Get(name string) (*Collection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	c, exists := r.collections[name]
	return c, exists
}

// GetAll returns all collections sorted by name
func (r *CollectionRegistry) GetAll() []*Collection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]*Collection, 0, len(r.collections))
	for _, c := range r.collections {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Descriptors returns every descriptor keyed by collection name
func (r *CollectionRegistry) Descriptors() map[string]*schema.CollectionDescriptor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make(map[string]*schema.CollectionDescriptor, len(r.collections))
	for name, c := range r.collections {
		result[name] = c.Descriptor
	}
	return result
}

// Names returns the sorted collection names
func (r *CollectionRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove removes a collection from the registry
func (r *CollectionRegistry) Remove(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, exists := r.collections[name]
	if !exists {
		return
	}

	delete(r.collections, name)
	delete(r.artifacts, c.Artifact)
	r.notify(EventTypeRemoved, c)
}

// Watch returns a channel that receives registry events
func (r *CollectionRegistry) Watch() <-chan CollectionEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ch := make(chan CollectionEvent, 100)
	r.watchers = append(r.watchers, ch)
	return ch
}

// UnWatch removes a watcher channel and closes it
func (r *CollectionRegistry) UnWatch(ch <-chan CollectionEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i, watcher := range r.watchers {
		if watcher == ch {
			close(watcher)
			r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
			break
		}
	}
}

// Count returns the number of registered collections
func (r *CollectionRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.collections)
}
