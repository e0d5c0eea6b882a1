// Package services holds the read and write logic behind the HTTP API and
// the CLI, on top of the registry, the category store and the response cache.
package services

import (
	"context"
	"time"

	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/registry"
	"github.com/conneroisu/strata/internal/scanner"
	"github.com/conneroisu/strata/internal/schema"
	"github.com/conneroisu/strata/internal/validation"
)

// Collections read actions.
const (
	ActionStructure  = "structure"
	ActionFiles      = "files"
	ActionFile       = "file"
	ActionNames      = "names"
	ActionCollection = "collection"
	ActionDefault    = "default"
)

// ResponseCache is the cache-aside store used by the services.
type ResponseCache interface {
	GetOrCompute(ctx context.Context, key string, fn cache.ComputeFunc) (*cache.Entry, error)
	Invalidate(ctx context.Context, pattern string) error
}

// FilePayload is the response of the file action.
type FilePayload struct {
	Path    string    `json:"path"`
	Content string    `json:"content"`
	ModTime time.Time `json:"mod_time"`
}

// CollectionsService answers collection reads.
type CollectionsService struct {
	scanner  *scanner.Scanner
	registry *registry.CollectionRegistry
	cache    ResponseCache
}

// NewCollectionsService creates a collections service.
func NewCollectionsService(s *scanner.Scanner, r *registry.CollectionRegistry, c ResponseCache) *CollectionsService {
	return &CollectionsService{scanner: s, registry: r, cache: c}
}

// Read runs one action and returns the cached JSON payload. An empty action
// is the default action.
func (s *CollectionsService) Read(ctx context.Context, action, name string) (*cache.Entry, error) {
	if action == "" {
		action = ActionDefault
	}

	compute, err := s.compute(action, name)
	if err != nil {
		return nil, err
	}
	return s.cache.GetOrCompute(ctx, cache.CollectionsKey(action, name), compute)
}

// compute validates the request and returns the function producing its payload.
func (s *CollectionsService) compute(action, name string) (cache.ComputeFunc, error) {
	switch action {
	case ActionStructure:
		return func(ctx context.Context) (interface{}, error) {
			return s.scanner.Tree(ctx)
		}, nil

	case ActionFiles:
		return func(ctx context.Context) (interface{}, error) {
			files, err := s.scanner.Files(ctx)
			if err != nil {
				return nil, err
			}
			if files == nil {
				files = []string{}
			}
			return files, nil
		}, nil

	case ActionFile:
		if name == "" {
			return nil, errors.ErrMissingParameter("name")
		}
		if err := validation.ValidateRelPath(name); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, error) {
			f, err := s.scanner.ReadFile(name)
			if err != nil {
				return nil, err
			}
			return FilePayload{Path: f.RelPath, Content: string(f.Content), ModTime: f.ModTime}, nil
		}, nil

	case ActionNames:
		return func(ctx context.Context) (interface{}, error) {
			return s.registry.Names(), nil
		}, nil

	case ActionCollection:
		if name == "" {
			return nil, errors.ErrMissingParameter("name")
		}
		return func(ctx context.Context) (interface{}, error) {
			return s.Collection(name)
		}, nil

	case ActionDefault:
		return func(ctx context.Context) (interface{}, error) {
			return s.registry.Descriptors(), nil
		}, nil

	default:
		return nil, errors.NewValidationError(errors.ErrCodeInvalidAction, "unknown action: "+action).
			WithContext("action", action)
	}
}

// Collection returns the stored descriptor of one collection.
func (s *CollectionsService) Collection(name string) (*schema.CollectionDescriptor, error) {
	c, ok := s.registry.Get(name)
	if !ok {
		return nil, errors.ErrCollectionNotFound(name)
	}
	return c.Descriptor, nil
}

// List returns every registered collection sorted by name.
func (s *CollectionsService) List() []*schema.CollectionDescriptor {
	all := s.registry.GetAll()
	out := make([]*schema.CollectionDescriptor, 0, len(all))
	for _, c := range all {
		out = append(out, c.Descriptor)
	}
	return out
}
