// Package categories stores the category tree: the nested folders that
// group collections in the admin UI.
//
// The tree is a single document. Every write replaces the whole document;
// a full replacement first copies the previous version into a backup row.
package categories

import (
	"fmt"
	"sort"

	"github.com/conneroisu/strata/internal/errors"
)

// Category is one node of the tree.
type Category struct {
	ID            int                 `json:"id" yaml:"id"`
	Label         string              `json:"label,omitempty" yaml:"label,omitempty"`
	Icon          string              `json:"icon,omitempty" yaml:"icon,omitempty"`
	Path          string              `json:"path,omitempty" yaml:"path,omitempty"`
	Permissions   map[string][]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Collections   []string            `json:"collections,omitempty" yaml:"collections,omitempty"`
	Subcategories Tree                `json:"subcategories,omitempty" yaml:"subcategories,omitempty"`
}

// Tree maps category keys to nodes.
type Tree map[string]*Category

// Patch is a partial update of one category. Nil fields are left untouched;
// the ID can never be changed.
type Patch struct {
	Label         *string              `json:"label,omitempty"`
	Icon          *string              `json:"icon,omitempty"`
	Path          *string              `json:"path,omitempty"`
	Permissions   *map[string][]string `json:"permissions,omitempty"`
	Collections   *[]string            `json:"collections,omitempty"`
	Subcategories *Tree                `json:"subcategories,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Label == nil && p.Icon == nil && p.Path == nil &&
		p.Permissions == nil && p.Collections == nil && p.Subcategories == nil
}

// Validate checks that every node is present, IDs are positive and unique
// across the whole tree, and no node is reachable twice.
func (t Tree) Validate() error {
	ids := make(map[int]string)
	onPath := make(map[*Category]struct{})
	return t.validate("", ids, onPath, make(map[*Category]struct{}))
}

func (t Tree) validate(prefix string, ids map[int]string, onPath, seen map[*Category]struct{}) error {
	for _, key := range t.keys() {
		node := t[key]
		where := prefix + key
		if key == "" {
			return invalid("category key must not be empty (under %q)", prefix)
		}
		if node == nil {
			return invalid("category %q is null", where)
		}
		if _, cycle := onPath[node]; cycle {
			return invalid("category %q forms a cycle", where)
		}
		if _, dup := seen[node]; dup {
			return invalid("category %q appears more than once", where)
		}
		if node.ID <= 0 {
			return invalid("category %q must have a positive id", where)
		}
		if other, dup := ids[node.ID]; dup {
			return invalid("duplicate category id %d (%q and %q)", node.ID, other, where)
		}
		ids[node.ID] = where
		seen[node] = struct{}{}

		onPath[node] = struct{}{}
		if err := node.Subcategories.validate(where+"/", ids, onPath, seen); err != nil {
			return err
		}
		delete(onPath, node)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewValidationError(errors.ErrCodeInvalidCategory, fmt.Sprintf(format, args...))
}

// keys returns the node keys in sorted order so traversal is deterministic.
func (t Tree) keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Find returns the node with id using a depth-first search over keys in
// sorted order, together with the key path leading to it.
func (t Tree) Find(id int) (*Category, []string, bool) {
	for _, key := range t.keys() {
		node := t[key]
		if node == nil {
			continue
		}
		if node.ID == id {
			return node, []string{key}, true
		}
		if found, path, ok := node.Subcategories.Find(id); ok {
			return found, append([]string{key}, path...), true
		}
	}
	return nil, nil, false
}

// Walk calls fn for every node depth-first in sorted key order.
func (t Tree) Walk(fn func(path []string, c *Category)) {
	t.walk(nil, fn)
}

func (t Tree) walk(prefix []string, fn func(path []string, c *Category)) {
	for _, key := range t.keys() {
		node := t[key]
		if node == nil {
			continue
		}
		path := append(append([]string(nil), prefix...), key)
		fn(path, node)
		node.Subcategories.walk(path, fn)
	}
}

// Count returns the number of nodes in the tree.
func (t Tree) Count() int {
	n := 0
	t.Walk(func([]string, *Category) { n++ })
	return n
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, node := range t {
		out[k] = node.Clone()
	}
	return out
}

// Clone returns a deep copy of the node.
func (c *Category) Clone() *Category {
	if c == nil {
		return nil
	}
	out := *c
	if c.Permissions != nil {
		out.Permissions = make(map[string][]string, len(c.Permissions))
		for role, actions := range c.Permissions {
			out.Permissions[role] = append([]string(nil), actions...)
		}
	}
	if c.Collections != nil {
		out.Collections = append([]string(nil), c.Collections...)
	}
	out.Subcategories = c.Subcategories.Clone()
	return &out
}

// Apply returns a copy of the tree with patch applied to the node with id.
// The receiver is not modified.
func (t Tree) Apply(id int, patch Patch) (Tree, error) {
	out := t.Clone()
	node, _, ok := out.Find(id)
	if !ok {
		return nil, errors.ErrCategoryNotFound(id)
	}

	if patch.Label != nil {
		node.Label = *patch.Label
	}
	if patch.Icon != nil {
		node.Icon = *patch.Icon
	}
	if patch.Path != nil {
		node.Path = *patch.Path
	}
	if patch.Permissions != nil {
		node.Permissions = *patch.Permissions
	}
	if patch.Collections != nil {
		node.Collections = *patch.Collections
	}
	if patch.Subcategories != nil {
		node.Subcategories = patch.Subcategories.Clone()
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
