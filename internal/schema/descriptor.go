// Package schema extracts the declarative collection descriptor from the ES
// module a collection definition compiles to.
//
// A collection module default-exports an object literal (directly, through a
// wrapper call such as defineCollection({...}), or through a named binding).
// The descriptor is read from that literal without executing any code: literal
// values are decoded, the fields array or the object passed to the runtime
// validator's object() builder provides the fields, and everything that is
// only known at run time is ignored.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CollectionDescriptor is the serve-side description of one collection.
type CollectionDescriptor struct {
	Name        string              `json:"name" yaml:"name"`
	Label       string              `json:"label" yaml:"label"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Icon        string              `json:"icon,omitempty" yaml:"icon,omitempty"`
	Path        string              `json:"path,omitempty" yaml:"path,omitempty"`
	Permissions map[string][]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Fields      []Field             `json:"fields" yaml:"fields"`
	// Source is the source path relative to the source root
	Source string `json:"source" yaml:"source"`
	// Hash is the md5 of the source content the descriptor was built from
	Hash string `json:"hash" yaml:"hash"`
}

// Field describes one field of a collection entry.
type Field struct {
	Name     string      `json:"name" yaml:"name"`
	Type     string      `json:"type" yaml:"type"`
	Label    string      `json:"label" yaml:"label"`
	Required bool        `json:"required" yaml:"required"`
	Options  []string    `json:"options,omitempty" yaml:"options,omitempty"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validate checks the descriptor is servable.
func (d *CollectionDescriptor) Validate() error {
	if !nameRegex.MatchString(d.Name) {
		return fmt.Errorf("invalid collection name %q", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	return nil
}

// Field returns the field with the given name.
func (d *CollectionDescriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Label turns an identifier such as blog_posts or blogPosts into "Blog Posts".
func Label(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(' ')
			prevLower = false
			continue
		case r >= 'A' && r <= 'Z' && prevLower:
			b.WriteRune(' ')
		}
		b.WriteRune(r)
		prevLower = r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
	}

	// Casers carry state and are built per call.
	return cases.Title(language.English).String(strings.Join(strings.Fields(b.String()), " "))
}
