package schema

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/tdewolff/parse/v2/js"
)

// Object is an object literal with its keys in source order.
type Object struct {
	Keys   []string
	Values map[string]interface{}
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (interface{}, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Values[key]
	return v, ok
}

func (o *Object) set(key string, value interface{}) {
	if _, exists := o.Values[key]; !exists {
		o.Keys = append(o.Keys, key)
	}
	o.Values[key] = value
}

// Chain is a member and call chain such as z.string().min(1).optional().
type Chain struct {
	Parts []ChainPart
}

// ChainPart is one member access, optionally called with literal arguments.
type ChainPart struct {
	Name   string
	Called bool
	Args   []interface{}
}

// Root returns the identifier the chain starts from.
func (c *Chain) Root() string {
	if c == nil || len(c.Parts) == 0 {
		return ""
	}
	return c.Parts[0].Name
}

// Find returns the first part with the given name.
func (c *Chain) Find(name string) (ChainPart, bool) {
	for _, p := range c.Parts {
		if p.Name == name {
			return p, true
		}
	}
	return ChainPart{}, false
}

// Rooted folds a dotted root such as globalThis.z into the first part.
// It reports false when the chain does not start with root.
func (c *Chain) Rooted(root string) (*Chain, bool) {
	names := strings.Split(root, ".")
	if c == nil || len(c.Parts) < len(names) {
		return nil, false
	}
	for i, name := range names {
		p := c.Parts[i]
		if p.Name != name || p.Called && i < len(names)-1 {
			return nil, false
		}
	}

	parts := make([]ChainPart, 0, len(c.Parts)-len(names)+1)
	head := c.Parts[len(names)-1]
	head.Name = root
	parts = append(parts, head)
	parts = append(parts, c.Parts[len(names):]...)
	return &Chain{Parts: parts}, true
}

// Unresolved marks an expression whose value is only known at run time.
type Unresolved struct{}

// Undefined is the literal undefined.
type Undefined struct{}

type jsonExpr interface {
	JSON(io.Writer) error
}

// value decodes an expression. Literals become plain Go data, object and
// array literals are decoded recursively and member or call chains on a
// plain identifier become a Chain. Anything else is Unresolved.
func value(expr js.IExpr) interface{} {
	switch e := expr.(type) {
	case nil:
		return Undefined{}
	case *js.GroupExpr:
		return value(e.X)
	case *js.ObjectExpr:
		return object(e)
	case *js.ArrayExpr:
		items := make([]interface{}, 0, len(e.List))
		for _, el := range e.List {
			switch {
			case el.Spread:
				items = append(items, Unresolved{})
			case el.Value == nil:
				items = append(items, Undefined{})
			default:
				items = append(items, value(el.Value))
			}
		}
		return items
	case *js.Var:
		if string(e.Name()) == "undefined" {
			return Undefined{}
		}
		return &Chain{Parts: []ChainPart{{Name: string(e.Name())}}}
	case *js.DotExpr, *js.CallExpr:
		if c, ok := chain(e); ok {
			return c
		}
		return Unresolved{}
	case jsonExpr:
		return scalar(e)
	}
	return Unresolved{}
}

// scalar decodes string, number, boolean and null literals, including plain
// template literals and negated numbers.
func scalar(e jsonExpr) interface{} {
	var buf bytes.Buffer
	if err := e.JSON(&buf); err != nil {
		return Unresolved{}
	}

	var v interface{}
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		return Unresolved{}
	}
	switch v.(type) {
	case string, float64, bool, nil:
		return v
	}
	return Unresolved{}
}

func object(e *js.ObjectExpr) *Object {
	obj := &Object{Values: make(map[string]interface{}, len(e.List))}
	for _, prop := range e.List {
		// spreads and methods have no plain name
		if prop.Spread || prop.Name == nil {
			continue
		}
		key, ok := propertyKey(prop.Name)
		if !ok {
			continue
		}
		if prop.Init != nil {
			obj.set(key, Unresolved{})
			continue
		}
		obj.set(key, value(prop.Value))
	}
	return obj
}

func propertyKey(name *js.PropertyName) (string, bool) {
	if name.IsComputed() {
		return "", false
	}
	if name.Literal.TokenType == js.StringToken {
		s, ok := scalar(name.Literal).(string)
		return s, ok
	}
	return string(name.Literal.Data), true
}

// chain flattens a.b(x).c() into its parts. Chains must start at a plain
// identifier.
func chain(expr js.IExpr) (*Chain, bool) {
	switch e := expr.(type) {
	case *js.Var:
		return &Chain{Parts: []ChainPart{{Name: string(e.Name())}}}, true
	case *js.GroupExpr:
		return chain(e.X)
	case *js.DotExpr:
		c, ok := chain(e.X)
		if !ok {
			return nil, false
		}
		name, ok := memberName(e.Y)
		if !ok {
			return nil, false
		}
		c.Parts = append(c.Parts, ChainPart{Name: name})
		return c, true
	case *js.CallExpr:
		c, ok := chain(e.X)
		if !ok {
			return nil, false
		}
		args := make([]interface{}, 0, len(e.Args.List))
		for _, arg := range e.Args.List {
			if arg.Rest {
				args = append(args, Unresolved{})
				continue
			}
			args = append(args, value(arg.Value))
		}
		last := &c.Parts[len(c.Parts)-1]
		if last.Called {
			c.Parts = append(c.Parts, ChainPart{Called: true, Args: args})
		} else {
			last.Called = true
			last.Args = args
		}
		return c, true
	}
	return nil, false
}

func memberName(expr js.IExpr) (string, bool) {
	switch y := expr.(type) {
	case js.LiteralExpr:
		return string(y.Data), true
	case *js.LiteralExpr:
		return string(y.Data), true
	case *js.Var:
		return string(y.Name()), true
	}
	return "", false
}
