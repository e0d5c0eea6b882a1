package schema

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// ErrNoDefaultExport is returned when a source has no default export the
// extractor can follow to an object literal.
var ErrNoDefaultExport = errors.New("no default-exported object literal")

// Options controls descriptor extraction.
type Options struct {
	// Name is used when the literal does not declare a name
	Name string
	// Validator is the expression the runtime validator is reached through,
	// "z" by default. Dotted paths such as globalThis.z are accepted.
	Validator string
}

// Extract reads the collection descriptor from the ES module a collection
// source compiles to.
func Extract(code []byte, opts Options) (*CollectionDescriptor, error) {
	if opts.Validator == "" {
		opts.Validator = "z"
	}

	ast, err := js.Parse(parse.NewInputBytes(code), js.Options{})
	if err != nil {
		return nil, err
	}

	obj, err := findDefaultObject(ast)
	if err != nil {
		return nil, err
	}

	desc := &CollectionDescriptor{
		Name:        stringValue(obj, "name"),
		Label:       stringValue(obj, "label"),
		Description: stringValue(obj, "description"),
		Icon:        stringValue(obj, "icon"),
		Path:        stringValue(obj, "path"),
	}
	if desc.Name == "" {
		desc.Name = opts.Name
	}
	if desc.Label == "" {
		desc.Label = Label(desc.Name)
	}

	if perms, ok := obj.Get("permissions"); ok {
		desc.Permissions = permissionsValue(perms)
	}

	fields, err := fieldsFrom(obj, opts.Validator)
	if err != nil {
		return nil, err
	}
	desc.Fields = fields

	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// findDefaultObject follows the default export to an object literal.
func findDefaultObject(ast *js.AST) (*Object, error) {
	for _, stmt := range ast.List {
		export, ok := stmt.(*js.ExportStmt)
		if !ok {
			continue
		}

		if export.Default {
			if export.Decl == nil {
				break
			}
			return resolveObject(ast, value(export.Decl), 0)
		}
		for _, alias := range export.List {
			if string(alias.Binding) == "default" && alias.Name != nil && export.Module == nil {
				return resolveObject(ast, &Chain{Parts: []ChainPart{{Name: string(alias.Name)}}}, 0)
			}
		}
	}

	return nil, ErrNoDefaultExport
}

// resolveObject unwraps wrapper calls and named bindings until it reaches an
// object literal.
func resolveObject(ast *js.AST, v interface{}, depth int) (*Object, error) {
	if depth > 8 {
		return nil, ErrNoDefaultExport
	}

	switch v := v.(type) {
	case *Object:
		return v, nil
	case *Chain:
		if len(v.Parts) == 1 && !v.Parts[0].Called {
			bound, err := findBinding(ast, v.Parts[0].Name)
			if err != nil {
				return nil, err
			}
			return resolveObject(ast, bound, depth+1)
		}
		for i := len(v.Parts) - 1; i >= 0; i-- {
			for _, arg := range v.Parts[i].Args {
				if obj, ok := arg.(*Object); ok {
					return obj, nil
				}
			}
		}
	}

	return nil, ErrNoDefaultExport
}

// findBinding returns the initializer of a top-level const, let or var.
func findBinding(ast *js.AST, name string) (interface{}, error) {
	for _, stmt := range ast.List {
		decl, ok := stmt.(*js.VarDecl)
		if !ok {
			if export, isExport := stmt.(*js.ExportStmt); isExport {
				decl, ok = export.Decl.(*js.VarDecl)
			}
		}
		if !ok {
			continue
		}

		for _, el := range decl.List {
			if v, isVar := el.Binding.(*js.Var); isVar && string(v.Name()) == name && el.Default != nil {
				return value(el.Default), nil
			}
		}
	}

	return nil, fmt.Errorf("%w: binding %q not found", ErrNoDefaultExport, name)
}

func stringValue(obj *Object, key string) string {
	v, _ := obj.Get(key)
	s, _ := v.(string)
	return s
}

func permissionsValue(value interface{}) map[string][]string {
	obj, ok := value.(*Object)
	if !ok {
		return nil
	}

	perms := make(map[string][]string, len(obj.Keys))
	for _, role := range obj.Keys {
		actions := stringList(obj.Values[role])
		if actions == nil {
			actions = []string{}
		}
		perms[role] = actions
	}
	return perms
}

func stringList(value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		case *Object:
			if s := stringValue(v, "value"); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func fieldsFrom(obj *Object, validator string) ([]Field, error) {
	if raw, ok := obj.Get("fields"); ok {
		switch v := raw.(type) {
		case []interface{}:
			return fieldList(v)
		case *Object:
			return fieldMap(v)
		}
	}

	if raw, ok := obj.Get("schema"); ok {
		if c, ok := raw.(*Chain); ok {
			if rooted, ok := c.Rooted(validator); ok {
				return validatorFields(rooted, validator), nil
			}
		}
	}

	return []Field{}, nil
}

func fieldList(items []interface{}) ([]Field, error) {
	fields := make([]Field, 0, len(items))
	for i, item := range items {
		obj, ok := item.(*Object)
		if !ok {
			return nil, fmt.Errorf("field %d is not an object literal", i)
		}
		fields = append(fields, fieldFromObject(stringValue(obj, "name"), obj))
	}
	return fields, nil
}

func fieldMap(obj *Object) ([]Field, error) {
	fields := make([]Field, 0, len(obj.Keys))
	for _, name := range obj.Keys {
		switch v := obj.Values[name].(type) {
		case *Object:
			fields = append(fields, fieldFromObject(name, v))
		case string:
			fields = append(fields, Field{Name: name, Type: v, Label: Label(name)})
		default:
			return nil, fmt.Errorf("field %q is not an object literal", name)
		}
	}
	return fields, nil
}

func fieldFromObject(name string, obj *Object) Field {
	f := Field{
		Name:  name,
		Type:  stringValue(obj, "type"),
		Label: stringValue(obj, "label"),
	}
	if f.Type == "" {
		f.Type = "text"
	}
	if f.Label == "" {
		f.Label = Label(name)
	}
	if req, ok := obj.Get("required"); ok {
		f.Required, _ = req.(bool)
	}
	if opts, ok := obj.Get("options"); ok {
		f.Options = stringList(opts)
	}
	if def, ok := obj.Get("default"); ok {
		f.Default = literal(def)
	}
	return f
}

var validatorTypes = map[string]string{
	"string":  "text",
	"number":  "number",
	"bigint":  "number",
	"boolean": "boolean",
	"date":    "date",
	"enum":    "select",
	"array":   "array",
	"object":  "object",
	"record":  "object",
	"literal": "text",
	"union":   "union",
	"any":     "json",
	"unknown": "json",
}

// validatorFields derives fields from v.object({...}) schema builders.
func validatorFields(builder *Chain, validator string) []Field {
	part, ok := builder.Find("object")
	if !ok || len(part.Args) == 0 {
		return []Field{}
	}
	shape, ok := part.Args[0].(*Object)
	if !ok {
		return []Field{}
	}

	fields := make([]Field, 0, len(shape.Keys))
	for _, name := range shape.Keys {
		f := Field{Name: name, Label: Label(name), Type: "json", Required: true}

		c, ok := shape.Values[name].(*Chain)
		if ok {
			c, ok = c.Rooted(validator)
		}
		if ok && len(c.Parts) > 1 {
			kind := c.Parts[1].Name
			if kind == "coerce" && len(c.Parts) > 2 {
				kind = c.Parts[2].Name
			}
			if t, known := validatorTypes[kind]; known {
				f.Type = t
			} else {
				f.Type = kind
			}

			if _, optional := c.Find("optional"); optional {
				f.Required = false
			}
			if _, nullish := c.Find("nullish"); nullish {
				f.Required = false
			}
			if def, ok := c.Find("default"); ok && len(def.Args) > 0 {
				f.Default = literal(def.Args[0])
				f.Required = false
			}
			if enum, ok := c.Find("enum"); ok && len(enum.Args) > 0 {
				f.Options = stringList(enum.Args[0])
			}
			if desc, ok := c.Find("describe"); ok && len(desc.Args) > 0 {
				if s, ok := desc.Args[0].(string); ok {
					f.Label = s
				}
			}
		}

		fields = append(fields, f)
	}
	return fields
}

// literal converts a parsed value into plain Go data; run-time values are dropped.
func literal(value interface{}) interface{} {
	switch v := value.(type) {
	case string, float64, bool, nil:
		return v
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, literal(item))
		}
		return out
	case *Object:
		out := make(map[string]interface{}, len(v.Keys))
		for _, k := range v.Keys {
			out[k] = literal(v.Values[k])
		}
		return out
	default:
		return nil
	}
}
