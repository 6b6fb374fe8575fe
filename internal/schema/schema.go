// Package schema validates loosely typed values (decoded JSON, model output,
// request bodies) against declarative shapes and reports every failing field.
package schema

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Schema is a node in a declarative shape. Schemas are immutable once built
// and safe to share between goroutines.
type Schema interface {
	// check validates v at path, appends issues to errs and returns the
	// value narrowed to the schema (unknown object fields dropped).
	check(path string, v any, errs *[]Issue) any

	// JSONSchema renders the node as a JSON Schema fragment suitable for
	// provider structured-output settings.
	JSONSchema() map[string]any

	// typeName is a short label used in union mismatch messages.
	typeName() string
}

// Field is one property of an object schema.
type Field struct {
	Name        string
	Schema      Schema
	Required    bool
	Description string
}

// Required declares a field that must be present and non-null.
func Required(name string, s Schema) Field {
	return Field{Name: name, Schema: s, Required: true}
}

// Optional declares a field that may be absent or null.
func Optional(name string, s Schema) Field {
	return Field{Name: name, Schema: s}
}

// Describe returns a copy of f carrying a description for the JSON Schema
// rendering. Descriptions steer the model; they are not validated.
func (f Field) Describe(desc string) Field {
	f.Description = desc
	return f
}

// --- object ---

type objectSchema struct {
	fields []Field
}

// Object builds a schema for a JSON object. Keys not listed in fields are
// ignored and do not appear in the narrowed value.
func Object(fields ...Field) Schema {
	return &objectSchema{fields: fields}
}

func (o *objectSchema) typeName() string { return "object" }

func (o *objectSchema) check(path string, v any, errs *[]Issue) any {
	m, ok := v.(map[string]any)
	if !ok {
		addIssue(errs, path, "expected object, got %s", describe(v))
		return nil
	}
	out := make(map[string]any, len(o.fields))
	for _, f := range o.fields {
		fp := joinPath(path, f.Name)
		raw, present := m[f.Name]
		if !present || raw == nil {
			if f.Required {
				addIssue(errs, fp, "is required")
			}
			continue
		}
		out[f.Name] = f.Schema.check(fp, raw, errs)
	}
	return out
}

func (o *objectSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(o.fields))
	var required []string
	for _, f := range o.fields {
		js := f.Schema.JSONSchema()
		if f.Description != "" {
			js["description"] = f.Description
		}
		props[f.Name] = js
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// --- array ---

// ArraySchema is returned by Array; MinItems derives a stricter copy.
type ArraySchema struct {
	items Schema
	min   int
}

// Array builds a schema for a JSON array whose elements all match items.
func Array(items Schema) *ArraySchema {
	return &ArraySchema{items: items}
}

// MinItems requires at least n elements.
func (a *ArraySchema) MinItems(n int) *ArraySchema {
	cp := *a
	cp.min = n
	return &cp
}

func (a *ArraySchema) typeName() string { return "array" }

func (a *ArraySchema) check(path string, v any, errs *[]Issue) any {
	arr, ok := v.([]any)
	if !ok {
		addIssue(errs, path, "expected array, got %s", describe(v))
		return nil
	}
	if len(arr) < a.min {
		addIssue(errs, path, "must contain at least %d item(s)", a.min)
	}
	out := make([]any, len(arr))
	for i, item := range arr {
		out[i] = a.items.check(fmt.Sprintf("%s[%d]", path, i), item, errs)
	}
	return out
}

func (a *ArraySchema) JSONSchema() map[string]any {
	out := map[string]any{"type": "array", "items": a.items.JSONSchema()}
	if a.min > 0 {
		out["minItems"] = a.min
	}
	return out
}

// --- string ---

// StringSchema is returned by String. Its modifiers return copies, so a
// shared base schema is never changed.
type StringSchema struct {
	nonEmpty bool
	prefix   string
}

// String builds a schema accepting any JSON string.
func String() *StringSchema {
	return &StringSchema{}
}

// NonEmpty rejects strings that are empty after trimming whitespace.
func (s *StringSchema) NonEmpty() *StringSchema {
	cp := *s
	cp.nonEmpty = true
	return &cp
}

// Prefix requires the string to start with p.
func (s *StringSchema) Prefix(p string) *StringSchema {
	cp := *s
	cp.prefix = p
	return &cp
}

func (s *StringSchema) typeName() string { return "string" }

func (s *StringSchema) check(path string, v any, errs *[]Issue) any {
	str, ok := v.(string)
	if !ok {
		addIssue(errs, path, "expected string, got %s", describe(v))
		return nil
	}
	if s.nonEmpty && strings.TrimSpace(str) == "" {
		addIssue(errs, path, "must not be empty")
	}
	if s.prefix != "" && !strings.HasPrefix(str, s.prefix) {
		addIssue(errs, path, "must start with %q", s.prefix)
	}
	return str
}

func (s *StringSchema) JSONSchema() map[string]any {
	return map[string]any{"type": "string"}
}

// --- number ---

// NumberSchema is returned by Number and Integer.
type NumberSchema struct {
	integer  bool
	min, max *float64
}

// Number builds a schema accepting any JSON number.
func Number() *NumberSchema {
	return &NumberSchema{}
}

// Integer builds a schema accepting JSON numbers without a fractional part.
func Integer() *NumberSchema {
	return &NumberSchema{integer: true}
}

// Range bounds the number to [lo, hi] inclusive.
func (n *NumberSchema) Range(lo, hi float64) *NumberSchema {
	cp := *n
	cp.min, cp.max = &lo, &hi
	return &cp
}

func (n *NumberSchema) typeName() string {
	if n.integer {
		return "integer"
	}
	return "number"
}

func (n *NumberSchema) check(path string, v any, errs *[]Issue) any {
	f, ok := toFloat(v)
	if !ok {
		addIssue(errs, path, "expected %s, got %s", n.typeName(), describe(v))
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		addIssue(errs, path, "must be a finite number")
		return nil
	}
	if n.integer && f != math.Trunc(f) {
		addIssue(errs, path, "expected integer, got %v", f)
	}
	if n.min != nil && f < *n.min {
		addIssue(errs, path, "must be >= %v", *n.min)
	}
	if n.max != nil && f > *n.max {
		addIssue(errs, path, "must be <= %v", *n.max)
	}
	return f
}

func (n *NumberSchema) JSONSchema() map[string]any {
	out := map[string]any{"type": n.typeName()}
	if n.min != nil {
		out["minimum"] = *n.min
	}
	if n.max != nil {
		out["maximum"] = *n.max
	}
	return out
}

// --- boolean ---

type boolSchema struct{}

// Bool builds a schema accepting JSON booleans.
func Bool() Schema { return boolSchema{} }

func (boolSchema) typeName() string { return "boolean" }

func (boolSchema) check(path string, v any, errs *[]Issue) any {
	b, ok := v.(bool)
	if !ok {
		addIssue(errs, path, "expected boolean, got %s", describe(v))
		return nil
	}
	return b
}

func (boolSchema) JSONSchema() map[string]any {
	return map[string]any{"type": "boolean"}
}

// --- enum ---

type enumSchema struct {
	values []string
}

// Enum builds a schema accepting one of the given strings.
func Enum(values ...string) Schema {
	return &enumSchema{values: values}
}

func (e *enumSchema) typeName() string { return "enum" }

func (e *enumSchema) check(path string, v any, errs *[]Issue) any {
	str, ok := v.(string)
	if !ok {
		addIssue(errs, path, "expected one of %v, got %s", e.values, describe(v))
		return nil
	}
	for _, allowed := range e.values {
		if str == allowed {
			return str
		}
	}
	addIssue(errs, path, "must be one of %v, got %q", e.values, str)
	return nil
}

func (e *enumSchema) JSONSchema() map[string]any {
	return map[string]any{"type": "string", "enum": append([]string(nil), e.values...)}
}

// --- union ---

type unionSchema struct {
	options []Schema
}

// Union accepts a value matching any of the options; the first match wins.
func Union(options ...Schema) Schema {
	return &unionSchema{options: options}
}

func (u *unionSchema) typeName() string {
	names := make([]string, len(u.options))
	for i, o := range u.options {
		names[i] = o.typeName()
	}
	return strings.Join(names, " | ")
}

func (u *unionSchema) check(path string, v any, errs *[]Issue) any {
	for _, o := range u.options {
		var local []Issue
		out := o.check(path, v, &local)
		if len(local) == 0 {
			return out
		}
	}
	addIssue(errs, path, "expected %s, got %s", u.typeName(), describe(v))
	return nil
}

func (u *unionSchema) JSONSchema() map[string]any {
	opts := make([]any, len(u.options))
	for i, o := range u.options {
		opts[i] = o.JSONSchema()
	}
	return map[string]any{"anyOf": opts}
}

// --- nullable ---

type nullableSchema struct {
	inner Schema
}

// Nullable accepts null in addition to values matching inner.
func Nullable(inner Schema) Schema {
	return &nullableSchema{inner: inner}
}

func (n *nullableSchema) typeName() string { return n.inner.typeName() + " | null" }

func (n *nullableSchema) check(path string, v any, errs *[]Issue) any {
	if v == nil {
		return nil
	}
	return n.inner.check(path, v, errs)
}

func (n *nullableSchema) JSONSchema() map[string]any {
	out := n.inner.JSONSchema()
	out["nullable"] = true
	return out
}

// --- helpers ---

func addIssue(errs *[]Issue, path, format string, args ...any) {
	if path == "" {
		path = rootPath
	}
	*errs = append(*errs, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

const rootPath = "(root)"

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("string %q", truncate(t, 40))
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
