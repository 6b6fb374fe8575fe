package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Issue is a single failing path within a validated value.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationError lists every issue found in one validation pass.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Paths returns the failing paths in report order.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		out[i] = is.Path
	}
	return out
}

// Validate checks v against s. On success it returns v narrowed to the
// schema: unknown object keys are dropped and numbers become float64.
// On failure it returns a *ValidationError naming every failing path.
func Validate(s Schema, v any) (any, error) {
	var issues []Issue
	out := s.check("", v, &issues)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return out, nil
}

// Decode parses raw JSON, validates it against s and decodes the narrowed
// value into T.
func invalidJSON(msg string) *ValidationError {
	return &ValidationError{Issues: []Issue{{Path: rootPath, Message: "invalid JSON: " + msg}}}
}

func Decode[T any](s Schema, raw []byte) (T, error) {
	var zero T

	dec := json.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return zero, invalidJSON(err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return zero, invalidJSON("unexpected data after the top-level value")
	}

	narrowed, err := Validate(s, v)
	if err != nil {
		return zero, err
	}

	b, err := json.Marshal(narrowed)
	if err != nil {
		return zero, fmt.Errorf("re-encoding validated value: %w", err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, fmt.Errorf("decoding validated value: %w", err)
	}
	return out, nil
}

// Conform validates an already typed Go value by round-tripping it through
// its JSON form. It is used on inbound request structs before any
// downstream call.
func Conform(s Schema, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	_, err = Validate(s, generic)
	return err
}
