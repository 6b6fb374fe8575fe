// Package llm holds the hosted-model clients used by the analysis flows.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Role values for chat messages. Providers with other conventions map them.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Media is an inline binary attachment such as a scanned report.
type Media struct {
	MIMEType string
	Data     []byte
}

// Request is a provider-neutral generation request.
type Request struct {
	System   string
	Messages []Message
	Media    []Media

	// Schema, when set, asks the provider for JSON matching this JSON Schema.
	Schema map[string]any

	Temperature float64
}

// Generator produces a text completion for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrMissingAPIKey is returned when a client has no credential configured.
var ErrMissingAPIKey = errors.New("missing API key")

// ErrUnsupportedMedia is returned when a provider cannot accept an attachment.
var ErrUnsupportedMedia = errors.New("unsupported MIME type")

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	body := clip(strings.TrimSpace(e.Body), 300)
	return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), body)
}

// StatusCode reports the HTTP status for retry classification.
func (e *StatusError) StatusCode() int { return e.Code }

// clip shortens s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
