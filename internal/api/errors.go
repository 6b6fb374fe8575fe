package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/profile"
	"github.com/kalambet/medidash/internal/records"
)

// Error types in the JSON error envelope.
const (
	errInvalidInput    = "invalid_input"
	errUnavailable     = "temporarily_unavailable"
	errConfiguration   = "configuration_error"
	errInvalidUpstream = "invalid_upstream_response"
	errPersistence     = "persistence_error"
	errNotFound        = "not_found"
	errInternal        = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a service error to a status code and a patient-facing
// message derived from its kind.
func writeError(w http.ResponseWriter, err error) {
	status, errType := classify(err)
	msg := flow.UserMessage(err)
	switch errType {
	case errNotFound:
		msg = "record not found"
	case errInternal:
		slog.Error("unclassified request failure", "error", err)
	}
	if errors.Is(err, profile.ErrInvalidField) {
		msg = err.Error()
	}
	httpError(w, status, errType, "%s", msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound, errNotFound
	case errors.Is(err, profile.ErrInvalidField):
		return http.StatusBadRequest, errInvalidInput
	}
	switch flow.KindOf(err) {
	case flow.KindInput:
		return http.StatusBadRequest, errInvalidInput
	case flow.KindUpstreamTransient:
		return http.StatusServiceUnavailable, errUnavailable
	case flow.KindUpstreamRejected:
		return http.StatusBadGateway, errConfiguration
	case flow.KindOutputValidation:
		return http.StatusBadGateway, errInvalidUpstream
	case flow.KindPersistence:
		return http.StatusInternalServerError, errPersistence
	}
	return http.StatusInternalServerError, errInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
