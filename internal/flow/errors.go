package flow

import (
	"errors"
	"fmt"
)

// Kind classifies a flow failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindUpstreamTransient
	KindUpstreamRejected
	KindOutputValidation
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindOutputValidation:
		return "output_validation"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInput             = errors.New("invalid input")
	ErrUpstreamTransient = errors.New("upstream temporarily unavailable")
	ErrUpstreamRejected  = errors.New("upstream rejected request")
	ErrOutputValidation  = errors.New("upstream response failed validation")
	ErrPersistence       = errors.New("persistence failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInput:
		return ErrInput
	case KindUpstreamTransient:
		return ErrUpstreamTransient
	case KindUpstreamRejected:
		return ErrUpstreamRejected
	case KindOutputValidation:
		return ErrOutputValidation
	case KindPersistence:
		return ErrPersistence
	}
	return nil
}

// Error is the classified failure of a flow run.
type Error struct {
	Flow     string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Flow == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Flow, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the kind sentinel.
func (e *Error) Unwrap() []error {
	if s := e.Kind.sentinel(); s != nil {
		return []error{e.Err, s}
	}
	return []error{e.Err}
}

// Wrap classifies err under kind for the named flow. A nil err stays nil.
func Wrap(flow string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Flow: flow, Kind: kind, Err: err}
}

// Inputf builds an input error without a flow name; Run fills it in.
func Inputf(format string, args ...any) error {
	return &Error{Kind: KindInput, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// UserMessage renders err for a patient-facing client.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindInput:
		var fe *Error
		errors.As(err, &fe)
		return fmt.Sprintf("The request was invalid: %v", fe.Err)
	case KindUpstreamTransient:
		return "The analysis service is temporarily unavailable. Please try again in a few minutes."
	case KindUpstreamRejected:
		return "The analysis service rejected the request. This is usually a configuration problem or an unsupported file."
	case KindOutputValidation:
		return "The analysis service returned an unexpected response. Please try again."
	case KindPersistence:
		return "The result could not be saved. Please try again."
	}
	return "Something went wrong. Please try again."
}
