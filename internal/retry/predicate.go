package retry

import (
	"errors"
	"net/http"
	"strings"
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// StatusCodes matches errors whose chain contains a StatusCoder reporting
// one of codes.
func StatusCodes(codes ...int) func(error) bool {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(err error) bool {
		var sc StatusCoder
		if !errors.As(err, &sc) {
			return false
		}
		_, ok := set[sc.StatusCode()]
		return ok
	}
}

// MessageContains matches errors whose message contains any of subs.
// Providers that only surface a text error are classified this way.
func MessageContains(subs ...string) func(error) bool {
	return func(err error) bool {
		if err == nil {
			return false
		}
		msg := err.Error()
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

// AnyOf matches when any predicate matches.
func AnyOf(preds ...func(error) bool) func(error) bool {
	return func(err error) bool {
		for _, p := range preds {
			if p(err) {
				return true
			}
		}
		return false
	}
}

// Transient classifies rate limiting and server-side unavailability as
// retryable, by status code when the transport exposes one and by message
// otherwise.
var Transient = AnyOf(
	StatusCodes(
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	),
	MessageContains("Service Unavailable", "503"),
)
