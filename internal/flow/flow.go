// Package flow runs one validated, retried call to an external service:
// check the input, build the request, invoke it under a retry policy and
// validate what comes back.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/schema"
	"github.com/kalambet/medidash/internal/telemetry"
)

// Flow describes a single external call. In is the caller's input, Req the
// transport request built from it and Out the validated result.
//
// Run makes zero external calls when the input is rejected and exactly one
// logical call (with up to Policy.MaxAttempts attempts) otherwise.
type Flow[In, Req, Out any] struct {
	Name   string
	Policy retry.Policy

	// Check rejects malformed input before anything is built. Optional.
	Check func(In) error

	// Build turns validated input into a transport request. Errors are
	// classified as input errors.
	Build func(In) (Req, error)

	// Invoke performs the external call and returns its raw text output.
	Invoke func(ctx context.Context, req Req) (string, error)

	// Parse validates the raw output and produces the result.
	Parse func(raw string) (Out, error)

	Recorder telemetry.Recorder
	Logger   *slog.Logger
}

// Run executes the flow.
func (f *Flow[In, Req, Out]) Run(ctx context.Context, in In) (Out, error) {
	rec := f.Recorder
	if rec == nil {
		rec = telemetry.Noop{}
	}
	start := time.Now()
	ctx, span := rec.Start(ctx, f.Name)

	out, attempts, err := f.run(ctx, rec, in)

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
		f.logger().Error("flow failed", "flow", f.Name, "kind", outcome, "attempts", attempts, "error", err)
	} else {
		f.logger().Debug("flow completed", "flow", f.Name, "attempts", attempts, "elapsed", time.Since(start))
	}
	rec.Finish(ctx, span, f.Name, attempts, time.Since(start), outcome, err)
	return out, err
}

func (f *Flow[In, Req, Out]) run(ctx context.Context, rec telemetry.Recorder, in In) (Out, int, error) {
	var zero Out

	if f.Check != nil {
		if err := f.Check(in); err != nil {
			return zero, 0, f.classify(KindInput, 0, err)
		}
	}

	req, err := f.Build(in)
	if err != nil {
		return zero, 0, f.classify(KindInput, 0, err)
	}

	policy := f.Policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.logger().Warn("transient upstream failure, retrying",
			"flow", f.Name, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		rec.Retry(ctx, f.Name, attempt, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	res := retry.Run(ctx, policy, func(ctx context.Context) (string, error) {
		return f.Invoke(ctx, req)
	})
	if res.Err != nil {
		return zero, res.Attempts, f.classify(upstreamKind(res.Err), res.Attempts, res.Err)
	}

	out, err := f.Parse(res.Value)
	if err != nil {
		return zero, res.Attempts, f.classify(KindOutputValidation, res.Attempts, err)
	}
	return out, res.Attempts, nil
}

// classify wraps err as kind unless it already carries a classification,
// in which case only the flow name and attempt count are filled in.
func (f *Flow[In, Req, Out]) classify(kind Kind, attempts int, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.Flow == "" {
			cp.Flow = f.Name
		}
		if cp.Attempts == 0 {
			cp.Attempts = attempts
		}
		return &cp
	}
	return &Error{Flow: f.Name, Kind: kind, Attempts: attempts, Err: err}
}

func (f *Flow[In, Req, Out]) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func upstreamKind(err error) Kind {
	var ex *retry.ExhaustedError
	switch {
	case errors.As(err, &ex):
		return KindUpstreamTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTransient
	}
	return KindUpstreamRejected
}

// JSONOutput parses raw model output as JSON validated against s.
func JSONOutput[Out any](s schema.Schema) func(string) (Out, error) {
	return func(raw string) (Out, error) {
		return schema.Decode[Out](s, []byte(StripFences(raw)))
	}
}

// ErrEmptyOutput is returned by TextOutput for a blank reply.
var ErrEmptyOutput = errors.New("empty response")

// TextOutput accepts any non-blank reply.
func TextOutput(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

// StripFences removes a surrounding markdown code fence, which some
// providers add around JSON even when asked for raw JSON.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
