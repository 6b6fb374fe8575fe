// Package retry runs an operation under a bounded geometric backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPolicy is returned when a Policy violates its bounds.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures Do. The delay before attempt k+1 is
// BaseDelay * Multiplier^(k-1); there is no jitter.
type Policy struct {
	// MaxAttempts counts the initial attempt. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. Must be >= 0.
	BaseDelay time.Duration

	// Multiplier scales the delay after each further failure. Must be >= 1.
	Multiplier float64

	// Retryable reports whether an error is transient. A nil predicate
	// treats every error as permanent.
	Retryable func(error) bool

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three attempts at 1s, 2s with the Transient predicate.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Retryable:   Transient,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%w: negative base delay %s", ErrInvalidPolicy, p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier %v < 1", ErrInvalidPolicy, p.Multiplier)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExhaustedError wraps the last transient error once attempts run out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Result carries the outcome of Run along with the attempt count.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// Do runs op under p and returns its value or error. See Run.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	r := Run(ctx, p, op)
	return r.Value, r.Err
}

// Run calls op until it succeeds, returns a non-transient error, or the
// attempt budget is spent.
//
// A non-transient error is returned unchanged after the attempt that
// produced it. When the budget is spent on transient errors the last one is
// returned wrapped in *ExhaustedError. If ctx ends during a backoff wait the
// context error is returned.
func Run[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) Result[T] {
	start := time.Now()
	if err := p.Validate(); err != nil {
		return Result[T]{Err: err, Duration: time.Since(start)}
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return Result[T]{Value: v, Attempts: attempt, Duration: time.Since(start)}
		}

		if !retryable(err) {
			return Result[T]{Value: zero, Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		if attempt >= p.MaxAttempts {
			return Result[T]{
				Value:    zero,
				Err:      &ExhaustedError{Attempts: attempt, Err: err},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return Result[T]{Value: zero, Err: serr, Attempts: attempt, Duration: time.Since(start)}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
