// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts.
package retry

import (
	"context"
	"time"
)

// Outcome tags how a retry loop ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Policy bounds a retry loop. Attempts below 1 are treated as 1.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Result reports the outcome, the attempts made and the last error seen.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool { return r.Outcome == Succeeded }

// Do calls fn until it returns nil, the policy's attempts are spent, or ctx is
// done. The delay is not slept after the final attempt. onFailure, when not
// nil, is called after each failed attempt.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onFailure func(attempt int, err error)) Result {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Cancelled, Attempts: attempt - 1, Err: orErr(last, err)}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return Result{Outcome: Succeeded, Attempts: attempt}
		}
		last = err
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if attempt == attempts {
			break
		}
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Outcome: Cancelled, Attempts: attempt, Err: last}
			case <-timer.C:
			}
		}
	}
	return Result{Outcome: Exhausted, Attempts: attempts, Err: last}
}

func orErr(primary, fallback error) error {
	if primary != nil {
		return primary
	}
	return fallback
}
