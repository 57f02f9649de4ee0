// Package retry runs an operation a bounded number of times with random
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config controls a retry loop. The zero value makes three attempts
// starting at a 100ms delay.
type Config struct {
	Attempts  int           // total attempts including the first
	BaseDelay time.Duration // delay before the second attempt
	MaxWait   time.Duration // upper bound on a single delay

	// Report, if non-nil, observes every failed attempt. Returning a
	// non-nil error aborts the loop with that error.
	Report func(attempt int, err error) error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do retries try with the zero Config.
func Do(ctx context.Context, try func(context.Context) error) error {
	return Config{}.Do(ctx, try)
}

// Do calls try until it succeeds, returns a permanent error, the attempts
// are used up, or ctx is done. The last error is returned unwrapped.
func (c Config) Do(ctx context.Context, try func(context.Context) error) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := c.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = try(ctx)
		if err == nil {
			return nil
		}
		var p permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if c.Report != nil {
			if abort := c.Report(attempt, err); abort != nil {
				return abort
			}
		}
		if attempt >= attempts {
			return err
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)))
		if c.MaxWait > 0 && wait > c.MaxWait {
			wait = c.MaxWait
		}
		delay *= 2

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}
