// Package retry provides the bounded exponential backoff shared by every
// adapter that talks to the CRM or the delivery provider.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns three attempts starting at 500ms, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// NoRetry runs an operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// attempts are bounded by count, not by wall time
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"component": "retry",
			"operation": name,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).Debugf("retrying after error: %v", err)
	})
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
