// Package retry holds the backoff policy shared by every call that leaves the
// process: EC2 API requests and PostgreSQL statements.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// KindProvider marks failures talking to the cloud provider API.
	KindProvider = "provider"
	// KindStore marks failures talking to the connection store.
	KindStore = "store"
)

// TransientError wraps a failure that may succeed if attempted again:
// throttling, dropped connections and timeouts.
type TransientError struct {
	Kind string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %s", e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *TransientError) Unwrap() error { return e.Err }

// Cause returns the wrapped error for github.com/pkg/errors.
func (e *TransientError) Cause() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Kind: kind, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Policy is an exponential backoff with a bounded number of attempts and a
// timeout applied to every attempt.
type Policy struct {
	// Kind labels attempts that time out, KindProvider or KindStore.
	Kind string
	// MaxAttempts bounds the number of calls, including the first one.
	MaxAttempts uint
	// InitialInterval is the wait after the first failure.
	InitialInterval time.Duration
	// MaxInterval caps the wait between two attempts.
	MaxInterval time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// WithKind returns a copy of p labelled with kind.
func (p Policy) WithKind(kind string) Policy {
	p.Kind = kind
	return p
}

func (p Policy) kind() string {
	if p.Kind == "" {
		return KindProvider
	}
	return p.Kind
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do runs op until it succeeds, returns a non-transient error, or the
// attempts are exhausted. An attempt that runs into its own timeout counts
// as transient.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	var attempt uint

	operation := func() (T, error) {
		attempt++
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !IsTransient(err) {
			err = Transient(p.kind(), errors.Wrapf(err, "%s timed out after %s", name, p.Timeout))
		}
		if !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"operation": name,
			"attempt":   attempt,
			"wait":      wait,
		}).Warnf("Retrying after error: %v", err)
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))
	if err != nil && IsTransient(err) {
		return res, errors.Wrapf(err, "%s failed after %d attempts", name, attempt)
	}
	return res, err
}
