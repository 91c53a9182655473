package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const defaultRetryBackoff = 2 * time.Second

// RetryError aggregates every failed attempt of a retried call.
type RetryError struct {
	Op       string
	RemoteID string
	Errs     []error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.RemoteID, len(e.Errs), e.Errs[len(e.Errs)-1])
}

func (e *RetryError) Unwrap() []error {
	return e.Errs
}

// Retrying wraps a Gateway with bounded exponential backoff for the
// state-changing calls. Only transient failures are retried. Status and
// Delete pass straight through.
type Retrying struct {
	next    Gateway
	retries uint64
	backoff time.Duration
}

// NewRetrying retries up to retries times after the first attempt, waiting
// backoff, 2*backoff, 4*backoff... between attempts.
func NewRetrying(next Gateway, retries int, backoff time.Duration) *Retrying {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Retrying{next: next, retries: uint64(retries), backoff: backoff}
}

func (r *Retrying) Suspend(ctx context.Context, remoteID string) error {
	return r.retry(ctx, "suspend", remoteID, func(ctx context.Context) error { return r.next.Suspend(ctx, remoteID) })
}

func (r *Retrying) Unsuspend(ctx context.Context, remoteID string) error {
	return r.retry(ctx, "unsuspend", remoteID, func(ctx context.Context) error { return r.next.Unsuspend(ctx, remoteID) })
}

func (r *Retrying) Power(ctx context.Context, remoteID string, signal Signal) error {
	return r.retry(ctx, "power", remoteID, func(ctx context.Context) error { return r.next.Power(ctx, remoteID, signal) })
}

func (r *Retrying) Status(ctx context.Context, remoteID string) (Status, error) {
	return r.next.Status(ctx, remoteID)
}

func (r *Retrying) Delete(ctx context.Context, remoteID string) error {
	return r.next.Delete(ctx, remoteID)
}

func (r *Retrying) policy() retry.Backoff {
	return retry.WithMaxRetries(r.retries, retry.NewExponential(r.backoff))
}

func (r *Retrying) retry(ctx context.Context, op, remoteID string, call func(context.Context) error) error {
	var (
		errs    []error
		lastErr error
	)
	policy := r.policy()
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := policy.Next()
		if !stop {
			log.Warn().
				Err(lastErr).
				Str("op", op).
				Str("remote_id", remoteID).
				Int("attempt", len(errs)).
				Dur("backoff", delay).
				Msg("Transient gateway failure, retrying")
		}
		return delay, stop
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := call(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		lastErr = err
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, lastErr) {
		// cancelled before or between attempts
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &RetryError{Op: op, RemoteID: remoteID, Errs: errs}
}
