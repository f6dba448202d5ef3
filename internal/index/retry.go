package index

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bull/ragsworth/internal/domain"
)

// Retry defaults for remote backends.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultTimeout   = 10 * time.Second
)

// RetryPolicy bounds every remote call: each attempt runs under Timeout and
// transient failures are retried up to Attempts times with a delay that
// starts at BaseDelay and doubles.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// do runs fn under the policy. Errors already classified by fn (duplicate,
// dimension, configuration) pass through unchanged. Remaining failures come
// back as domain.ErrNetworkTransient once retries are exhausted, or as
// domain.ErrRemotePermanent when the service rejected the request.
// Cancellation or expiry of the caller's context is returned as is.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.BaseDelay << uint(p.Attempts)
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("Remote call failed, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case isClassified(err):
		return fmt.Errorf("%s: %w", op, err)
	case isTransient(err):
		return fmt.Errorf("%w: %s failed after %d attempts: %v", domain.ErrNetworkTransient, op, attempt, err)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrRemotePermanent, op, err)
	}
}

// isClassified reports errors produced locally with a domain kind.
func isClassified(err error) bool {
	return errors.Is(err, domain.ErrDuplicateChunk) ||
		errors.Is(err, domain.ErrDimensionMismatch) ||
		errors.Is(err, domain.ErrConfiguration) ||
		errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrNotFound)
}

// isTransient reports timeouts, refused or reset connections and gRPC
// statuses that signal a temporarily unavailable service.
func isTransient(err error) bool {
	if err == nil || isClassified(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrNetworkTransient) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}
