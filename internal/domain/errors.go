package domain

import (
	"context"
	"errors"
)

// Error kinds shared by every component. Callers classify failures with
// errors.Is; a single error may carry more than one kind (for example a
// rate-limited provider call is both ErrProvider and ErrRateLimited).
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrProvider          = errors.New("provider error")
	ErrNetworkTransient  = errors.New("transient network error")
	ErrRemotePermanent   = errors.New("remote index rejected request")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrCanceled          = errors.New("canceled")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("unavailable")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDuplicateChunk    = errors.New("duplicate chunk id")
	ErrInternal          = errors.New("internal error")
)

// kindOrder lists the kinds from most to least specific.
var kindOrder = []error{
	ErrTimeout,
	ErrCanceled,
	ErrDimensionMismatch,
	ErrDuplicateChunk,
	ErrConfiguration,
	ErrRateLimited,
	ErrUnavailable,
	ErrInvalidRequest,
	ErrNetworkTransient,
	ErrRemotePermanent,
	ErrProvider,
	ErrNotFound,
}

// KindOf returns the most specific error kind carried by err.
// Context deadline and cancellation map to ErrTimeout and ErrCanceled.
// Unclassified errors map to ErrInternal; nil maps to nil.
func KindOf(err error) error {
	kinds := Kinds(err)
	if len(kinds) == 0 {
		if err == nil {
			return nil
		}
		return ErrInternal
	}
	return kinds[0]
}

// Kinds returns every kind carried by err in specificity order.
func Kinds(err error) []error {
	if err == nil {
		return nil
	}
	var kinds []error
	for _, kind := range kindOrder {
		if errors.Is(err, kind) {
			kinds = append(kinds, kind)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) && !contains(kinds, ErrTimeout) {
		kinds = append([]error{ErrTimeout}, kinds...)
	}
	if errors.Is(err, context.Canceled) && !contains(kinds, ErrCanceled) {
		kinds = append([]error{ErrCanceled}, kinds...)
	}
	return kinds
}

// KindName returns the short snake_case label of a kind, used for metrics
// labels and tool responses.
func KindName(kind error) string {
	switch kind {
	case nil:
		return ""
	case ErrConfiguration:
		return "configuration"
	case ErrDimensionMismatch:
		return "dimension_mismatch"
	case ErrProvider:
		return "provider"
	case ErrNetworkTransient:
		return "network_transient"
	case ErrRemotePermanent:
		return "remote_permanent"
	case ErrNotFound:
		return "not_found"
	case ErrTimeout:
		return "timeout"
	case ErrCanceled:
		return "canceled"
	case ErrRateLimited:
		return "rate_limited"
	case ErrUnavailable:
		return "unavailable"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrDuplicateChunk:
		return "duplicate_chunk"
	default:
		return "internal"
	}
}

func contains(kinds []error, kind error) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
