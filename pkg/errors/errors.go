// Package apperrors defines the error taxonomy shared across the engine (§7).
// Kinds, not sentinel values for specific causes: callers classify an
// underlying exchange/store error into one of these and branch on that.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error categories the engine reasons about.
type Kind string

const (
	// KindTransient covers timeouts, 5xx, and rate-limit responses. Retried
	// with exponential backoff + jitter; surfaced only once retries are exhausted.
	KindTransient Kind = "Transient"
	// KindAlreadyGone means the order/position no longer exists at the exchange.
	// Treated as success for cancel, as needs-replace for amend. Never escalated.
	KindAlreadyGone Kind = "AlreadyGone"
	// KindDuplicateLinkID means the order-link ID collided with a prior order.
	// The caller regenerates the link ID and retries once.
	KindDuplicateLinkID Kind = "DuplicateLinkId"
	// KindFatal covers bad-parameter responses. Never retried.
	KindFatal Kind = "Fatal"
	// KindInvariantViolation covers violations such as sum(TP qty) exceeding
	// current+pending size. Clamped and logged; never crashes the scheduler.
	KindInvariantViolation Kind = "InvariantViolation"
	// KindCacheMiss is handled internally by the monitoring cache; it never
	// surfaces past that layer.
	KindCacheMiss Kind = "CacheMiss"
	// KindPersistence covers snapshot save/load failures. Retried once; on
	// repeat failure the caller continues in-memory and flags persistence
	// degraded for operator attention.
	KindPersistence Kind = "Persistence"
)

// Error wraps an underlying cause with its taxonomy kind and enough context
// to build a structured, per-TP outcome or alert event without re-parsing
// the original message.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error for op, wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithContext attaches free-form context (e.g. the rejected order-link ID).
func (e *Error) WithContext(ctx string) *Error {
	e.Context = ctx
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// IsRetryable reports whether the engine should retry the operation that
// produced err without operator intervention.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTransient, KindDuplicateLinkID, KindPersistence:
		return true
	default:
		return false
	}
}

// Sentinel causes wrapped by exchange adapters before classification. These
// mirror the exchange-generic failure reasons the Bybit adapter's parseError
// maps retCodes onto.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)
