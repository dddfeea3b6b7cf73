package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrReverted    = errors.New("execution reverted")
	ErrTimeout     = errors.New("call timed out")
	ErrLockHeld    = errors.New("lock already held")

	ErrInvalidDeadline  = errors.New("invalid or zero deadline")
	ErrUnknownVersion   = errors.New("unknown schema version")
	ErrUnknownStrategy  = errors.New("unknown sync strategy")
	ErrCursorRegression = errors.New("cursor may not move backwards")
	ErrClaimRegression  = errors.New("claimed flag may not revert to false")
	ErrUnsupportedToken = errors.New("token type not supported by schema version")

	ErrProviderUnavailable = errors.New("chain provider unavailable")
	ErrStoreUnavailable    = errors.New("cache store unavailable")
)

// Error classes. A *ChainError matches exactly one of the transient or
// permanent classes through errors.Is, alongside its kind sentinel.
var (
	ErrTransientProvider = errors.New("transient provider error")
	ErrPermanentRead     = errors.New("permanent read error")
	ErrCacheWrite        = errors.New("cache write error")
	ErrDataShape         = errors.New("unexpected data shape")
)

// ChainErrorKind enumerates the failure modes of a ledger read.
type ChainErrorKind int

const (
	KindRateLimited ChainErrorKind = iota + 1
	KindTimeout
	KindReverted
	KindNotFound
	KindDataShape
)

func (k ChainErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindReverted:
		return "reverted"
	case KindNotFound:
		return "not_found"
	case KindDataShape:
		return "data_shape"
	default:
		return "unknown"
	}
}

// Transient reports whether a retry may succeed.
func (k ChainErrorKind) Transient() bool {
	return k == KindRateLimited || k == KindTimeout
}

// ChainError is the typed failure returned by every ChainReader call.
type ChainError struct {
	Kind ChainErrorKind
	Op   string
	Err  error
}

func (e *ChainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chain: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("chain: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Is lets errors.Is match both the kind sentinel and the error class.
func (e *ChainError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrReverted:
		return e.Kind == KindReverted
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrDataShape:
		return e.Kind == KindDataShape
	case ErrTransientProvider:
		return e.Kind.Transient()
	case ErrPermanentRead:
		return e.Kind == KindReverted || e.Kind == KindNotFound
	}
	return false
}

// NewChainError builds a *ChainError.
func NewChainError(kind ChainErrorKind, op string, err error) *ChainError {
	return &ChainError{Kind: kind, Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Kind.Transient()
	}
	return false
}
