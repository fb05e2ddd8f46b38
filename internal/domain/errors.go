package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Specific conditions below wrap one of these so callers
// can classify failures with errors.Is against either level.
var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("state conflict")
	ErrConcurrency   = errors.New("concurrency conflict")
	ErrConfiguration = errors.New("configuration error")
	ErrUnauthorized  = errors.New("unauthorized")
)

var (
	ErrNonceMismatch         = fmt.Errorf("%w: exec nonce mismatch", ErrConcurrency)
	ErrLockHeld              = fmt.Errorf("%w: lock already held", ErrConcurrency)
	ErrEmergencyDelayPending = fmt.Errorf("%w: emergency delay pending", ErrStateConflict)
	ErrInsufficientBalance   = fmt.Errorf("%w: insufficient balance", ErrValidation)
	ErrFeedMissing           = fmt.Errorf("%w: price feed not registered", ErrConfiguration)
	ErrAdapterMissing        = fmt.Errorf("%w: trade adapter not registered", ErrConfiguration)
)
