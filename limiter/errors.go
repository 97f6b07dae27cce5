package limiter

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable matches every bucket store failure, timeouts included.
	// Whether to admit or reject on it is the caller's deployment choice.
	ErrStoreUnavailable = errors.New("limiter: bucket store unavailable")
	// ErrConfiguration matches a resolved policy whose shape cannot drive a bucket.
	ErrConfiguration = errors.New("limiter: invalid policy configuration")
	// ErrNoIdentity is returned when an identity carries neither a user id nor an IP.
	ErrNoIdentity = errors.New("limiter: identity has neither user id nor ip")
	// ErrInvalidCost is returned when fewer than one token is requested.
	ErrInvalidCost = errors.New("limiter: requested tokens must be at least 1")
	// ErrUnknownEndpoint is returned for an endpoint type outside the known set.
	ErrUnknownEndpoint = errors.New("limiter: unknown endpoint type")
)

// StoreError records a failed bucket store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("limiter: store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// ConfigurationError reports a policy that passed through the index with
// values the bucket math cannot use.
type ConfigurationError struct {
	PolicyID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("limiter: policy %s: %s", e.PolicyID, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
