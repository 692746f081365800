package tokens

import (
	"errors"
	"fmt"
)

// ErrUserKeyRequired is returned by every operation invoked with an empty
// user key. Fatal to the call; never retried internally.
var ErrUserKeyRequired = errors.New("user key is required")

// InsufficientTokensError is returned by Consume when the balance is zero (or
// the record does not exist) and the signature is not a duplicate of the last
// charge. Callers should surface it as "no quota remaining" rather than retry.
type InsufficientTokensError struct {
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("no generation tokens available (tokens=%d)", e.Available)
}

// StoreError wraps an underlying storage failure. The service performs no
// retries itself; the error propagates unchanged to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("token store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// wrapStore classifies an error coming back from a store round trip: domain
// errors raised inside an update callback pass through untouched, everything
// else is a storage failure.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var insufficient *InsufficientTokensError
	if errors.As(err, &insufficient) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
