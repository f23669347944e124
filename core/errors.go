package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by InsertWithID when the id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

type (
	// ValidationError is a missing or malformed field caught before any remote call.
	ValidationError struct {
		Field   string
		Message string
	}

	// AuthError is a failure reported by the identity service: bad credentials,
	// a cancelled federated flow, or an account that already exists.
	AuthError struct {
		Op      string
		Message string
		Err     error
	}

	// StoreError is a failed create, update or delete against the document store.
	StoreError struct {
		Op  string
		Err error
	}

	// SubscriptionError is an interrupted change feed.
	SubscriptionError struct {
		Collection string
		Err        error
	}
)

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s interrupted: %v", e.Collection, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// NewAuthError wraps err, surfacing its message verbatim.
func NewAuthError(op string, err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return &AuthError{Op: op, Message: err.Error(), Err: err}
}

// UserMessage is the text shown to a user for err.
func UserMessage(err error) string {
	var (
		ve *ValidationError
		ae *AuthError
		se *StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Message
	case errors.As(err, &ae):
		return ae.Error()
	case errors.As(err, &se):
		if errors.Is(se.Err, ErrNotFound) {
			return "That item no longer exists."
		}
		return se.Err.Error()
	default:
		return err.Error()
	}
}
