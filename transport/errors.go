package transport

import (
	"fmt"

	"github.com/juju/errors"
)

// UnauthorizedKind distinguishes the wire-protocol-specific shapes of an
// unauthorized response. checkForUnauthorizedException (§4.4) treats all
// three the same way: they become retryable when the credential backing
// them is not itself expired.
type UnauthorizedKind int

const (
	NotUnauthorized UnauthorizedKind = iota
	PubSubUnauthorized
	GenericUnauthorized
	QueueUnauthorizedAccess
)

// TransportError is the network/protocol/IO error kind. It always carries
// a cause (possibly itself) and a Retryable verdict that
// checkForUnauthorizedException and handleMessageException consult.
type TransportError struct {
	cause         error
	Retryable     bool
	ServiceStatus StatusCode // StatusUnset when the error has no service status
	Unauthorized  UnauthorizedKind
}

func (e *TransportError) Error() string {
	if e.cause == nil {
		return "transport error"
	}
	return e.cause.Error()
}

func (e *TransportError) Cause() error { return e.cause }

// NewTransportError wraps cause as a TransportError. Use the With* helpers
// to attach service status or mark it as a flavor of unauthorized.
func NewTransportError(cause error, retryable bool) *TransportError {
	return &TransportError{cause: cause, Retryable: retryable}
}

func (e *TransportError) WithServiceStatus(s StatusCode) *TransportError {
	e.ServiceStatus = s
	return e
}

func (e *TransportError) WithUnauthorized(k UnauthorizedKind) *TransportError {
	e.Unauthorized = k
	return e
}

// AsTransportError unwraps err looking for a *TransportError, the way
// errors.As would, without requiring callers to import errors themselves.
func AsTransportError(err error) (*TransportError, bool) {
	for err != nil {
		if te, ok := err.(*TransportError); ok {
			return te, true
		}
		switch w := err.(type) {
		case interface{ Underlying() error }:
			err = w.Underlying()
		case interface{ Unwrap() error }:
			err = w.Unwrap()
		case interface{ Cause() error }:
			err = w.Cause()
		default:
			return nil, false
		}
	}
	return nil, false
}

// ToTransportError wraps any error kind into a *TransportError, the policy
// used at every boundary where an external error kind (an adapter-returned
// plain error) enters the engine's failure handling.
func ToTransportError(err error) *TransportError {
	if err == nil {
		return nil
	}
	if te, ok := AsTransportError(err); ok {
		return te
	}
	return NewTransportError(err, false)
}

// AuthenticationError reports a rejected or expired credential.
type AuthenticationError struct {
	cause   error
	Expired bool
}

func (e *AuthenticationError) Error() string {
	if e.Expired {
		return fmt.Sprintf("authentication: credential expired: %v", e.cause)
	}
	return fmt.Sprintf("authentication: %v", e.cause)
}
func (e *AuthenticationError) Cause() error { return e.cause }

func NewAuthenticationError(cause error, expired bool) *AuthenticationError {
	return &AuthenticationError{cause: cause, Expired: expired}
}

// ErrInvalidArgument and ErrIllegalState are sentinel-ish errors built with
// juju/errors constructors, matching the teacher's convention of
// errors.NotValidf/errors.Errorf for argument and state violations instead
// of bespoke sentinel values.
func ErrInvalidArgument(format string, args ...interface{}) error {
	return errors.NotValidf(format, args...)
}

func ErrIllegalState(format string, args ...interface{}) error {
	return errors.Errorf("illegal state: "+format, args...)
}

// OperationTimeoutError reports that a packet or a reconnect attempt
// exceeded its configured operation timeout.
type OperationTimeoutError struct {
	cause error
}

func (e *OperationTimeoutError) Error() string {
	return errors.Annotate(e.cause, "operation timed out").Error()
}
func (e *OperationTimeoutError) Cause() error { return e.cause }

func NewOperationTimeoutError(cause error) *OperationTimeoutError {
	return &OperationTimeoutError{cause: cause}
}
