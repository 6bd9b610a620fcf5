package bless

import (
	"errors"
	"fmt"
)

var (
	// ErrOTPNotFound is returned when no OTP arrived within the poll budget.
	ErrOTPNotFound = errors.New("otp not found")
	// ErrElementNotFound is returned when an expected page element did not
	// appear within its wait budget.
	ErrElementNotFound = errors.New("element not found")
	// ErrTokenAcquisitionTimeout is returned when the session never stored
	// a usable token.
	ErrTokenAcquisitionTimeout = errors.New("token not found")
	// ErrPubKeyUnavailable is returned when every node list lookup failed.
	ErrPubKeyUnavailable = errors.New("public key unavailable")
	// ErrInternal wraps unexpected browser automation faults.
	ErrInternal = errors.New("internal error")
)

// LoginError records the state the login driver failed in.
type LoginError struct {
	State State
	Err   error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed in state %s: %v", e.State, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// StatusError is returned when the node list endpoint answers with a
// non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}
