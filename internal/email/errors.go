package email

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedDomain is returned when an address has no mailbox route.
	ErrUnsupportedDomain = errors.New("unsupported email domain")
	// ErrMailboxConnect covers dial, greeting and login failures.
	ErrMailboxConnect = errors.New("mailbox connect failed")
	// ErrMailboxProtocol covers failures after the session is authenticated.
	ErrMailboxProtocol = errors.New("mailbox protocol error")
)

// Mailbox operations reported in MailboxError.Op.
const (
	OpConnect    = "connect"
	OpLogin      = "login"
	OpSelect     = "select"
	OpCapability = "capability"
	OpSort       = "sort"
	OpSearch     = "search"
	OpFetch      = "fetch"
	OpParse      = "parse"
)

// MailboxError is returned when an IMAP operation fails
type MailboxError struct {
	Op   string
	Host string
	Err  error
}

func (e *MailboxError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mailbox %s %s: %v", e.Host, e.Op, e.Err)
}

func (e *MailboxError) Unwrap() error {
	return e.Err
}

// Is matches ErrMailboxConnect for connect/login failures and
// ErrMailboxProtocol for everything else.
func (e *MailboxError) Is(target error) bool {
	switch e.Op {
	case OpConnect, OpLogin:
		return target == ErrMailboxConnect
	default:
		return target == ErrMailboxProtocol
	}
}
