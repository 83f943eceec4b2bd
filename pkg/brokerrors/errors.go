// Package brokerrors defines the distinct, user-visible error categories the
// broker's external interfaces translate into response codes.
package brokerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the broker's fixed set of user-visible error categories.
type Kind string

const (
	InvalidArgument           Kind = "invalid_argument"
	Unavailable               Kind = "unavailable"
	WorkspaceProjectionFailed Kind = "workspace_projection_failed"
	ExecutionFailed           Kind = "execution_failed"
	NotFound                  Kind = "not_found"
	Expired                   Kind = "expired"
	QuotaExhausted            Kind = "quota_exhausted"
	InvalidTool               Kind = "invalid_tool"
	InvalidToolOutput         Kind = "invalid_tool_output"
	Internal                  Kind = "internal"
)

// Error wraps an underlying cause with a Kind, so callers can branch on
// errors.Is/errors.As while the message chain still carries the cause.
type Error struct {
	Kind Kind
	Op   string // operation that produced the error, e.g. "pool.Acquire"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, brokerrors.New(brokerrors.NotFound, "", nil)) or,
// more idiomatically, use the Kind-specific sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is New with a formatted message merged into err via %w.
func Wrap(kind Kind, op, msg string, err error) *Error {
	if err != nil {
		err = fmt.Errorf("%s: %w", msg, err)
	} else {
		err = errors.New(msg)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind carried by err, defaulting to Internal for any
// error that was not produced via this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// sentinel per kind, usable with errors.Is(err, brokerrors.ErrNotFound) etc.
var (
	ErrInvalidArgument           = &Error{Kind: InvalidArgument}
	ErrUnavailable               = &Error{Kind: Unavailable}
	ErrWorkspaceProjectionFailed = &Error{Kind: WorkspaceProjectionFailed}
	ErrExecutionFailed           = &Error{Kind: ExecutionFailed}
	ErrNotFound                  = &Error{Kind: NotFound}
	ErrExpired                   = &Error{Kind: Expired}
	ErrQuotaExhausted            = &Error{Kind: QuotaExhausted}
	ErrInvalidTool               = &Error{Kind: InvalidTool}
	ErrInvalidToolOutput         = &Error{Kind: InvalidToolOutput}
	ErrInternal                  = &Error{Kind: Internal}
)
