package ledger

import (
	"errors"
	"fmt"
)

// Error is a business rule violation reported to the caller by kind.
type Error struct {
	Code    uint32
	Name    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

var (
	ErrProjectIDTooLong = &Error{
		Code:    6000,
		Name:    "ProjectIdTooLong",
		Message: "project id must be at most 32 bytes",
	}
	ErrInvalidTitle = &Error{
		Code:    6001,
		Name:    "InvalidTitle",
		Message: "title must be between 1 and 100 bytes",
	}
	ErrInvalidBudget = &Error{
		Code:    6002,
		Name:    "InvalidBudget",
		Message: "amount must be greater than zero",
	}
	ErrInsufficientBudget = &Error{
		Code:    6003,
		Name:    "InsufficientBudget",
		Message: "allocation would exceed the project budget",
	}
	ErrUnauthorizedAccess = &Error{
		Code:    6004,
		Name:    "UnauthorizedAccess",
		Message: "caller is not the project authority",
	}
	ErrMilestoneAlreadyReleased = &Error{
		Code:    6005,
		Name:    "MilestoneAlreadyReleased",
		Message: "milestone funds have already been released",
	}
)

// ErrArithmeticOverflow aborts a transition whose counter or sum would wrap.
// It is never a user-input error.
var ErrArithmeticOverflow = errors.New("arithmetic overflow")

// ErrFieldTooLong reports a string that does not fit its record slot.
var ErrFieldTooLong = errors.New("field exceeds record capacity")

// ErrInvalidRecord reports bytes that do not decode as the expected layout.
var ErrInvalidRecord = errors.New("invalid record")

// AsError returns the business error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsFatal reports whether err belongs to the fatal overflow class.
func IsFatal(err error) bool {
	return errors.Is(err, ErrArithmeticOverflow)
}
