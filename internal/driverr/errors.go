// Package driverr defines the error taxonomy used across the AHCI driver,
// per spec.md §7.
package driverr

import "fmt"

// Kind identifies one of the error categories spec.md §7 enumerates.
type Kind int

const (
	BiosOwnershipBusy Kind = iota
	MappingFailed
	DeviceUnresponsive
	UnsupportedDrive
	InvalidArgument
	BackpressureRequired
	DeviceError
)

func (k Kind) String() string {
	switch k {
	case BiosOwnershipBusy:
		return "BiosOwnershipBusy"
	case MappingFailed:
		return "MappingFailed"
	case DeviceUnresponsive:
		return "DeviceUnresponsive"
	case UnsupportedDrive:
		return "UnsupportedDrive"
	case InvalidArgument:
		return "InvalidArgument"
	case BackpressureRequired:
		return "BackpressureRequired"
	case DeviceError:
		return "DeviceError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error wraps a Kind with context and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// do errors.Is(err, driverr.New(driverr.InvalidArgument, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind carrying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
