package driverr

import (
	"errors"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrap(DeviceUnresponsive, "waiting for CR", cause)

	got := err.Error()
	want := "DeviceUnresponsive: waiting for CR: timeout"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(InvalidArgument, "odd byte count")
	want := "InvalidArgument: odd byte count"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(MappingFailed, "translate", cause)
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap did not return the wrapped cause")
	}
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(BackpressureRequired, "disk 0 full")
	b := New(BackpressureRequired, "disk 1 full")
	c := New(InvalidArgument, "disk 0 full")

	if !errors.Is(a, b) {
		t.Error("errors with the same Kind should match via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors with different Kinds should not match")
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{
		BiosOwnershipBusy, MappingFailed, DeviceUnresponsive, UnsupportedDrive,
		InvalidArgument, BackpressureRequired, DeviceError,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Errorf("Kind(%d).String() is empty", k)
		}
		if seen[s] {
			t.Errorf("duplicate Kind string %q", s)
		}
		seen[s] = true
	}
}
