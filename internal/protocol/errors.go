package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrShortRead reports input that ended before a complete value.
	ErrShortRead = errors.New("short read")

	// ErrMalformed reports input that is complete but structurally invalid.
	ErrMalformed = errors.New("malformed message")

	// ErrBadMagic reports an entity batch that does not open with BatchMagic.
	ErrBadMagic = errors.New("entity batch magic mismatch")

	// ErrUnknownOpcode reports an entity batch item with an unrecognized
	// opcode. Items before it are valid.
	ErrUnknownOpcode = errors.New("unknown batch opcode")
)

// UnderflowError is returned when a value needs more bytes than remain.
type UnderflowError struct {
	What string
	Have int
	Need int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("underflow reading %s: have %d bytes, need %d", e.What, e.Have, e.Need)
}

func (e *UnderflowError) Unwrap() error {
	return ErrShortRead
}

// MalformedError is returned for well-sized input with invalid content.
type MalformedError struct {
	What   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.What, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// IsMalformedFrame reports whether err describes a truncated or invalid
// frame, as opposed to a transport failure.
func IsMalformedFrame(err error) bool {
	return errors.Is(err, ErrShortRead) || errors.Is(err, ErrMalformed)
}
