package protocol

import (
	"errors"
	"fmt"
)

// ErrAlreadySettled is returned when a reducer in a terminal phase receives more input.
var ErrAlreadySettled = errors.New("stream already settled")

// ProtocolError reports a malformed tag. The scanner skips it and keeps going.
type ProtocolError struct {
	// Offset is the byte offset of the tag in the raw stream.
	Offset int
	Tag    string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("protocol error at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("protocol error at offset %d in %s: %s", e.Offset, e.Tag, e.Reason)
}

// ApplyError reports a single action that failed against the sandbox.
type ApplyError struct {
	Index  int
	Action Action
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, Describe(e.Action), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ExitError is a command that finished with a non-zero exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}
