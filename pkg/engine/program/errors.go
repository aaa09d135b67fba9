package program

import (
	"errors"
	"fmt"
)

var (
	ErrRowLimitExceeded = errors.New("row limit exceeded")
	ErrNoDocument       = errors.New("no open document")
	ErrDocumentStarted  = errors.New("document already started")
	ErrRecursionLimit   = errors.New("recursion limit exceeded")
	ErrAborted          = errors.New("production aborted by mapping")
)

// ProcessingError is a violation of the mapping's business rules. It names
// the instruction and, where relevant, the result set that caused it.
type ProcessingError struct {
	Program     string
	PC          int
	Instruction Instruction
	ResultSet   string
	Err         error
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("processing %s[%d]", e.Program, e.PC)
	if e.Instruction != nil {
		msg += " (" + e.Instruction.String() + ")"
	}
	if e.ResultSet != "" {
		msg += " result set " + e.ResultSet
	}
	return msg + ": " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// ComponentError is an infrastructure failure reported by a collaborator:
// an executor, an executor source or the metadata provider.
type ComponentError struct {
	Component string
	ResultSet string
	Err       error
}

func (e *ComponentError) Error() string {
	if e.ResultSet != "" {
		return fmt.Sprintf("%s failed for result set %s: %s", e.Component, e.ResultSet, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// IsProcessing reports whether err is or wraps a ProcessingError.
func IsProcessing(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}

// IsComponent reports whether err is or wraps a ComponentError.
func IsComponent(err error) bool {
	var ce *ComponentError
	return errors.As(err, &ce)
}
