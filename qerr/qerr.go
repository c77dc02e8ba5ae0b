// Package qerr defines the command-level error kinds of spec.md §7, so
// callers classify failures with errors.Is/errors.As instead of string
// matching, in the same shape as the teacher's storage error
// classification (lode.StorageError).
package qerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for command failure classification.
var (
	// ErrBadPath indicates a script path that escapes its root or does
	// not exist.
	ErrBadPath = errors.New("bad script path")
	// ErrLocationInvalid indicates a BEFORE/AFTER location whose anchor
	// index is not present in pending.
	ErrLocationInvalid = errors.New("invalid location")
	// ErrAllocExhausted indicates the index allocator has no free slot
	// left in its range.
	ErrAllocExhausted = errors.New("index allocator exhausted")
	// ErrUnknownIndex indicates an index not found in any queue region
	// (or not found in history when history search is requested).
	ErrUnknownIndex = errors.New("unknown index")
	// ErrNotQueued indicates an index not present in pending.
	ErrNotQueued = errors.New("not queued")
	// ErrLengthInvalid indicates a stopScripts command with length <= 0.
	ErrLengthInvalid = errors.New("invalid length")
	// ErrLoadTimeout indicates a script failed to reach LOADED+CONFIGURED
	// within the load timeout.
	ErrLoadTimeout = errors.New("load timeout")
	// ErrTimeout indicates the stopScripts bounded operation exceeded its
	// deadline.
	ErrTimeout = errors.New("timeout")
	// ErrDisabled indicates a command other than pause was issued while
	// the engine is not enabled.
	ErrDisabled = errors.New("not enabled")
)

// CommandError wraps a sentinel Kind with the offending command and the
// underlying cause, so log lines and acks carry context without losing
// errors.Is/errors.As compatibility.
type CommandError struct {
	// Kind is the sentinel error for classification (e.g. ErrBadPath).
	Kind error
	// Op is the command that failed (e.g. "add", "move").
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// New constructs a CommandError. err may be nil.
func New(kind error, op string, err error) *CommandError {
	return &CommandError{Kind: kind, Op: op, Err: err}
}
