package event

import (
	"context"
	"errors"
	"fmt"
)

var ErrHalted = errors.New("event: dispatcher halted")

// HaltError reports a programming-invariant violation detected while
// dispatching a flag. The dispatcher stops when a handler returns one.
type HaltError struct {
	Flag   Flag
	Reason string
	Err    error
}

func (e *HaltError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event: halted on %s: %s: %v", e.Flag, e.Reason, e.Err)
	}
	return fmt.Sprintf("event: halted on %s: %s", e.Flag, e.Reason)
}

func (e *HaltError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHalted}
	}
	return []error{ErrHalted, e.Err}
}

// Halt returns a handler for a flag that must never fire.
func Halt(reason string) Handler {
	return func(ctx context.Context, f Flag) error {
		return &HaltError{Flag: f, Reason: reason}
	}
}
