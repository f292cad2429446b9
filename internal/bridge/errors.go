package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrCommandFailed = errors.New("bridge command failed")
	ErrUnsupported   = errors.New("not supported by this session")
	ErrClosed        = errors.New("bridge is closed")
)

// CommandError wraps a transport or evaluation failure of one command.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCommandFailed, abbreviate(e.Command, 80), e.Err)
}

func (e *CommandError) Unwrap() []error { return []error{ErrCommandFailed, e.Err} }

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
