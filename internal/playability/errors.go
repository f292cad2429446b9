package playability

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrModeUnsupported = errors.New("mode not supported by scenario")
	ErrUnknownMode     = errors.New("unknown mode")
	ErrNoScenario      = errors.New("no scenario given")
	ErrNoSeeds         = errors.New("no seeds given")
	ErrNoBrowser       = errors.New("browser opener not configured")
	ErrDivergence      = errors.New("logic and browser state diverged")
	ErrPanic           = errors.New("run panicked")
)

// DivergenceError lists the snapshot fields that differ between modes.
type DivergenceError struct {
	Keys []string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDivergence, strings.Join(e.Keys, ", "))
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// PanicError carries a value recovered inside a run.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrPanic, e.Value)
}

func (e *PanicError) Unwrap() error { return ErrPanic }
