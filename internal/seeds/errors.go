package seeds

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty     = errors.New("seed spec resolves to no seeds")
	ErrMalformed = errors.New("malformed seed spec")
)

// SpecError reports why a seed spec was rejected. It matches ErrEmpty or
// ErrMalformed through errors.Is.
type SpecError struct {
	Kind  error
	Input string
	Err   error
}

func (e *SpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %q: %v", e.Kind, e.Input, e.Err)
	}
	return fmt.Sprintf("%v: %q", e.Kind, e.Input)
}

func (e *SpecError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func malformed(input string, err error) error {
	return &SpecError{Kind: ErrMalformed, Input: input, Err: err}
}
