// Package xerrors carries call-site and stack information on errors so the
// logger can render where a failure started and how it was wrapped on the way up.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked records the goroutine stack at the point the error was created
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated adds a message and the single frame that added it
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip=1 starts at the caller of the function that called stackAt
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func pcAt(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func hasStack(err error) bool {
	var hs interface{ StackPCs() []uintptr }
	return errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return &stacked{err: errors.New(msg), pcs: stackAt(1)} }

// Newf is New with fmt formatting; %w verbs are honored.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackAt(1)}
}

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt(1)}
}

// EnsureTrace is WithStack unless something in the chain already carries a stack.
func EnsureTrace(err error) error {
	if err == nil || hasStack(err) {
		return err
	}
	return &stacked{err: err, pcs: stackAt(1)}
}

// Wrap prefixes err with msg and records the wrapping call site. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcAt(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcAt(1)}
}

// Is, As and Join mirror the errors package so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }

// Join combines errs and attaches a stack when at least one is non-nil.
func Join(errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return &stacked{err: joined, pcs: stackAt(1)}
}
