// Package errors provides errors which carry the stack of the call site that
// created them, and a few helpers for walking chains of wrapped errors.
//
// The package mirrors the standard "errors" package (Is, As, Unwrap are
// re-exported) so that callers only ever need to import one errors package.
package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
)

// StackError exposes the message, wrapped cause and creation stack of an
// error created by this package.
type StackError interface {
	error

	// GetMessage returns the error's own message, without the inner error's
	// message and without the stack.
	GetMessage() string

	// GetInner returns the wrapped error, or nil.
	GetInner() error

	// Unwrap makes StackError compatible with Is and As.
	Unwrap() error

	// StackFrames returns the resolved frames of the creation stack.
	StackFrames() []StackFrame

	// GetStack formats the creation stack, one "func\n\tfile:line" per frame.
	GetStack() string
}

// StackFrame is a single resolved frame.
type StackFrame struct {
	PC         uintptr
	FuncName   string
	File       string
	LineNumber int
}

type stackError struct {
	msg   string
	inner error

	stack      []uintptr
	framesOnce sync.Once
	frames     []StackFrame
}

func (e *stackError) Error() string {
	return fullMessage(e, true)
}

func (e *stackError) GetMessage() string {
	return e.msg
}

func (e *stackError) GetInner() error {
	return e.inner
}

func (e *stackError) Unwrap() error {
	return e.inner
}

func (e *stackError) StackFrames() []StackFrame {
	e.framesOnce.Do(func() {
		frames := runtime.CallersFrames(e.stack)
		for {
			frame, more := frames.Next()
			e.frames = append(e.frames, StackFrame{
				PC:         frame.PC,
				FuncName:   frame.Function,
				File:       frame.File,
				LineNumber: frame.Line,
			})
			if !more {
				break
			}
		}
	})
	return e.frames
}

func (e *stackError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, frame := range e.StackFrames() {
		fmt.Fprintf(buf, "%s\n\t%s:%d\n", frame.FuncName, frame.File, frame.LineNumber)
	}
	return buf.String()
}

// New returns an error with the given message and the caller's stack.
func New(msg string) StackError {
	return newStackError(nil, msg)
}

// Newf is New with fmt.Sprintf style arguments.
func Newf(format string, args ...interface{}) StackError {
	return newStackError(nil, fmt.Sprintf(format, args...))
}

// Wrap annotates err with msg.
func Wrap(err error, msg string) StackError {
	return newStackError(err, msg)
}

// Wrapf is Wrap with fmt.Sprintf style arguments.
func Wrapf(err error, format string, args ...interface{}) StackError {
	return newStackError(err, fmt.Sprintf(format, args...))
}

// Must only be called directly by the exported constructors, the stack skip
// count depends on it.
func newStackError(inner error, msg string) *stackError {
	stack := make([]uintptr, 64)
	n := runtime.Callers(3, stack)
	return &stackError{
		msg:   msg,
		inner: inner,
		stack: stack[:n],
	}
}

// GetMessage returns the message of err and all of its inner errors, without
// any stack information.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	if se, ok := err.(StackError); ok {
		return fullMessage(se, false)
	}
	return err.Error()
}

func fullMessage(e StackError, includeStack bool) string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	deepest := e
	current := e
	for {
		deepest = current
		buf.WriteString(current.GetMessage())

		inner := current.GetInner()
		if inner == nil {
			break
		}
		buf.WriteString(": ")

		next, ok := inner.(StackError)
		if !ok {
			buf.WriteString(inner.Error())
			break
		}
		current = next
	}
	if includeStack {
		buf.WriteString("\nORIGINAL STACK TRACE:\n")
		buf.WriteString(deepest.GetStack())
	}
	return buf.String()
}

// RootError peels wrapping layers until an error which wraps nothing remains.
func RootError(err error) error {
	for i := 0; err != nil && i < 32; i++ {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the error wrapped by err, if any.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
