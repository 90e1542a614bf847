package tools

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Future is a tool result that may not be ready yet.
type Future interface {
	// Wait blocks until the result is ready or ctx is done.
	Wait(ctx context.Context) (any, error)
}

type resolved struct {
	v   any
	err error
}

func (r resolved) Wait(context.Context) (any, error) { return r.v, r.err }

// Resolved returns a future that is already complete.
func Resolved(v any, err error) Future {
	return resolved{v: v, err: err}
}

// Failed returns a completed future holding err.
func Failed(err error) Future {
	return resolved{err: err}
}

type async struct {
	done chan struct{}
	v    any
	err  error
}

func (a *async) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		return a.v, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go runs fn on its own goroutine and returns a future for its result.
// A panic in fn resolves the future with a *PanicError.
func Go(fn func() (any, error)) Future {
	a := &async{done: make(chan struct{})}
	go func() {
		defer close(a.done)
		defer func() {
			if p := recover(); p != nil {
				a.v, a.err = nil, newPanicError(p)
			}
		}()
		a.v, a.err = fn()
	}()
	return a
}

// PanicError reports a panic raised while running a tool.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(p any) *PanicError {
	return &PanicError{Value: p, Stack: debug.Stack()}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.Value)
}
