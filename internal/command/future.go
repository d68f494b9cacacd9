// Package command correlates issued commands with their responses and
// provides the HTTP upload fallback for recorded audio.
package command

import (
	"context"
	"sync"

	"github.com/normanking/cortexlink/internal/events"
)

// Result is the outcome of one command: the backend response when one
// arrived, or the error that ended the wait.
type Result struct {
	Response events.CommandResponse
	Err      error
}

// Future is the pending side of one command. It resolves exactly once, on
// the matching response or on terminal disconnect.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve stores the result on first call and reports whether this call won.
func (f *Future) resolve(r Result) bool {
	won := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the command resolves or the context ends. There is no
// built-in timeout; bound the wait through the context.
func (f *Future) Await(ctx context.Context) (events.CommandResponse, error) {
	select {
	case <-f.done:
		return f.result.Response, f.result.Err
	case <-ctx.Done():
		return events.CommandResponse{}, ctx.Err()
	}
}

// Result returns the outcome if the future has resolved.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}
