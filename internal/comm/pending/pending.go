// Package pending implements the single-completion asynchronous operation
// every transport call is modeled as. An Operation finishes exactly once,
// successfully or with a free-text failure reason, and every call site that
// starts one is expected to register for completion.
package pending

import (
	"context"
	"sync"
)

// Operation is one asynchronous unit of work.
type Operation struct {
	mu        sync.Mutex
	finished  bool
	failed    bool
	reason    string
	result    interface{}
	callbacks []func(*Operation)
	done      chan struct{}
}

// New returns an unfinished operation.
func New() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Succeeded returns an operation that already completed with the given result.
func Succeeded(result interface{}) *Operation {
	op := New()
	op.Succeed(result)
	return op
}

// Failed returns an operation that already failed with the given reason.
func Failed(reason string) *Operation {
	op := New()
	op.Fail(reason)
	return op
}

// Succeed completes the operation successfully. Completions after the first
// are ignored; an operation never reports both success and failure.
func (o *Operation) Succeed(result interface{}) {
	o.finish(false, "", result)
}

// Fail completes the operation with a failure reason.
func (o *Operation) Fail(reason string) {
	o.finish(true, reason, nil)
}

func (o *Operation) finish(failed bool, reason string, result interface{}) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	o.failed = failed
	o.reason = reason
	o.result = result
	callbacks := o.callbacks
	o.callbacks = nil
	close(o.done)
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn(o)
	}
}

// OnFinished registers a completion callback. If the operation already
// finished, the callback runs immediately on the caller's goroutine;
// otherwise it runs on the goroutine that completes the operation.
func (o *Operation) OnFinished(fn func(*Operation)) {
	o.mu.Lock()
	if !o.finished {
		o.callbacks = append(o.callbacks, fn)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	fn(o)
}

// Finished reports whether the operation has completed either way.
func (o *Operation) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished
}

// Failed reports whether the operation completed with a failure.
func (o *Operation) Failed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished && o.failed
}

// Reason returns the failure reason, empty unless Failed.
func (o *Operation) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Result returns the success result, nil unless the operation succeeded.
func (o *Operation) Result() interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed {
		return nil
	}
	return o.result
}

// Done returns a channel closed when the operation finishes.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes or the context is canceled.
// It returns the context error on cancellation, nil otherwise.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
