// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import "context"

// Request is one operation submitted by an Initiator caller.
type Request struct {
	// Tag is the caller's correlation key, returned in the Completion.
	// It never travels on the ring.
	Tag uint64
	Op  Op
	// Payload is sent for OpWrite. For OpRead only its length matters:
	// it is the number of bytes the responder is asked to produce.
	Payload []byte
}

// Completion is the outcome of one request.
type Completion struct {
	Tag    uint64
	ID     uint64
	Op     Op
	Status Status
	// Payload holds the bytes produced by the responder for OpRead.
	Payload []byte
	// Err is Status.Err(), or the submission error for a request that
	// never reached the ring.
	Err error
	// Request is the original request, for redrive after StatusClosed.
	Request Request
}

// Future is the completion handle of a submitted request.
type Future struct {
	done chan struct{}
	c    Completion
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// failedFuture returns an already completed future carrying err.
func failedFuture(req Request, err error) *Future {
	f := newFuture()
	f.complete(Completion{Tag: req.Tag, Op: req.Op, Status: StatusError, Err: err, Request: req})
	return f
}

func (f *Future) complete(c Completion) {
	f.c = c
	close(f.done)
}

// Done is closed once the completion is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the completion and true if it is available.
func (f *Future) Result() (Completion, bool) {
	select {
	case <-f.done:
		return f.c, true
	default:
		return Completion{}, false
	}
}

// Wait blocks until the completion is available or ctx is done.
// A cancelled wait does not cancel the request.
func (f *Future) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-f.done:
		return f.c, f.c.Err
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}
