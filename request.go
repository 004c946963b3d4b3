package odb

import (
	"context"
	"sync"
	"sync/atomic"
)

type RequestState int32

const (
	RequestPending RequestState = iota
	RequestDone
	RequestFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestDone:
		return "done"
	case RequestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is the completion handle of a single queued operation. Requests
// on one transaction execute and complete strictly in submission order.
//
// A request does not become eligible for execution until the caller claims
// it (Await or Catch), another request is submitted behind it, or the
// transaction is committed or aborted. This gives the caller a race-free
// window to register a request-level error handler, the way completion
// handlers are attached before an event loop turn runs.
type Request struct {
	txn   *Txn
	label string
	op    func(t *Txn) (any, error)

	release     chan struct{}
	releaseOnce sync.Once
	done        chan struct{}

	mu     sync.Mutex
	catch  func(err error) bool
	result any
	err    error
	state  atomic.Int32
}

func newRequest(t *Txn, label string, op func(t *Txn) (any, error)) *Request {
	return &Request{
		txn:     t,
		label:   label,
		op:      op,
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Request) Txn() *Txn { return r.txn }

func (r *Request) State() RequestState {
	return RequestState(r.state.Load())
}

// Catch registers the request-level error handler. If the request fails and
// the handler returns true, the error is considered handled: it does not
// bubble to the transaction or database handlers and does not abort the
// transaction. The error is still reported by Await.
func (r *Request) Catch(h func(err error) bool) *Request {
	r.mu.Lock()
	r.catch = h
	r.mu.Unlock()
	r.releaseNow()
	return r
}

// Await blocks until the request completes and returns its result. A
// context timeout does not cancel the request, only the wait.
func (r *Request) Await(ctx context.Context) (any, error) {
	r.releaseNow()
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the request's error, or nil if it is pending or succeeded.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Request) releaseNow() {
	r.releaseOnce.Do(func() {
		close(r.release)
	})
}

func (r *Request) settle(result any, err error) {
	r.releaseNow()
	r.result = result
	r.err = err
	if err != nil {
		r.state.Store(int32(RequestFailed))
	} else {
		r.state.Store(int32(RequestDone))
	}
	close(r.done)
}

func (r *Request) handle(err error) bool {
	r.mu.Lock()
	h := r.catch
	r.mu.Unlock()
	if h == nil {
		return false
	}
	return h(err)
}

// Await is the typed variant of Request.Await: it converts the untyped
// result, returning the zero value for nil results and failed requests.
func Await[T any](ctx context.Context, r *Request) (T, error) {
	v, err := r.Await(ctx)
	if err != nil || v == nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
