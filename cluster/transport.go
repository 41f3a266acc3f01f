package cluster

import (
	"context"
	"sync"
)

// Transport moves messages between the ranks of a cluster. Messages sent
// from one rank to another are received in send order; no order holds
// across different pairs of ranks. Implementations are safe for concurrent
// use.
type Transport interface {
	// Rank returns the rank of the local process.
	Rank() int

	// Size returns the number of ranks in the cluster.
	Size() int

	// Send copies payload and queues it for delivery to dest. It returns
	// once the copy has been queued.
	Send(ctx context.Context, dest int, code MessageCode, payload []byte) error

	// SendAsync queues payload for delivery to dest without copying it.
	// The caller must not modify payload until the returned Request
	// completes.
	SendAsync(dest int, code MessageCode, payload []byte) (*Request, error)

	// Recv blocks until a message from source (or AnySource) whose code
	// matches filter is available and copies it into buf. The oldest
	// matching message is returned first. A payload larger than buf is
	// reported as ErrBadMessage.
	Recv(ctx context.Context, source int, filter CodeFilter, buf []byte) (Envelope, error)

	// Close releases the transport. Blocked calls return ErrClosed.
	Close() error
}

// PayloadLimiter is implemented by transports that bound the size of a
// single payload.
type PayloadLimiter interface {
	MaxPayloadSize() int
}

// Request tracks the completion of an asynchronous send.
type Request struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewRequest returns a pending request.
func NewRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// CompletedRequest returns a request that already completed with err.
func CompletedRequest(err error) *Request {
	r := NewRequest()
	r.Complete(err)

	return r
}

// Complete marks the request as done. Only the first call has an effect.
func (r *Request) Complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done returns a channel that is closed once the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request completes or ctx expires.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every non-nil request and returns the first error.
func WaitAll(ctx context.Context, reqs ...*Request) error {
	var firstErr error
	for _, r := range reqs {
		if r == nil {
			continue
		}

		if err := r.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
