package cluster

import (
	"context"
	"fmt"
	"sync"
)

type pending struct {
	source  int
	code    MessageCode
	payload []byte
	req     *Request
}

// Mailbox is the receive side of a rank. Transports deliver incoming
// messages into it and Recv calls match them by source and code.
type Mailbox struct {
	mu     sync.Mutex
	queue  []pending
	notify chan struct{}
	closed bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{})}
}

// Deliver queues a message. When req is not nil it is completed once the
// message has been matched and copied out by a receiver; until then the
// payload is still owned by the sender.
func (m *Mailbox) Deliver(source int, code MessageCode, payload []byte, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.queue = append(m.queue, pending{source: source, code: code, payload: payload, req: req})
	close(m.notify)
	m.notify = make(chan struct{})

	return nil
}

// Receive removes the oldest message matching source and filter and copies
// its payload into buf.
func (m *Mailbox) Receive(ctx context.Context, source int, filter CodeFilter, buf []byte) (Envelope, error) {
	for {
		m.mu.Lock()
		msg, found := m.take(source, filter)
		closed, notify := m.closed, m.notify
		m.mu.Unlock()

		if found {
			return deliverInto(msg, buf)
		}

		if closed {
			return Envelope{}, ErrClosed
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Close fails pending and future receive calls with ErrClosed. Queued
// asynchronous sends are completed with ErrClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	for _, msg := range m.queue {
		if msg.req != nil {
			msg.req.Complete(ErrClosed)
		}
	}
	m.queue = nil
	close(m.notify)
}

// take must be called with the lock held.
func (m *Mailbox) take(source int, filter CodeFilter) (pending, bool) {
	for i, msg := range m.queue {
		if source != AnySource && msg.source != source {
			continue
		}

		if !filter.Matches(msg.code) {
			continue
		}

		copy(m.queue[i:], m.queue[i+1:])
		m.queue[len(m.queue)-1] = pending{}
		m.queue = m.queue[:len(m.queue)-1]

		return msg, true
	}

	return pending{}, false
}

func deliverInto(msg pending, buf []byte) (Envelope, error) {
	env := Envelope{Source: msg.source, Code: msg.code}

	if len(msg.payload) > len(buf) {
		env.Payload = buf[:0]
		err := fmt.Errorf("%s from rank %d: payload of %d bytes exceeds buffer of %d: %w",
			msg.code, msg.source, len(msg.payload), len(buf), ErrBadMessage)
		if msg.req != nil {
			msg.req.Complete(err)
		}

		return env, err
	}

	n := copy(buf, msg.payload)
	env.Payload = buf[:n]
	if msg.req != nil {
		msg.req.Complete(nil)
	}

	return env, nil
}
