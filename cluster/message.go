/*
	cluster holds the protocol spoken between the leader, the forwarding
	tier and the workers: message codes, payload layouts, role assignment
	and the send/receive primitives every role is written against.
*/

package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// MessageCode identifies the payload layout of a message.
type MessageCode uint8

// The wire values of the codes are part of the protocol.
const (
	CodeInit MessageCode = iota
	CodeBatch
	CodeDelta
	CodeQuery
	CodeFlush
	CodeStop
	CodeShutdown

	numCodes
)

var codeNames = [...]string{"init", "batch", "delta", "query", "flush", "stop", "shutdown"}

// String implements fmt.Stringer.
func (c MessageCode) String() string {
	if c < numCodes {
		return codeNames[c]
	}

	return fmt.Sprintf("MessageCode(%d)", uint8(c))
}

// Valid reports whether c is a known code.
func (c MessageCode) Valid() bool { return c < numCodes }

// CodeFilter is a set of message codes a receive call accepts.
type CodeFilter uint8

// AnyCode accepts every message code.
const AnyCode CodeFilter = 1<<numCodes - 1

// Codes returns a filter that accepts exactly the given codes.
func Codes(codes ...MessageCode) CodeFilter {
	var f CodeFilter
	for _, c := range codes {
		f |= 1 << c
	}

	return f
}

// Matches reports whether the filter accepts code.
func (f CodeFilter) Matches(code MessageCode) bool {
	return code < numCodes && f&(1<<code) != 0
}

// String implements fmt.Stringer.
func (f CodeFilter) String() string {
	if f == AnyCode {
		return "any"
	}

	var names []string
	for c := MessageCode(0); c < numCodes; c++ {
		if f.Matches(c) {
			names = append(names, c.String())
		}
	}

	return strings.Join(names, "|")
}

// AnySource makes a receive call accept messages from every rank.
const AnySource = -1

// LeaderRank is the rank of the process that owns the sketches.
const LeaderRank = 0

var (
	// ErrBadMessage signals a protocol violation: an unexpected code, a
	// payload that does not fit the receive buffer or a payload whose
	// layout does not match its code. It is fatal to the receiving process.
	ErrBadMessage = errors.New("bad message")

	// ErrClosed is returned by transports that have been closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownRank is returned when a message is addressed to a rank that
	// is not part of the cluster.
	ErrUnknownRank = errors.New("unknown rank")

	// ErrPayloadTooLarge is returned when a payload exceeds what the
	// transport can carry.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Envelope describes a received message. Payload aliases the buffer that
// was passed to Recv.
type Envelope struct {
	Source  int
	Code    MessageCode
	Payload []byte
}

// BadMessage wraps ErrBadMessage with the details of the offending message.
func BadMessage(env Envelope, reason string) error {
	return fmt.Errorf("%s from rank %d (%d bytes): %s: %w", env.Code, env.Source, len(env.Payload), reason, ErrBadMessage)
}
