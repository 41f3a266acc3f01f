package sketch

import (
	"encoding/binary"
	"fmt"

	"github.com/mycok/uSketch/graph"
)

type bucket struct {
	alpha uint64 // XOR of edge indices
	gamma uint64 // XOR of edge checksums
}

// SampleResult classifies the outcome of sampling a supernode.
type SampleResult uint8

const (
	// SampleGood means an edge leaving the supernode was recovered.
	SampleGood SampleResult = iota

	// SampleZero means the supernode has no incident edges.
	SampleZero

	// SampleFail means the round could not isolate a single edge.
	SampleFail
)

// Supernode is the sketch of a vertex or of a merged set of vertices. It is
// not safe for concurrent use.
type Supernode struct {
	sk      *Sketcher
	buckets []bucket

	// Number of sampling rounds consumed by the current query.
	queryRound int
}

// Reset zeroes every bucket and the query state.
func (n *Supernode) Reset() {
	for i := range n.buckets {
		n.buckets[i] = bucket{}
	}
	n.queryRound = 0
}

// ResetQueryState rewinds the sampling rounds consumed by a query.
func (n *Supernode) ResetQueryState() { n.queryRound = 0 }

// Update toggles the edge with the given index.
func (n *Supernode) Update(idx uint64) {
	check := n.sk.checksum(idx)
	l := n.sk.layout

	for r := 0; r < l.rounds; r++ {
		for c := 0; c < columns; c++ {
			base := l.index(r, c, 0)
			for lvl := n.sk.depth(r, c, idx); lvl >= 0; lvl-- {
				b := &n.buckets[base+lvl]
				b.alpha ^= idx
				b.gamma ^= check
			}
		}
	}
}

// Merge XORs other into n.
func (n *Supernode) Merge(other *Supernode) {
	for i := range n.buckets {
		n.buckets[i].alpha ^= other.buckets[i].alpha
		n.buckets[i].gamma ^= other.buckets[i].gamma
	}
}

// CopyFrom overwrites n with the contents of other.
func (n *Supernode) CopyFrom(other *Supernode) {
	copy(n.buckets, other.buckets)
	n.queryRound = other.queryRound
}

// ApplyDelta merges a serialized delta into n.
func (n *Supernode) ApplyDelta(data []byte) error {
	if len(data) != len(n.buckets)*bucketBytes {
		return fmt.Errorf("apply delta of %d bytes, want %d: %w", len(data), len(n.buckets)*bucketBytes, ErrMalformedDelta)
	}

	for i := range n.buckets {
		off := i * bucketBytes
		n.buckets[i].alpha ^= binary.LittleEndian.Uint64(data[off:])
		n.buckets[i].gamma ^= binary.LittleEndian.Uint64(data[off+8:])
	}

	return nil
}

// AppendBinary appends the serialized supernode to dst.
func (n *Supernode) AppendBinary(dst []byte) []byte {
	for _, b := range n.buckets {
		dst = binary.LittleEndian.AppendUint64(dst, b.alpha)
		dst = binary.LittleEndian.AppendUint64(dst, b.gamma)
	}

	return dst
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n *Supernode) MarshalBinary() ([]byte, error) {
	return n.AppendBinary(make([]byte, 0, len(n.buckets)*bucketBytes)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (n *Supernode) UnmarshalBinary(data []byte) error {
	n.Reset()

	return n.ApplyDelta(data)
}

// IsZero reports whether the supernode has no incident edges left.
func (n *Supernode) IsZero() bool {
	for _, b := range n.buckets {
		if b.alpha != 0 || b.gamma != 0 {
			return false
		}
	}

	return true
}

// Sample tries to recover one edge leaving the supernode using the
// independent buckets of the given round.
func (n *Supernode) Sample(round int) (graph.Edge, SampleResult) {
	l := n.sk.layout
	if round < 0 || round >= l.rounds {
		return graph.Edge{}, SampleFail
	}

	zero := true
	for c := 0; c < columns; c++ {
		base := l.index(round, c, 0)
		for lvl := l.levels - 1; lvl >= 0; lvl-- {
			b := n.buckets[base+lvl]
			if b.alpha == 0 && b.gamma == 0 {
				continue
			}

			zero = false
			if b.gamma == n.sk.checksum(b.alpha) {
				if e := graph.EdgeFromIndex(b.alpha); n.sk.validEdge(e) {
					return e, SampleGood
				}
			}
		}
	}

	if zero {
		return graph.Edge{}, SampleZero
	}

	return graph.Edge{}, SampleFail
}

// NextSample samples the next unused round of the current query.
func (n *Supernode) NextSample() (graph.Edge, SampleResult) {
	if n.queryRound >= n.sk.layout.rounds {
		return graph.Edge{}, SampleFail
	}

	e, res := n.Sample(n.queryRound)
	n.queryRound++

	return e, res
}

// QueryRoundsLeft returns the number of rounds the current query can still
// sample.
func (n *Supernode) QueryRoundsLeft() int { return n.sk.layout.rounds - n.queryRound }
