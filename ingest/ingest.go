// Package ingest turns a stream of edge updates into ready-to-send batch
// sets. Updates are buffered in per-vertex gutters; full gutters become
// batches, and batches are grouped into sets that a consumer pulls from a
// bounded work queue.
package ingest

import (
	"errors"

	"github.com/mycok/uSketch/graph"
)

var (
	// ErrVertexOutOfRange is returned for updates that reference a vertex
	// outside of the configured graph.
	ErrVertexOutOfRange = errors.New("ingest: vertex out of range")

	// ErrSelfLoop is returned for updates whose endpoints are equal.
	ErrSelfLoop = errors.New("ingest: self loop")
)

// Queue is the consumer side of the ingestion work queue.
type Queue interface {
	// Pull returns the oldest ready batch set. It blocks while the queue is
	// empty unless non-blocking mode is set, in which case it returns
	// false immediately.
	Pull() (*BatchSet, bool)

	// SetNonBlocking toggles non-blocking mode and wakes blocked callers
	// of Pull.
	SetNonBlocking(bool)

	// Complete hands the storage of a drained batch set back to the
	// queue. The caller must not touch the set afterwards.
	Complete(*BatchSet)
}

// BatchSet is a group of batches pulled from the queue as a single unit.
type BatchSet struct {
	Batches []graph.Batch
}

// Updates returns the number of vertex updates carried by the set.
func (s *BatchSet) Updates() int {
	var n int
	for _, b := range s.Batches {
		n += len(b.Neighbors)
	}

	return n
}

// NonEmpty returns the number of batches that carry at least one update.
func (s *BatchSet) NonEmpty() int {
	var n int
	for _, b := range s.Batches {
		if len(b.Neighbors) != 0 {
			n++
		}
	}

	return n
}

// add appends a batch to the set, reusing the storage of batches that
// were previously held by the set.
func (s *BatchSet) add(v graph.VertexID, neighbors []graph.VertexID) {
	i := len(s.Batches)
	if i < cap(s.Batches) {
		s.Batches = s.Batches[:i+1]
	} else {
		s.Batches = append(s.Batches, graph.Batch{})
	}

	b := &s.Batches[i]
	b.Vertex = v
	b.Neighbors = append(b.Neighbors[:0], neighbors...)
}

func (s *BatchSet) reset() { s.Batches = s.Batches[:0] }
