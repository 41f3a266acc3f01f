// Package graph holds the value types that flow through every tier of the
// sketch cluster: edge updates, per-vertex batches and sketch deltas.
package graph

import "fmt"

// VertexID identifies a vertex of the streamed graph.
type VertexID uint32

// UpdateKind tells whether an update inserts or deletes an edge.
type UpdateKind uint8

const (
	// Insert adds an edge to the graph.
	Insert UpdateKind = iota

	// Delete removes an edge from the graph.
	Delete
)

// String implements fmt.Stringer.
func (k UpdateKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

// Edge is an undirected edge between two vertices.
type Edge struct {
	Src VertexID
	Dst VertexID
}

// Update is a single, immutable stream element.
type Update struct {
	Edge Edge
	Kind UpdateKind
}

// Batch groups all pending updates destined for a single vertex sketch.
// The order of Neighbors carries no meaning for the sketch; each entry
// toggles the edge {Vertex, neighbor}.
type Batch struct {
	Vertex    VertexID
	Neighbors []VertexID
}

// Delta is the sketch contribution obtained by folding one batch into a
// zeroed sketch. Data is owned by whoever produced the Delta value.
type Delta struct {
	Vertex VertexID
	Data   []byte
}

// EdgeIndex maps an undirected edge to a non-zero 64-bit identifier. The
// identifier does not depend on the orientation of the edge. Self loops map
// to zero and must be filtered out by callers.
func EdgeIndex(a, b VertexID) uint64 {
	if a > b {
		a, b = b, a
	}

	if a == b {
		return 0
	}

	return uint64(a)<<32 | uint64(b)
}

// EdgeFromIndex is the inverse of EdgeIndex.
func EdgeFromIndex(idx uint64) Edge {
	return Edge{
		Src: VertexID(idx >> 32),
		Dst: VertexID(idx & 0xffffffff),
	}
}
