/*
	sketch implements per-vertex connectivity sketches ("supernodes").

	Each supernode is a grid of XOR buckets. Toggling an edge XORs its index
	into a geometrically thinning subset of the buckets; merging two
	supernodes XORs their buckets, so edges internal to a merged component
	cancel out and only edges leaving the component remain sampleable. A
	Delta is simply the serialized supernode of one batch, which makes delta
	application associative and commutative.
*/

package sketch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/mycok/uSketch/graph"
)

const (
	columns     = 3
	bucketBytes = 16
)

var (
	// ErrVertexOutOfRange is returned when an update or delta references a
	// vertex that does not exist in the configured graph.
	ErrVertexOutOfRange = errors.New("vertex out of range")

	// ErrMalformedDelta is returned when a serialized delta does not match
	// the configured sketch layout.
	ErrMalformedDelta = errors.New("malformed sketch delta")

	// ErrOutOfQueries is returned when the sketches ran out of independent
	// sampling rounds before the spanning forest could be completed.
	ErrOutOfQueries = errors.New("sketches exhausted before forest completion")
)

// Params describes the graph a sketch is built for. Two sketches can only be
// merged when they share the same Params.
type Params struct {
	NumNodes uint32
	Seed     uint64
}

type layout struct {
	rounds int
	levels int
}

func (l layout) buckets() int { return l.rounds * columns * l.levels }

func (l layout) index(round, column, level int) int {
	return (round*columns+column)*l.levels + level
}

func newLayout(numNodes uint32) layout {
	lg := bits.Len32(numNodes)

	return layout{
		rounds: 2*lg + 2,
		levels: 2*lg + 1,
	}
}

// Sketcher generates supernodes and deltas for one Params configuration.
// It is immutable and safe for concurrent use.
type Sketcher struct {
	params Params
	layout layout
}

// NewSketcher returns a Sketcher for a graph of p.NumNodes vertices.
func NewSketcher(p Params) (*Sketcher, error) {
	if p.NumNodes < 2 {
		return nil, fmt.Errorf("sketch: a graph needs at least 2 nodes, got %d", p.NumNodes)
	}

	return &Sketcher{params: p, layout: newLayout(p.NumNodes)}, nil
}

// Params returns the parameters the sketcher was created with.
func (s *Sketcher) Params() Params { return s.params }

// DeltaSize returns the number of bytes of a serialized supernode or delta.
func (s *Sketcher) DeltaSize() int { return s.layout.buckets() * bucketBytes }

// Rounds returns the number of independent sampling rounds per supernode.
func (s *Sketcher) Rounds() int { return s.layout.rounds }

// NewSupernode allocates an empty supernode.
func (s *Sketcher) NewSupernode() *Supernode {
	return &Supernode{
		sk:      s,
		buckets: make([]bucket, s.layout.buckets()),
	}
}

// GenerateDelta folds neighbors of vertex v into scratch, which is zeroed
// first, and appends the serialized result to dst.
func (s *Sketcher) GenerateDelta(v graph.VertexID, neighbors []graph.VertexID, scratch *Supernode, dst []byte) ([]byte, error) {
	if uint32(v) >= s.params.NumNodes {
		return dst, fmt.Errorf("generate delta for %d: %w", v, ErrVertexOutOfRange)
	}

	scratch.Reset()
	for _, n := range neighbors {
		if uint32(n) >= s.params.NumNodes {
			return dst, fmt.Errorf("generate delta for %d, neighbor %d: %w", v, n, ErrVertexOutOfRange)
		}

		if idx := graph.EdgeIndex(v, n); idx != 0 {
			scratch.Update(idx)
		}
	}

	return scratch.AppendBinary(dst), nil
}

func (s *Sketcher) hash(salt, idx uint64) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], s.params.Seed)
	binary.LittleEndian.PutUint64(buf[8:], salt)
	binary.LittleEndian.PutUint64(buf[16:], idx)

	return xxhash.Sum64(buf[:])
}

func (s *Sketcher) checksum(idx uint64) uint64 { return s.hash(0, idx) }

// depth returns the deepest level an edge index reaches for the given
// round and column. Level 0 holds every edge.
func (s *Sketcher) depth(round, column int, idx uint64) int {
	h := s.hash(uint64(round*columns+column+1), idx)
	h |= 1 << uint(s.layout.levels-1)

	return bits.TrailingZeros64(h)
}

func (s *Sketcher) validEdge(e graph.Edge) bool {
	return e.Src < e.Dst && uint32(e.Dst) < s.params.NumNodes
}
