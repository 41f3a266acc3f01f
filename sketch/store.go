package sketch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mycok/uSketch/graph"
)

// Store holds the authoritative supernode of every vertex. Deltas for
// different vertices can be applied concurrently; deltas for the same vertex
// are serialized by a per-vertex lock.
type Store struct {
	sk    *Sketcher
	locks []sync.Mutex
	nodes []*Supernode

	// Query scratch copies, allocated by the first query and reused.
	scratch []*Supernode
}

// NewStore allocates an empty supernode for each vertex of the graph.
func NewStore(sk *Sketcher) *Store {
	n := int(sk.params.NumNodes)
	s := &Store{
		sk:    sk,
		locks: make([]sync.Mutex, n),
		nodes: make([]*Supernode, n),
	}

	for i := range s.nodes {
		s.nodes[i] = sk.NewSupernode()
	}

	return s
}

// Sketcher returns the sketcher the store was created with.
func (s *Store) Sketcher() *Sketcher { return s.sk }

// ApplyDelta merges a serialized delta into the supernode of vertex v.
func (s *Store) ApplyDelta(v graph.VertexID, data []byte) error {
	if int(v) >= len(s.nodes) {
		return fmt.Errorf("apply delta to %d: %w", v, ErrVertexOutOfRange)
	}

	s.locks[v].Lock()
	err := s.nodes[v].ApplyDelta(data)
	s.locks[v].Unlock()

	return err
}

// ResetQueryState clears the query scratch state of every vertex.
func (s *Store) ResetQueryState() {
	for v := range s.nodes {
		s.locks[v].Lock()
		s.nodes[v].ResetQueryState()
		if s.scratch != nil {
			s.scratch[v].Reset()
		}
		s.locks[v].Unlock()
	}
}

// MarshalBinary serializes every supernode in vertex order.
func (s *Store) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(s.nodes)*s.sk.DeltaSize())
	for v, n := range s.nodes {
		s.locks[v].Lock()
		out = n.AppendBinary(out)
		s.locks[v].Unlock()
	}

	return out, nil
}

// Forest is the result of a connectivity query.
type Forest struct {
	// Components lists the vertices of each connected component. Vertices
	// are sorted within a component and components are sorted by their
	// smallest vertex.
	Components [][]graph.VertexID

	// Edges are the spanning forest edges recovered from the sketches.
	Edges []graph.Edge

	component []int
}

// Connected reports whether a and b belong to the same component.
func (f *Forest) Connected(a, b graph.VertexID) bool {
	if int(a) >= len(f.component) || int(b) >= len(f.component) {
		return false
	}

	return f.component[a] == f.component[b]
}

// ComputeForest runs Boruvka's algorithm over copies of the supernodes. The
// authoritative supernodes are left untouched; the caller must ensure no
// delta is applied while the query runs.
func (s *Store) ComputeForest() (*Forest, error) {
	n := len(s.nodes)
	if s.scratch == nil {
		s.scratch = make([]*Supernode, n)
		for v := range s.scratch {
			s.scratch[v] = s.sk.NewSupernode()
		}
	}

	for v := range s.nodes {
		s.locks[v].Lock()
		s.scratch[v].CopyFrom(s.nodes[v])
		s.locks[v].Unlock()
	}

	var (
		sets  = newDisjointSet(n)
		done  = make([]bool, n)
		edges []graph.Edge
	)

	for {
		var (
			sampled []graph.Edge
			failed  bool
		)

		for v := 0; v < n; v++ {
			if sets.find(v) != v || done[v] {
				continue
			}

			e, res := s.scratch[v].NextSample()
			switch res {
			case SampleGood:
				sampled = append(sampled, e)
			case SampleZero:
				done[v] = true
			case SampleFail:
				if s.scratch[v].QueryRoundsLeft() == 0 {
					return nil, fmt.Errorf("component of vertex %d: %w", v, ErrOutOfQueries)
				}
				failed = true
			}
		}

		if len(sampled) == 0 && !failed {
			break
		}

		for _, e := range sampled {
			a, b := sets.find(int(e.Src)), sets.find(int(e.Dst))
			if a == b {
				continue
			}

			root, child := sets.union(a, b)
			s.scratch[root].Merge(s.scratch[child])
			if s.scratch[child].queryRound > s.scratch[root].queryRound {
				s.scratch[root].queryRound = s.scratch[child].queryRound
			}
			edges = append(edges, e)
		}
	}

	return buildForest(sets, edges), nil
}

func buildForest(sets *disjointSet, edges []graph.Edge) *Forest {
	n := len(sets.parent)
	f := &Forest{Edges: edges, component: make([]int, n)}

	byRoot := make(map[int]int)
	for v := 0; v < n; v++ {
		root := sets.find(v)
		idx, ok := byRoot[root]
		if !ok {
			idx = len(f.Components)
			byRoot[root] = idx
			f.Components = append(f.Components, nil)
		}

		f.component[v] = idx
		f.Components[idx] = append(f.Components[idx], graph.VertexID(v))
	}

	// Vertices are visited in ascending order, so components are already
	// sorted internally and by their smallest vertex.
	sort.SliceStable(f.Components, func(i, j int) bool {
		return f.Components[i][0] < f.Components[j][0]
	})

	return f
}

type disjointSet struct {
	parent []int
	size   []int
}

func newDisjointSet(n int) *disjointSet {
	d := &disjointSet{parent: make([]int, n), size: make([]int, n)}
	for i := range d.parent {
		d.parent[i] = i
		d.size[i] = 1
	}

	return d
}

func (d *disjointSet) find(v int) int {
	for d.parent[v] != v {
		d.parent[v] = d.parent[d.parent[v]]
		v = d.parent[v]
	}

	return v
}

// union links the roots a and b and returns the surviving root followed by
// the absorbed one.
func (d *disjointSet) union(a, b int) (int, int) {
	if d.size[a] < d.size[b] {
		a, b = b, a
	}

	d.parent[b] = a
	d.size[a] += d.size[b]

	return a, b
}
