package ingest

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mycok/uSketch/aggregator"
	"github.com/mycok/uSketch/graph"
)

// Config defines the shape of the gutters and of the work queue.
type Config struct {
	// Number of vertices in the graph.
	NumNodes uint32

	// Number of updates buffered per vertex before the gutter is turned
	// into a batch. Defaults to 64.
	GutterSize int

	// Number of batches grouped in a single batch set. Defaults to 32.
	BatchesPerSet int

	// Maximum number of ready batch sets queued before Insert blocks.
	// Defaults to 8.
	QueueFactor int
}

func (config *Config) validate() error {
	var err error

	if config.NumNodes < 2 {
		err = multierror.Append(err, fmt.Errorf("invalid value for node count, must be >= 2"))
	}

	if config.GutterSize < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for gutter size"))
	} else if config.GutterSize == 0 {
		config.GutterSize = 64
	}

	if config.BatchesPerSet < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for batches per set"))
	} else if config.BatchesPerSet == 0 {
		config.BatchesPerSet = 32
	}

	if config.QueueFactor < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for queue factor"))
	} else if config.QueueFactor == 0 {
		config.QueueFactor = 8
	}

	return err
}

// Gutters buffers updates per vertex and feeds full batches into a bounded
// work queue. It implements Queue and is safe for concurrent use.
type Gutters struct {
	config Config

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	gutters     [][]graph.VertexID
	building    *BatchSet
	ready       []*BatchSet
	free        []*BatchSet
	nonBlocking bool

	accepted aggregator.Counter
}

// NewGutters returns an empty set of gutters for the configured graph.
func NewGutters(config Config) (*Gutters, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("gutters: config validation failed: %w", err)
	}

	g := &Gutters{
		config:  config,
		gutters: make([][]graph.VertexID, config.NumNodes),
	}
	g.notEmpty = sync.NewCond(&g.mu)
	g.notFull = sync.NewCond(&g.mu)

	return g, nil
}

// Config returns the validated configuration of the gutters.
func (g *Gutters) Config() Config { return g.config }

// Insert buffers an edge update in the gutters of both endpoints. It blocks
// while the work queue is full.
func (g *Gutters) Insert(u graph.Update) error {
	src, dst := u.Edge.Src, u.Edge.Dst
	if uint32(src) >= g.config.NumNodes || uint32(dst) >= g.config.NumNodes {
		return fmt.Errorf("insert %d-%d: %w", src, dst, ErrVertexOutOfRange)
	}

	if src == dst {
		return fmt.Errorf("insert %d-%d: %w", src, dst, ErrSelfLoop)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.push(src, dst)
	g.push(dst, src)
	g.accepted.Aggregate(2)

	return nil
}

// Accepted returns the number of vertex updates accepted so far. Each edge
// update counts once per endpoint.
func (g *Gutters) Accepted() uint64 { return g.accepted.Get() }

// ForceFlush moves every non-empty gutter into the work queue, blocking
// while the queue is full.
func (g *Gutters) ForceFlush() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for v, gutter := range g.gutters {
		if len(gutter) != 0 {
			g.emit(graph.VertexID(v))
		}
	}

	if g.building != nil && len(g.building.Batches) != 0 {
		g.enqueueBuilding()
	}
}

// Pull implements Queue.
func (g *Gutters) Pull() (*BatchSet, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.ready) == 0 && !g.nonBlocking {
		g.notEmpty.Wait()
	}

	if len(g.ready) == 0 {
		return nil, false
	}

	set := g.ready[0]
	g.ready[0] = nil
	g.ready = g.ready[1:]
	g.notFull.Broadcast()

	return set, true
}

// SetNonBlocking implements Queue.
func (g *Gutters) SetNonBlocking(nonBlocking bool) {
	g.mu.Lock()
	g.nonBlocking = nonBlocking
	g.mu.Unlock()

	g.notEmpty.Broadcast()
}

// Complete implements Queue.
func (g *Gutters) Complete(set *BatchSet) {
	set.reset()

	g.mu.Lock()
	g.free = append(g.free, set)
	g.mu.Unlock()
}

// Pending returns the number of batch sets waiting to be pulled.
func (g *Gutters) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.ready)
}

// push must be called with the lock held.
func (g *Gutters) push(v, neighbor graph.VertexID) {
	if g.gutters[v] == nil {
		g.gutters[v] = make([]graph.VertexID, 0, g.config.GutterSize)
	}

	g.gutters[v] = append(g.gutters[v], neighbor)
	if len(g.gutters[v]) >= g.config.GutterSize {
		g.emit(v)
	}
}

// emit must be called with the lock held.
func (g *Gutters) emit(v graph.VertexID) {
	if g.building == nil {
		g.building = g.newSet()
	}

	g.building.add(v, g.gutters[v])
	g.gutters[v] = g.gutters[v][:0]

	if len(g.building.Batches) >= g.config.BatchesPerSet {
		g.enqueueBuilding()
	}
}

// enqueueBuilding must be called with the lock held. The set is detached
// before waiting so concurrent inserters start a new one.
func (g *Gutters) enqueueBuilding() {
	set := g.building
	g.building = nil

	for len(g.ready) >= g.config.QueueFactor {
		g.notFull.Wait()
	}

	g.ready = append(g.ready, set)
	g.notEmpty.Signal()
}

func (g *Gutters) newSet() *BatchSet {
	if n := len(g.free); n != 0 {
		set := g.free[n-1]
		g.free = g.free[:n-1]

		return set
	}

	return &BatchSet{Batches: make([]graph.Batch, 0, g.config.BatchesPerSet)}
}
