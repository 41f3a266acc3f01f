/*
	streamgraph is the query boundary of a uSketch leader. Updates stream into
	the ingestion buffer while the distributor keeps the sketches current;
	a query pauses the pipeline, runs a connectivity computation over the
	quiescent sketches and restarts the pipeline before returning.
*/

package streamgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/graph"
	"github.com/mycok/uSketch/sketch"
)

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/mycok/uSketch/streamgraph UpdateBuffer,Pipeline,SketchStore

var (
	// ErrUpdateLocked is returned by Update while a query is running.
	ErrUpdateLocked = errors.New("graph updates are locked by a running query")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("graph is closed")
)

// UpdateBuffer is implemented by the ingestion buffer, e.g. ingest.Gutters.
type UpdateBuffer interface {
	Insert(graph.Update) error
	ForceFlush()
}

// Pipeline is implemented by the leader's work distributor. A Pause that
// fails leaves the pipeline running, and Resume releases a paused pipeline
// even when its context is done.
type Pipeline interface {
	Pause(context.Context) error
	Resume(context.Context) error
	Stop(context.Context) (uint64, error)
	Shutdown(context.Context) error
}

// SketchStore is implemented by the authoritative sketch store.
type SketchStore interface {
	ComputeForest() (*sketch.Forest, error)
	ResetQueryState()
}

// Config defines the collaborators of a Graph.
type Config struct {
	// The buffer updates are inserted into.
	Buffer UpdateBuffer

	// The pipeline that folds buffered updates into the sketches.
	Pipeline Pipeline

	// The sketches queries run against.
	Store SketchStore

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if config.Buffer == nil {
		err = multierror.Append(err, fmt.Errorf("update buffer not provided"))
	}

	if config.Pipeline == nil {
		err = multierror.Append(err, fmt.Errorf("pipeline not provided"))
	}

	if config.Store == nil {
		err = multierror.Append(err, fmt.Errorf("sketch store not provided"))
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}

// Graph is a dynamic graph whose connectivity can be queried at any point of
// the update stream. Its pipeline must already be running.
type Graph struct {
	config Config

	// Held for reading by Update and for writing by queries and Close.
	mu sync.RWMutex

	closed bool
}

// New returns a Graph that streams updates through the given collaborators.
func New(config Config) (*Graph, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("streamgraph: config validation failed: %w", err)
	}

	return &Graph{config: config}, nil
}

// Update inserts or deletes an edge. It never waits for a running query and
// returns ErrUpdateLocked instead.
func (g *Graph) Update(u graph.Update) error {
	if !g.mu.TryRLock() {
		return ErrUpdateLocked
	}
	defer g.mu.RUnlock()

	if g.closed {
		return ErrClosed
	}

	return g.config.Buffer.Insert(u)
}

// SpanningForest returns a spanning forest of the graph as of every update
// accepted before the call. The pipeline is always resumed before
// SpanningForest returns, even when the computation fails.
func (g *Graph) SpanningForest(ctx context.Context) (forest *sketch.Forest, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	g.config.Buffer.ForceFlush()
	if err = g.config.Pipeline.Pause(ctx); err != nil {
		return nil, fmt.Errorf("pausing the update pipeline: %w", err)
	}

	defer func() {
		g.config.Store.ResetQueryState()

		if rErr := g.config.Pipeline.Resume(ctx); rErr != nil {
			err = multierror.Append(err, fmt.Errorf("resuming the update pipeline: %w", rErr))
			forest = nil
		}
	}()

	if forest, err = g.config.Store.ComputeForest(); err != nil {
		g.config.Logger.WithField("err", err).Warn("connectivity query failed")

		return nil, err
	}

	g.config.Logger.WithField("components", len(forest.Components)).Debug("connectivity query completed")

	return forest, nil
}

// Connected reports whether a and b belong to the same connected component.
func (g *Graph) Connected(ctx context.Context, a, b graph.VertexID) (bool, error) {
	forest, err := g.SpanningForest(ctx)
	if err != nil {
		return false, err
	}

	return forest.Connected(a, b), nil
}

// Close flushes the buffered updates, stops the pipeline, releases every
// other rank of the cluster and returns the number of vertex updates
// processed since the pipeline was started.
func (g *Graph) Close(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0, ErrClosed
	}
	g.closed = true

	g.config.Buffer.ForceFlush()

	processed, err := g.config.Pipeline.Stop(ctx)
	if err != nil {
		return processed, fmt.Errorf("stopping the update pipeline: %w", err)
	}

	if err = g.config.Pipeline.Shutdown(ctx); err != nil {
		return processed, fmt.Errorf("shutting down the cluster: %w", err)
	}

	g.config.Logger.WithField("processed_updates", processed).Info("closed graph")

	return processed, nil
}
