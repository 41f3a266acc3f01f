package streamgraph

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/distributor"
	"github.com/mycok/uSketch/ingest"
	"github.com/mycok/uSketch/sketch"
)

// Options describes a Graph served by a cluster. Zero values select the
// defaults of the underlying packages.
type Options struct {
	// The transport of the leader rank and the shape of the cluster.
	Transport cluster.Transport
	Topology  cluster.Topology

	// The graph the sketches are built for.
	NumNodes uint32
	Seed     uint64

	GutterSize    int
	BatchesPerSet int
	QueueFactor   int

	LocalCutoff int
	StatusFile  string

	Logger *logrus.Entry
}

// Open builds the leader side of a cluster for a new graph, initializes
// every other rank and starts the update pipeline.
func Open(ctx context.Context, opts Options) (*Graph, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	sk, err := sketch.NewSketcher(sketch.Params{NumNodes: opts.NumNodes, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}

	gutters, err := ingest.NewGutters(ingest.Config{
		NumNodes:      opts.NumNodes,
		GutterSize:    opts.GutterSize,
		BatchesPerSet: opts.BatchesPerSet,
		QueueFactor:   opts.QueueFactor,
	})
	if err != nil {
		return nil, err
	}

	store := sketch.NewStore(sk)
	dist, err := distributor.New(distributor.Config{
		Transport:   opts.Transport,
		Topology:    opts.Topology,
		Queue:       gutters,
		Store:       store,
		LocalCutoff: opts.LocalCutoff,
		StatusFile:  opts.StatusFile,
		Logger:      opts.Logger.WithField("component", "distributor"),
	})
	if err != nil {
		return nil, err
	}

	shape := gutters.Config()
	params := cluster.InitParams{
		NumNodes:       opts.NumNodes,
		Seed:           opts.Seed,
		MaxMessageSize: uint32(cluster.MaxMessageSize(shape.BatchesPerSet, shape.GutterSize, sk.DeltaSize())),
	}
	if err = dist.Start(ctx, params); err != nil {
		return nil, fmt.Errorf("starting the update pipeline: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"nodes":            opts.NumNodes,
		"delta_size":       sk.DeltaSize(),
		"max_message_size": params.MaxMessageSize,
	}).Info("opened graph")

	return New(Config{Buffer: gutters, Pipeline: dist, Store: store, Logger: opts.Logger})
}
