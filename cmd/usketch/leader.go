package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/ingest"
	"github.com/mycok/uSketch/sketch"
	"github.com/mycok/uSketch/streamgraph"
)

// How often the ingestion loop checks for cancellation.
const cancelCheckPeriod = 1 << 12

// runLeader streams the input file into the cluster, runs the requested
// connectivity queries and tears the cluster down.
func runLeader(ctx context.Context, appCtx *cli.Context, transport cluster.Transport, topo cluster.Topology) error {
	path := appCtx.String("stream")
	if path == "" {
		return fmt.Errorf("stream file must be specified with --stream")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	loader, err := ingest.NewLoader(f)
	if err != nil {
		return err
	}

	leaderLogger := logger.WithField("role", cluster.RoleLeader.String())
	g, err := streamgraph.Open(ctx, streamgraph.Options{
		Transport:     transport,
		Topology:      topo,
		NumNodes:      loader.NumNodes(),
		Seed:          appCtx.Uint64("seed"),
		GutterSize:    appCtx.Int("gutter-size"),
		BatchesPerSet: appCtx.Int("batches-per-message"),
		QueueFactor:   appCtx.Int("queue-factor"),
		LocalCutoff:   appCtx.Int("local-cutoff"),
		StatusFile:    appCtx.String("status-file"),
		Logger:        leaderLogger,
	})
	if err != nil {
		return err
	}

	startedAt := time.Now()
	err = ingestStream(ctx, g, loader, appCtx.Uint64("query-every"), leaderLogger)
	if err == nil {
		err = query(ctx, g, leaderLogger.WithField("updates", loader.NumUpdates()))
	}

	processed, closeErr := g.Close(ctx)
	if closeErr != nil {
		err = multierror.Append(err, closeErr)
	}

	leaderLogger.WithFields(logrus.Fields{
		"processed_updates": humanize.Comma(int64(processed)),
		"elapsed":           time.Since(startedAt).String(),
	}).Info("stream ingestion completed")

	return err
}

func ingestStream(ctx context.Context, g *streamgraph.Graph, loader *ingest.Loader, queryEvery uint64, logger *logrus.Entry) error {
	var n uint64
	for loader.Next() {
		if err := g.Update(loader.Update()); err != nil {
			return fmt.Errorf("update %d: %w", n, err)
		}
		n++

		if queryEvery != 0 && n%queryEvery == 0 {
			if err := query(ctx, g, logger.WithField("updates", n)); err != nil {
				return err
			}
		}

		if n%cancelCheckPeriod == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	return loader.Error()
}

// query logs a summary of the current connected components. Running out of
// sketch rounds only fails the query, not the process.
func query(ctx context.Context, g *streamgraph.Graph, logger *logrus.Entry) error {
	startedAt := time.Now()

	forest, err := g.SpanningForest(ctx)

	// A joined error means the pipeline could not be resumed.
	var joined *multierror.Error
	if errors.Is(err, sketch.ErrOutOfQueries) && !errors.As(err, &joined) {
		logger.WithField("err", err).Warn("connectivity query failed")

		return nil
	} else if err != nil {
		return err
	}

	var largest int
	for _, comp := range forest.Components {
		if len(comp) > largest {
			largest = len(comp)
		}
	}

	logger.WithFields(logrus.Fields{
		"components":        len(forest.Components),
		"largest_component": largest,
		"forest_edges":      len(forest.Edges),
		"elapsed":           time.Since(startedAt).String(),
	}).Info("connectivity query completed")

	return nil
}
