// Package localcluster runs every non-leader rank of a uSketch cluster in
// the current process, connected through an in-process mesh.
package localcluster

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/forwarder"
	"github.com/mycok/uSketch/service"
	"github.com/mycok/uSketch/worker"
)

// Config defines the shape of a local cluster.
type Config struct {
	// Total number of ranks, the leader included. At least 4.
	Ranks int

	// Upper bound on the number of forwarder pairs. Defaults to 10.
	MaxForwarders int

	// Number of delta-computing helpers per worker. Defaults to 1.
	Helpers int

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if config.Ranks < 4 {
		err = multierror.Append(err, fmt.Errorf("a cluster needs at least 4 ranks"))
	}

	if config.MaxForwarders < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for max forwarders"))
	} else if config.MaxForwarders == 0 {
		config.MaxForwarders = cluster.DefaultMaxForwarders
	}

	if config.Helpers < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for helpers"))
	} else if config.Helpers == 0 {
		config.Helpers = 1
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}

// Cluster is a running set of forwarders and workers. The leader endpoint is
// left to the caller.
type Cluster struct {
	mesh *cluster.Mesh
	topo cluster.Topology
	done chan error
}

// Start launches every non-leader rank. They run until the leader sends
// Shutdown, a rank fails or ctx is cancelled.
func Start(ctx context.Context, config Config) (*Cluster, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("localcluster: config validation failed: %w", err)
	}

	topo, err := cluster.NewTopology(config.Ranks, config.MaxForwarders)
	if err != nil {
		return nil, err
	}

	mesh := cluster.NewMesh(topo.Size())
	group, err := services(mesh, topo, config)
	if err != nil {
		mesh.Close()
		return nil, err
	}

	c := &Cluster{mesh: mesh, topo: topo, done: make(chan error, 1)}
	go func() {
		c.done <- group.Execute(ctx, config.Logger)
	}()

	config.Logger.WithFields(logrus.Fields{
		"forwarders": topo.Forwarders(),
		"workers":    topo.Workers(),
	}).Info("started local cluster")

	return c, nil
}

func services(mesh *cluster.Mesh, topo cluster.Topology, config Config) (service.Group, error) {
	var group service.Group

	for lane := 0; lane < topo.Forwarders(); lane++ {
		bfRank, dfRank := topo.BatchForwarderRank(lane), topo.DeltaForwarderRank(lane)

		bf, err := forwarder.NewBatchForwarder(forwarder.Config{
			Transport: mesh.Endpoint(bfRank),
			Logger:    config.Logger.WithField("rank", bfRank),
		})
		if err != nil {
			return nil, err
		}

		df, err := forwarder.NewDeltaForwarder(forwarder.Config{
			Transport: mesh.Endpoint(dfRank),
			Logger:    config.Logger.WithField("rank", dfRank),
		})
		if err != nil {
			return nil, err
		}

		group = append(group, bf, df)
	}

	for i := 0; i < topo.Workers(); i++ {
		rank := topo.WorkerRank(i)
		w, err := worker.New(worker.Config{
			Transport: mesh.Endpoint(rank),
			Topology:  topo,
			Helpers:   config.Helpers,
			Logger:    config.Logger.WithField("rank", rank),
		})
		if err != nil {
			return nil, err
		}

		group = append(group, w)
	}

	return group, nil
}

// Topology returns the shape of the cluster.
func (c *Cluster) Topology() cluster.Topology { return c.topo }

// Leader returns the transport endpoint of rank 0.
func (c *Cluster) Leader() cluster.Transport { return c.mesh.Endpoint(cluster.LeaderRank) }

// Wait blocks until every rank has exited and returns their failures.
func (c *Cluster) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		c.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the mesh. Ranks still running fail with cluster.ErrClosed.
func (c *Cluster) Close() {
	c.mesh.Close()
}
