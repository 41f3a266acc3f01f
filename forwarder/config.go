package forwarder

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
)

// Config defines the configuration shared by both forwarder kinds.
type Config struct {
	// The transport of the local rank.
	Transport cluster.Transport

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if config.Transport == nil {
		err = multierror.Append(err, fmt.Errorf("transport not provided"))
	} else if config.Transport.Rank() == cluster.LeaderRank {
		err = multierror.Append(err, fmt.Errorf("forwarders cannot run on the leader rank"))
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}

// epoch holds what a forwarder learns from an Init.
type epoch struct {
	topology cluster.Topology
	lane     int
	owned    []int
	maxMsg   int
}

func awaitEpoch(ctx context.Context, transport cluster.Transport, want cluster.Role) (*epoch, error) {
	payload, shutdown, err := cluster.AwaitInit(ctx, transport, cluster.ForwarderInitSize)
	if err != nil || shutdown {
		return nil, err
	}

	init, err := cluster.DecodeForwarderInit(payload)
	if err != nil {
		return nil, err
	}

	topo, err := cluster.TopologyFromCounts(int(init.NumForwarders), int(init.NumWorkers))
	if err != nil {
		return nil, fmt.Errorf("init: %v: %w", err, cluster.ErrBadMessage)
	}

	role, lane, err := topo.RoleOf(transport.Rank())
	if err != nil || role != want {
		return nil, fmt.Errorf("init assigns rank %d the %s role instead of %s: %w", transport.Rank(), role, want, cluster.ErrBadMessage)
	}

	return &epoch{
		topology: topo,
		lane:     lane,
		owned:    topo.OwnedWorkers(lane),
		maxMsg:   int(init.MaxMessageSize),
	}, nil
}
