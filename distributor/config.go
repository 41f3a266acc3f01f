package distributor

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/ingest"
	"github.com/mycok/uSketch/sketch"
)

const (
	defaultLocalCutoff    = 400
	defaultSendSlots      = 2
	defaultStatusInterval = 200 * time.Millisecond
	defaultPollInterval   = 500 * time.Millisecond
)

// Config defines the configuration of the leader's work distributor.
type Config struct {
	// The transport of the leader rank.
	Transport cluster.Transport

	// The cluster topology.
	Topology cluster.Topology

	// The ingestion queue lanes pull batch sets from.
	Queue ingest.Queue

	// The authoritative per-vertex sketches.
	Store *sketch.Store

	// A batch set is processed on the leader instead of being sent to a
	// worker when it carries fewer than LocalCutoff updates per non-empty
	// batch on average. Defaults to 400; a negative value sends every
	// batch set to the workers.
	LocalCutoff int

	// Number of batch messages a lane can have in flight. Defaults to 2.
	SendSlots int

	// Path of the periodically rewritten status file. No file is written
	// if empty.
	StatusFile string

	// Period of the status report. Defaults to 200ms.
	StatusInterval time.Duration

	// Upper bound on the time Pause and Resume wait between two checks of
	// the lane states. Defaults to 500ms.
	PollInterval time.Duration

	// A clock instance for generating time-related events. If not specified,
	// the default wall-clock will be used instead.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if config.Transport == nil {
		err = multierror.Append(err, fmt.Errorf("transport not provided"))
	} else if config.Transport.Rank() != cluster.LeaderRank {
		err = multierror.Append(err, fmt.Errorf("the distributor must run on the leader rank"))
	}

	if config.Topology.Lanes() == 0 {
		err = multierror.Append(err, fmt.Errorf("topology not provided"))
	}

	if config.Queue == nil {
		err = multierror.Append(err, fmt.Errorf("ingestion queue not provided"))
	}

	if config.Store == nil {
		err = multierror.Append(err, fmt.Errorf("sketch store not provided"))
	}

	if config.LocalCutoff == 0 {
		config.LocalCutoff = defaultLocalCutoff
	}

	if config.SendSlots < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for send slots"))
	} else if config.SendSlots == 0 {
		config.SendSlots = defaultSendSlots
	}

	if config.StatusInterval < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for status interval"))
	} else if config.StatusInterval == 0 {
		config.StatusInterval = defaultStatusInterval
	}

	if config.PollInterval < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for poll interval"))
	} else if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}

	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}
