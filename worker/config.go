package worker

import (
	"fmt"
	"io"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/sketch"
)

// SketcherFactory builds the sketcher used for an epoch.
type SketcherFactory func(sketch.Params) (*sketch.Sketcher, error)

// Config defines the configuration of a worker.
type Config struct {
	// The transport of the local rank.
	Transport cluster.Transport

	// The cluster topology. Workers use it to find the delta forwarder
	// paired with the lane a message came from.
	Topology cluster.Topology

	// Number of helpers computing deltas concurrently. Defaults to the
	// number of CPUs.
	Helpers int

	// Builds a sketcher from the parameters carried by Init. Defaults to
	// sketch.NewSketcher.
	NewSketcher SketcherFactory

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if config.Transport == nil {
		err = multierror.Append(err, fmt.Errorf("transport not provided"))
	} else if role, _, rErr := config.Topology.RoleOf(config.Transport.Rank()); rErr != nil || role != cluster.RoleWorker {
		err = multierror.Append(err, fmt.Errorf("rank %d is not a worker rank", config.Transport.Rank()))
	}

	if config.Helpers < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for helpers"))
	} else if config.Helpers == 0 {
		config.Helpers = runtime.NumCPU()
	}

	if config.NewSketcher == nil {
		config.NewSketcher = sketch.NewSketcher
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}
