package cluster

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Controller drives the setup and teardown of worker epochs from the
// leader.
type Controller struct {
	transport Transport
	topology  Topology
	logger    *logrus.Entry
}

// NewController returns a controller that talks to the cluster described by
// topology through transport. A nil logger discards output.
func NewController(transport Transport, topology Topology, logger *logrus.Entry) *Controller {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return &Controller{transport: transport, topology: topology, logger: logger}
}

// Topology returns the topology the controller was created with.
func (c *Controller) Topology() Topology { return c.topology }

// Start opens an epoch: every forwarder receives a forwarder Init and every
// worker a worker Init.
func (c *Controller) Start(ctx context.Context, params InitParams) error {
	fwdInit := ForwarderInit{
		InitParams:    params,
		NumForwarders: uint32(c.topology.Forwarders()),
		NumWorkers:    uint32(c.topology.Workers()),
	}.AppendBinary(make([]byte, 0, ForwarderInitSize))

	for lane := 0; lane < c.topology.Forwarders(); lane++ {
		for _, rank := range []int{c.topology.BatchForwarderRank(lane), c.topology.DeltaForwarderRank(lane)} {
			if err := c.transport.Send(ctx, rank, CodeInit, fwdInit); err != nil {
				return fmt.Errorf("init forwarder %d: %w", rank, err)
			}
		}
	}

	workerInit := params.AppendBinary(make([]byte, 0, WorkerInitSize))
	for w := 0; w < c.topology.Workers(); w++ {
		rank := c.topology.WorkerRank(w)
		if err := c.transport.Send(ctx, rank, CodeInit, workerInit); err != nil {
			return fmt.Errorf("init worker %d: %w", rank, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"nodes":      params.NumNodes,
		"seed":       params.Seed,
		"max_msg":    params.MaxMessageSize,
		"forwarders": c.topology.Forwarders(),
		"workers":    c.topology.Workers(),
	}).Info("initialized cluster epoch")

	return nil
}

// Stop closes the current epoch and returns the number of updates the
// workers processed during it. Every non-leader rank receives a Stop and
// every worker answers with its count.
func (c *Controller) Stop(ctx context.Context) (uint64, error) {
	if err := c.broadcast(ctx, CodeStop); err != nil {
		return 0, err
	}

	var (
		total uint64
		errs  error
		buf   = make([]byte, StopReplySize)
	)

	for w := 0; w < c.topology.Workers(); w++ {
		rank := c.topology.WorkerRank(w)

		env, err := c.transport.Recv(ctx, rank, Codes(CodeStop), buf)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stop reply from %d: %w", rank, err))
			if ctx.Err() != nil {
				break
			}

			continue
		}

		processed, err := DecodeStopReply(env.Payload)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stop reply from %d: %w", rank, err))

			continue
		}

		total += processed
	}

	c.logger.WithField("processed_updates", total).Info("stopped cluster epoch")

	return total, errs
}

// Shutdown tells every non-leader rank to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.broadcast(ctx, CodeShutdown); err != nil {
		return err
	}

	c.logger.Info("sent cluster shutdown")

	return nil
}

func (c *Controller) broadcast(ctx context.Context, code MessageCode) error {
	for rank := 1; rank < c.topology.Size(); rank++ {
		if err := c.transport.Send(ctx, rank, code, nil); err != nil {
			return fmt.Errorf("%s to %d: %w", code, rank, err)
		}
	}

	return nil
}

// AwaitInit blocks until the leader opens a new epoch. It returns the Init
// payload, which must be exactly size bytes long, or shutdown set when the
// leader asked the process to exit instead.
func AwaitInit(ctx context.Context, transport Transport, size int) (payload []byte, shutdown bool, err error) {
	buf := make([]byte, size)

	env, err := transport.Recv(ctx, LeaderRank, AnyCode, buf)
	if err != nil {
		return nil, false, fmt.Errorf("awaiting init: %w", err)
	}

	switch env.Code {
	case CodeShutdown:
		return nil, true, nil
	case CodeInit:
		if len(env.Payload) != size {
			return nil, false, BadMessage(env, fmt.Sprintf("init must be %d bytes", size))
		}

		return env.Payload, false, nil
	default:
		return nil, false, BadMessage(env, "expected init")
	}
}
