/*
	worker runs the remote half of the update pipeline: it receives batches
	from a batch forwarder, turns each batch into a sketch delta and sends
	the deltas to the delta forwarder of the lane the batch came from.

	Receiving, computing and sending overlap. A fixed set of slots cycles
	between a free queue (ready for network input), a bounded helper pool
	and a ready queue drained by a single sender.
*/

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/aggregator"
	"github.com/mycok/uSketch/bufqueue"
	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/graph"
	"github.com/mycok/uSketch/sketch"
)

// Stats describes the work done during the current epoch.
type Stats struct {
	Updates uint64
	Batches uint64
}

// Worker is a service that computes sketch deltas.
type Worker struct {
	config Config

	processed aggregator.Counter
	batches   aggregator.Counter
}

// New creates a worker.
func New(config Config) (*Worker, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("worker: config validation failed: %w", err)
	}

	return &Worker{config: config}, nil
}

// Name returns the name of the service.
func (w *Worker) Name() string { return "worker" }

// Stats returns the counters of the current epoch.
func (w *Worker) Stats() Stats {
	return Stats{Updates: w.processed.Get(), Batches: w.batches.Get()}
}

// Run serves epochs until the leader sends Shutdown, ctx expires or a
// protocol violation occurs.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.config.Logger.WithField("rank", w.config.Transport.Rank())
	logger.Info("started service")
	defer logger.Info("stopped service")

	for {
		payload, shutdown, err := cluster.AwaitInit(ctx, w.config.Transport, cluster.WorkerInitSize)
		if err != nil {
			return err
		}

		if shutdown {
			return nil
		}

		params, err := cluster.DecodeWorkerInit(payload)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"nodes":   params.NumNodes,
			"seed":    params.Seed,
			"max_msg": params.MaxMessageSize,
		}).Info("starting epoch")

		shutdown, err = w.serve(ctx, params)
		if err != nil {
			return err
		}

		if shutdown {
			return nil
		}
	}
}

// workSlot holds the buffers of one message in flight through the worker.
type workSlot struct {
	in      []byte
	payload []byte
	out     []byte

	lane    int
	updates int

	batches []graph.Batch
	scratch *sketch.Supernode
}

// epoch is the per-Init state of a worker.
type epoch struct {
	w  *Worker
	sk *sketch.Sketcher

	free  *bufqueue.Queue[*workSlot]
	ready *bufqueue.Queue[*workSlot]
	tasks chan *bufqueue.Slot[*workSlot]

	errChan chan error
}

func (w *Worker) serve(ctx context.Context, params cluster.InitParams) (bool, error) {
	sk, err := w.config.NewSketcher(sketch.Params{NumNodes: params.NumNodes, Seed: params.Seed})
	if err != nil {
		return false, fmt.Errorf("init: %v: %w", err, cluster.ErrBadMessage)
	}

	numSlots := 2 * w.config.Helpers
	maxMsg := int(params.MaxMessageSize)

	ep := &epoch{
		w:  w,
		sk: sk,
		free: bufqueue.NewFilled(numSlots, func(int) *workSlot {
			return &workSlot{
				in:      make([]byte, maxMsg),
				out:     make([]byte, 0, maxMsg),
				scratch: sk.NewSupernode(),
			}
		}),
		ready:   bufqueue.New[*workSlot](numSlots),
		tasks:   make(chan *bufqueue.Slot[*workSlot], w.config.Helpers),
		errChan: make(chan error, 1),
	}

	epochCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	var wg sync.WaitGroup
	wg.Add(w.config.Helpers + 1)
	for i := 0; i < w.config.Helpers; i++ {
		go func() {
			defer wg.Done()
			ep.helper(epochCtx, cancelFn)
		}()
	}
	go func() {
		defer wg.Done()
		ep.sender(epochCtx, cancelFn)
	}()

	shutdown, err := ep.receive(epochCtx)

	close(ep.tasks)
	cancelFn()
	wg.Wait()

	// A helper or sender failure cancels the epoch context, which surfaces
	// as a context error in the receive loop.
	select {
	case hErr := <-ep.errChan:
		return false, hErr
	default:
	}

	return shutdown, err
}

// receive is the main loop of an epoch.
func (ep *epoch) receive(ctx context.Context) (bool, error) {
	transport := ep.w.config.Transport

	for {
		slot, err := ep.free.Pop(ctx)
		if err != nil {
			return false, err
		}

		env, err := transport.Recv(ctx, cluster.AnySource, cluster.AnyCode, slot.Data.in)
		if err != nil {
			return false, err
		}

		if env.Code == cluster.CodeBatch {
			slot.Data.payload = env.Payload
			select {
			case ep.tasks <- slot:
			case <-ctx.Done():
				return false, ctx.Err()
			}

			continue
		}

		ep.free.Push(slot)

		switch env.Code {
		case cluster.CodeFlush:
			if err := ep.drain(ctx); err != nil {
				return false, err
			}

			lane := env.Source - 1
			if lane < 0 || lane >= ep.w.config.Topology.Forwarders() {
				return false, cluster.BadMessage(env, "flush from a rank that is not a batch forwarder")
			}

			if err := transport.Send(ctx, ep.w.config.Topology.DeltaForwarderRank(lane), cluster.CodeFlush, nil); err != nil {
				return false, err
			}

		case cluster.CodeStop:
			if err := ep.drain(ctx); err != nil {
				return false, err
			}

			processed := ep.w.processed.Get()
			reply := cluster.AppendStopReply(make([]byte, 0, cluster.StopReplySize), processed)
			if err := transport.Send(ctx, cluster.LeaderRank, cluster.CodeStop, reply); err != nil {
				return false, err
			}

			ep.w.config.Logger.WithFields(logrus.Fields{
				"rank":              transport.Rank(),
				"processed_updates": processed,
				"processed_batches": ep.w.batches.Get(),
			}).Info("epoch stopped")

			ep.w.processed.Set(0)
			ep.w.batches.Set(0)

			return false, nil

		case cluster.CodeShutdown:
			return true, ep.drain(ctx)

		default:
			return false, cluster.BadMessage(env, "unexpected code")
		}
	}
}

// drain waits until every slot is back in the free queue, i.e. until all
// received batches have been computed and their deltas sent.
func (ep *epoch) drain(ctx context.Context) error {
	held := make([]*bufqueue.Slot[*workSlot], 0, ep.free.Cap())
	defer func() {
		for _, s := range held {
			ep.free.Push(s)
		}
	}()

	for len(held) < ep.free.Cap() {
		s, err := ep.free.Pop(ctx)
		if err != nil {
			return err
		}
		held = append(held, s)
	}

	return nil
}

func (ep *epoch) helper(ctx context.Context, cancelFn context.CancelFunc) {
	for slot := range ep.tasks {
		if err := ep.compute(slot.Data); err != nil {
			tryToEmitErr(ep.errChan, err)
			cancelFn()

			return
		}

		ep.ready.Push(slot)
	}
}

// compute parses the batches of a slot and writes their framed deltas to
// the slot's output buffer.
func (ep *epoch) compute(s *workSlot) error {
	lane, batches, err := cluster.ParseBatches(s.payload, s.batches)
	s.batches = batches
	if err != nil {
		return err
	}

	if int(lane) >= ep.w.config.Topology.Forwarders() {
		return fmt.Errorf("batch from lane %d: %w", lane, cluster.ErrBadMessage)
	}

	s.lane = int(lane)
	s.updates = 0
	s.out = s.out[:0]
	for _, b := range batches {
		s.out = cluster.AppendDelta(s.out, b.Vertex, nil)
		if s.out, err = ep.sk.GenerateDelta(b.Vertex, b.Neighbors, s.scratch, s.out); err != nil {
			return fmt.Errorf("batch for vertex %d: %v: %w", b.Vertex, err, cluster.ErrBadMessage)
		}
		s.updates += len(b.Neighbors)
	}

	return nil
}

// sender returns computed deltas to the delta forwarder of their lane. The
// send is synchronous so the slot can be reused as soon as it returns.
func (ep *epoch) sender(ctx context.Context, cancelFn context.CancelFunc) {
	transport := ep.w.config.Transport

	for {
		slot, err := ep.ready.Pop(ctx)
		if err != nil {
			return
		}

		if len(slot.Data.out) != 0 {
			dest := ep.w.config.Topology.DeltaForwarderRank(slot.Data.lane)
			req, err := transport.SendAsync(dest, cluster.CodeDelta, slot.Data.out)
			if err == nil {
				err = req.Wait(ctx)
			}

			if err != nil {
				tryToEmitErr(ep.errChan, fmt.Errorf("sending deltas to %d: %w", dest, err))
				cancelFn()

				return
			}
		}

		ep.w.processed.Aggregate(uint64(slot.Data.updates))
		ep.w.batches.Aggregate(uint64(len(slot.Data.batches)))
		ep.free.Push(slot)
	}
}

func tryToEmitErr(errChan chan<- error, err error) {
	select {
	// Try to enqueue an error.
	case errChan <- err:
	// Error channel already contains another error that has not been read yet.
	default:
	}
}
