/*
	forwarder implements the relay tier between the leader's lanes and the
	worker pool. A batch forwarder fans batches out to the workers it owns;
	a delta forwarder funnels their deltas back to the leader and merges
	their Flush acknowledgements into one.
*/

package forwarder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/bufqueue"
	"github.com/mycok/uSketch/cluster"
)

// BatchForwarder relays batches from one leader lane to the workers owned
// by that lane.
type BatchForwarder struct {
	config Config
}

// NewBatchForwarder creates a batch forwarder.
func NewBatchForwarder(config Config) (*BatchForwarder, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("batch forwarder: config validation failed: %w", err)
	}

	return &BatchForwarder{config: config}, nil
}

// Name returns the name of the service.
func (f *BatchForwarder) Name() string { return "batch-forwarder" }

// Run serves epochs until the leader sends Shutdown, ctx expires or a
// protocol violation occurs.
func (f *BatchForwarder) Run(ctx context.Context) error {
	logger := f.config.Logger.WithField("rank", f.config.Transport.Rank())
	logger.Info("started service")
	defer logger.Info("stopped service")

	for {
		ep, err := awaitEpoch(ctx, f.config.Transport, cluster.RoleBatchForwarder)
		if err != nil {
			return err
		}

		if ep == nil {
			return nil
		}

		epochLogger := logger.WithFields(logrus.Fields{
			"lane":    ep.lane,
			"workers": len(ep.owned),
		})
		epochLogger.Info("starting epoch")

		shutdown, err := f.serve(ctx, ep)
		if err != nil {
			return err
		}

		if shutdown {
			return nil
		}

		epochLogger.Info("epoch stopped")
	}
}

// sendSlot is a receive buffer bound to one owned worker, together with
// the asynchronous send that still references the buffer.
type sendSlot struct {
	buf    []byte
	worker int
	req    *cluster.Request
}

// serve relays messages for one epoch. Slots are used in FIFO order, which
// round-robins batches across the owned workers and bounds the number of
// in-flight sends to one per worker.
func (f *BatchForwarder) serve(ctx context.Context, ep *epoch) (bool, error) {
	transport := f.config.Transport

	slots := bufqueue.NewFilled(len(ep.owned), func(id int) *sendSlot {
		return &sendSlot{buf: make([]byte, ep.maxMsg), worker: ep.owned[id]}
	})
	ctrlBuf := make([]byte, 0)

	waitAll := func() error {
		for i := 0; i < slots.Len(); i++ {
			s, _ := slots.TryPop()
			err := s.Data.wait(ctx)
			slots.Push(s)

			if err != nil {
				return err
			}
		}

		return nil
	}

	for {
		buf := ctrlBuf
		slot, ok := slots.TryPop()
		if ok {
			if err := slot.Data.wait(ctx); err != nil {
				return false, err
			}
			buf = slot.Data.buf
		}

		env, err := transport.Recv(ctx, cluster.AnySource, cluster.AnyCode, buf)
		if err != nil {
			return false, err
		}

		if env.Code != cluster.CodeBatch && slot != nil {
			slots.Push(slot)
		}

		switch env.Code {
		case cluster.CodeBatch:
			if slot == nil {
				return false, cluster.BadMessage(env, "no workers to forward to")
			}

			req, err := transport.SendAsync(slot.Data.worker, cluster.CodeBatch, env.Payload)
			if err != nil {
				return false, err
			}
			slot.Data.req = req
			slots.Push(slot)

		case cluster.CodeFlush:
			for _, w := range ep.owned {
				if err := transport.Send(ctx, w, cluster.CodeFlush, nil); err != nil {
					return false, err
				}
			}

		case cluster.CodeStop, cluster.CodeShutdown:
			if err := waitAll(); err != nil {
				return false, err
			}

			return env.Code == cluster.CodeShutdown, nil

		default:
			return false, cluster.BadMessage(env, "unexpected code")
		}
	}
}

func (s *sendSlot) wait(ctx context.Context) error {
	if s.req == nil {
		return nil
	}

	err := s.req.Wait(ctx)
	s.req = nil

	return err
}
