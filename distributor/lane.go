package distributor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mycok/uSketch/aggregator"
	"github.com/mycok/uSketch/bufqueue"
	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/graph"
	"github.com/mycok/uSketch/ingest"
	"github.com/mycok/uSketch/sketch"
)

// LaneState describes what a lane is currently doing.
type LaneState uint32

// The lane states reported by Status.
const (
	LaneQueueWait LaneState = iota
	LaneSending
	LaneProcessing
	LaneApplyingDelta
	LanePaused

	numLaneStates
)

var laneStateNames = [...]string{"queue-wait", "sending", "processing", "applying-delta", "paused"}

// String implements fmt.Stringer.
func (s LaneState) String() string {
	if s < numLaneStates {
		return laneStateNames[s]
	}

	return fmt.Sprintf("LaneState(%d)", uint32(s))
}

// LaneStatus is a snapshot of one lane.
type LaneStatus struct {
	Lane    int
	Updates uint64
	State   LaneState
}

type sendBuffer struct {
	buf []byte
	req *cluster.Request
}

// lane pairs a send loop, which pulls batch sets and dispatches them to the
// lane's batch forwarder, with a receive loop, which applies the deltas
// coming back from the lane's delta forwarder.
type lane struct {
	id     int
	bfRank int
	dfRank int
	maxMsg int

	queue   ingest.Queue
	store   *sketch.Store
	barrier *barrier
	cutoff  int

	// Updates dispatched by this lane during the epoch and, among them, the
	// ones applied without a worker.
	updates *aggregator.Counter
	local   *aggregator.Counter
	total   *aggregator.Counter

	transport cluster.Transport
	slots     *bufqueue.Queue[*sendBuffer]
	recvBuf   []byte
	scratch   *sketch.Supernode
	deltaBuf  []byte

	state atomic.Uint32
}

func (l *lane) setState(s LaneState) { l.state.Store(uint32(s)) }

func (l *lane) status() LaneStatus {
	return LaneStatus{Lane: l.id, Updates: l.updates.Get(), State: LaneState(l.state.Load())}
}

// sendLoop runs until the pipeline shuts down. Whenever the ingestion queue
// runs dry because a pause or a shutdown was requested, the lane sends a
// Flush through its forwarders.
func (l *lane) sendLoop(ctx context.Context) error {
	for {
		l.setState(LaneQueueWait)
		set, ok := l.queue.Pull()
		if ok {
			if err := l.dispatch(ctx, set); err != nil {
				return err
			}

			continue
		}

		state, gen := l.barrier.current()
		if state != StatePausing && state != StatePaused && state != StateShuttingDown {
			// Non-blocking mode outlived the last barrier.
			continue
		}

		if err := l.transport.Send(ctx, l.bfRank, cluster.CodeFlush, nil); err != nil {
			return err
		}

		if state == StateShuttingDown {
			return l.waitSends(ctx)
		}

		if _, err := l.barrier.waitResumed(ctx, gen); err != nil {
			return err
		}
	}
}

func (l *lane) dispatch(ctx context.Context, set *ingest.BatchSet) error {
	nonEmpty := set.NonEmpty()
	if nonEmpty == 0 {
		l.queue.Complete(set)

		return nil
	}

	updates := set.Updates()
	if l.cutoff > 0 && updates < l.cutoff*nonEmpty {
		return l.processLocally(set, updates)
	}

	l.setState(LaneSending)
	slot, err := l.slots.Pop(ctx)
	if err != nil {
		return err
	}

	if err := waitSlot(ctx, slot.Data); err != nil {
		return err
	}

	slot.Data.buf = cluster.AppendBatches(slot.Data.buf[:0], uint32(l.id), set.Batches)
	l.queue.Complete(set)

	if len(slot.Data.buf) > l.maxMsg {
		l.slots.Push(slot)

		return fmt.Errorf("lane %d: batch message of %d bytes exceeds the maximum of %d: %w", l.id, len(slot.Data.buf), l.maxMsg, cluster.ErrBadMessage)
	}

	req, err := l.transport.SendAsync(l.bfRank, cluster.CodeBatch, slot.Data.buf)
	if err != nil {
		l.slots.Push(slot)

		return err
	}

	slot.Data.req = req
	l.slots.Push(slot)
	l.count(updates)

	return nil
}

func (l *lane) processLocally(set *ingest.BatchSet, updates int) error {
	l.setState(LaneProcessing)

	sk := l.store.Sketcher()
	for _, b := range set.Batches {
		if len(b.Neighbors) == 0 {
			continue
		}

		var err error
		if l.deltaBuf, err = sk.GenerateDelta(b.Vertex, b.Neighbors, l.scratch, l.deltaBuf[:0]); err != nil {
			return fmt.Errorf("lane %d: %w", l.id, err)
		}

		if err = l.store.ApplyDelta(b.Vertex, l.deltaBuf); err != nil {
			return fmt.Errorf("lane %d: %w", l.id, err)
		}
	}

	l.queue.Complete(set)
	l.count(updates)
	l.local.Aggregate(uint64(updates))

	return nil
}

func (l *lane) count(updates int) {
	l.updates.Aggregate(uint64(updates))
	l.total.Aggregate(uint64(updates))
}

// waitSends waits until every batch message of the lane was picked up.
func (l *lane) waitSends(ctx context.Context) error {
	for i, n := 0, l.slots.Len(); i < n; i++ {
		slot, _ := l.slots.TryPop()
		err := waitSlot(ctx, slot.Data)
		l.slots.Push(slot)

		if err != nil {
			return err
		}
	}

	return nil
}

func waitSlot(ctx context.Context, s *sendBuffer) error {
	if s.req == nil {
		return nil
	}

	err := s.req.Wait(ctx)
	s.req = nil

	return err
}

// receiveLoop applies deltas until the Flush that ends the epoch. A Flush
// received while pausing parks the loop until the pipeline resumes.
func (l *lane) receiveLoop(ctx context.Context) error {
	deltaSize := l.store.Sketcher().DeltaSize()
	apply := func(v graph.VertexID, data []byte) error {
		return l.store.ApplyDelta(v, data)
	}

	for {
		env, err := l.transport.Recv(ctx, l.dfRank, cluster.Codes(cluster.CodeDelta, cluster.CodeFlush), l.recvBuf)
		if err != nil {
			return err
		}

		if env.Code == cluster.CodeDelta {
			l.setState(LaneApplyingDelta)
			if err := cluster.ParseDeltas(env.Payload, deltaSize, apply); err != nil {
				return fmt.Errorf("lane %d: %w", l.id, err)
			}

			continue
		}

		state, gen := l.barrier.current()
		switch state {
		case StateShuttingDown:
			return nil
		case StatePausing:
		default:
			return cluster.BadMessage(env, fmt.Sprintf("flush while %s", state))
		}

		l.setState(LanePaused)
		l.barrier.setLanePaused(l.id, true)
		if _, err := l.barrier.waitResumed(ctx, gen); err != nil {
			return err
		}
		l.barrier.setLanePaused(l.id, false)
		l.setState(LaneQueueWait)
	}
}
