/*
	distributor runs the leader side of the update pipeline. Each lane pulls
	batch sets from the ingestion queue and either folds them into the
	sketches directly or ships them to the workers owned by the lane's
	forwarder pair; deltas coming back are merged into the authoritative
	sketches.

	Pause drains the pipeline so that the sketches can be queried; Resume
	restarts it. Both are driven by a per-instance barrier state machine.
*/

package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/aggregator"
	"github.com/mycok/uSketch/bufqueue"
	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/internal/telemetry"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// current state of the pipeline, e.g. Resume without a Pause.
	ErrInvalidState = errors.New("invalid pipeline state")

	// ErrNotRunning is returned by operations that need a started epoch.
	ErrNotRunning = errors.New("distributor is not running")
)

// Distributor coordinates the lanes of the leader.
type Distributor struct {
	config     Config
	controller *cluster.Controller
	barrier    *barrier

	// Serializes Start, Stop, Pause and Resume.
	opMu sync.Mutex

	mu        sync.Mutex
	lanes     []*lane
	laneErr   error
	epochID   uuid.UUID
	startedAt time.Time

	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	reporter *statusReporter

	processedLocally aggregator.Counter
	dispatched       aggregator.Counter
}

// New creates a distributor. No epoch runs until Start is called.
func New(config Config) (*Distributor, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("distributor: config validation failed: %w", err)
	}

	return &Distributor{
		config:     config,
		controller: cluster.NewController(config.Transport, config.Topology, config.Logger),
		barrier:    newBarrier(),
	}, nil
}

// Start opens an epoch: the cluster is initialized, the ingestion queue is
// switched to blocking mode and one lane per forwarder pair starts
// dispatching.
func (d *Distributor) Start(ctx context.Context, params cluster.InitParams) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if state, _ := d.barrier.current(); state != StateStopped {
		return fmt.Errorf("start while %s: %w", state, ErrInvalidState)
	}

	sk := d.config.Store.Sketcher()
	if params.NumNodes != sk.Params().NumNodes || params.Seed != sk.Params().Seed {
		return fmt.Errorf("init parameters do not match the sketch store")
	}

	if params.MaxMessageSize == 0 {
		return fmt.Errorf("invalid max message size")
	}

	if l, ok := d.config.Transport.(cluster.PayloadLimiter); ok && int(params.MaxMessageSize) > l.MaxPayloadSize() {
		return fmt.Errorf("max message size of %d bytes exceeds the transport limit of %d bytes: %w",
			params.MaxMessageSize, l.MaxPayloadSize(), cluster.ErrPayloadTooLarge)
	}

	if err := d.controller.Start(ctx, params); err != nil {
		return err
	}

	d.config.Queue.SetNonBlocking(false)

	numLanes := d.config.Topology.Lanes()
	lanes := make([]*lane, numLanes)
	for i := range lanes {
		lanes[i] = d.newLane(i, int(params.MaxMessageSize))
	}

	laneCtx, cancelFn := context.WithCancel(context.Background())

	d.mu.Lock()
	d.lanes = lanes
	d.laneErr = nil
	d.epochID = uuid.New()
	d.startedAt = d.config.Clock.Now()
	d.cancelFn = cancelFn
	d.mu.Unlock()

	d.processedLocally.Set(0)
	d.dispatched.Set(0)
	d.barrier.reset(numLanes)

	for _, l := range lanes {
		d.wg.Add(2)
		go d.runLoop(laneCtx, l, "send", l.sendLoop)
		go d.runLoop(laneCtx, l, "receive", l.receiveLoop)
	}

	d.reporter = newStatusReporter(d)
	d.reporter.start()

	d.logger().WithField("lanes", numLanes).Info("started work distributor")

	return nil
}

func (d *Distributor) newLane(id, maxMsg int) *lane {
	sk := d.config.Store.Sketcher()

	return &lane{
		id:        id,
		bfRank:    d.config.Topology.BatchForwarderRank(id),
		dfRank:    d.config.Topology.DeltaForwarderRank(id),
		maxMsg:    maxMsg,
		queue:     d.config.Queue,
		store:     d.config.Store,
		barrier:   d.barrier,
		cutoff:    d.config.LocalCutoff,
		updates:   new(aggregator.Counter),
		local:     &d.processedLocally,
		total:     &d.dispatched,
		transport: d.config.Transport,
		slots: bufqueue.NewFilled(d.config.SendSlots, func(int) *sendBuffer {
			return &sendBuffer{buf: make([]byte, 0, maxMsg)}
		}),
		recvBuf:  make([]byte, maxMsg),
		scratch:  sk.NewSupernode(),
		deltaBuf: make([]byte, 0, sk.DeltaSize()),
	}
}

func (d *Distributor) runLoop(ctx context.Context, l *lane, name string, loop func(context.Context) error) {
	defer d.wg.Done()

	err := loop(ctx)
	if err == nil || (errors.Is(err, context.Canceled) && d.barrier.failure() != nil) {
		return
	}

	err = fmt.Errorf("lane %d %s loop: %w", l.id, name, err)
	d.logger().WithField("err", err).Error("lane failed")

	d.mu.Lock()
	d.laneErr = multierror.Append(d.laneErr, err)
	cancelFn := d.cancelFn
	d.mu.Unlock()

	d.barrier.fail(err)
	cancelFn()
}

// Pause drains the pipeline. When it returns without error every batch set
// pulled so far has been applied to the sketches and every lane is parked.
//
// If ctx expires while lanes are draining, the lanes that already sent
// their Flush still expect it back. Pause then completes the drain, resumes
// the pipeline and returns the context error, so a cancelled Pause leaves
// the pipeline running.
func (d *Distributor) Pause(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	if err := d.barrier.transition(StatePausing, StateRunning); err != nil {
		return err
	}

	startedAt := d.config.Clock.Now()
	d.config.Queue.SetNonBlocking(true)

	if err := d.awaitLanes(ctx, true); err != nil {
		if d.barrier.failure() != nil {
			return fmt.Errorf("pause: %w", err)
		}

		return d.abortPause(ctx, err)
	}

	if err := d.barrier.transition(StatePaused, StatePausing); err != nil {
		return err
	}

	telemetry.BarrierDuration.WithLabelValues("pause").Observe(d.config.Clock.Now().Sub(startedAt).Seconds())
	d.logger().Debug("paused work distributor")

	return nil
}

func (d *Distributor) abortPause(ctx context.Context, cause error) error {
	err := fmt.Errorf("pause: %w", cause)
	d.logger().WithField("err", cause).Warn("pause aborted, resuming work distributor")

	ctx = context.WithoutCancel(ctx)
	if dErr := d.awaitLanes(ctx, true); dErr != nil {
		return multierror.Append(err, dErr)
	}

	if tErr := d.barrier.transition(StatePaused, StatePausing); tErr != nil {
		return multierror.Append(err, tErr)
	}

	if rErr := d.resume(ctx); rErr != nil {
		return multierror.Append(err, rErr)
	}

	return err
}

// Resume restarts a paused pipeline and waits until every lane runs again.
// Lanes are released even when ctx is already done, so Resume can always
// be used to clean up after a failed query.
func (d *Distributor) Resume(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if state, _ := d.barrier.current(); state != StatePaused {
		return fmt.Errorf("resume while %s: %w", state, ErrInvalidState)
	}

	return d.resume(context.WithoutCancel(ctx))
}

func (d *Distributor) resume(ctx context.Context) error {
	startedAt := d.config.Clock.Now()
	d.config.Queue.SetNonBlocking(false)

	if err := d.barrier.transition(StateRunning, StatePaused); err != nil {
		return err
	}

	if err := d.awaitLanes(ctx, false); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	telemetry.BarrierDuration.WithLabelValues("resume").Observe(d.config.Clock.Now().Sub(startedAt).Seconds())
	d.logger().Debug("resumed work distributor")

	return nil
}

// awaitLanes waits until every lane reports the wanted paused flag. Lane
// changes wake the wait immediately; the poll interval only bounds it.
func (d *Distributor) awaitLanes(ctx context.Context, paused bool) error {
	for {
		done, notify, err := d.barrier.check(paused)
		if err != nil || done {
			return err
		}

		select {
		case <-notify:
		case <-d.config.Clock.After(d.config.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop drains the pipeline, joins the lanes and closes the epoch on every
// rank. It returns the number of updates processed during the epoch, by the
// workers and by the leader itself.
//
// If ctx expires before the lanes have drained, the lanes are cancelled and
// the epoch is left open on the other ranks; the distributor still ends up
// stopped and the context error is returned.
func (d *Distributor) Stop(ctx context.Context) (uint64, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.barrier.transition(StateShuttingDown, StateRunning, StatePausing, StatePaused); err != nil {
		return 0, fmt.Errorf("stop: %w", ErrNotRunning)
	}

	d.config.Queue.SetNonBlocking(true)

	joined := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(joined)
	}()

	var abortErr error
	select {
	case <-joined:
	case <-ctx.Done():
		abortErr = fmt.Errorf("stop: %w", ctx.Err())
		d.barrier.fail(abortErr)

		d.mu.Lock()
		d.cancelFn()
		d.mu.Unlock()

		<-joined
	}

	d.reporter.stop()

	d.mu.Lock()
	err := d.laneErr
	d.cancelFn()
	d.mu.Unlock()

	if abortErr != nil {
		err = multierror.Append(err, abortErr)
	}

	var remote uint64
	if err == nil {
		var stopErr error
		if remote, stopErr = d.controller.Stop(ctx); stopErr != nil {
			err = multierror.Append(err, stopErr)
		}
	}

	local := d.processedLocally.Get()
	total := remote + local

	_ = d.barrier.transition(StateStopped, StateShuttingDown)
	d.config.Queue.SetNonBlocking(false)

	d.logger().WithFields(logrus.Fields{
		"processed_remotely": remote,
		"processed_locally":  local,
	}).Info("stopped work distributor")

	return total, err
}

// Shutdown tells every other rank to exit. The distributor must be stopped.
func (d *Distributor) Shutdown(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if state, _ := d.barrier.current(); state != StateStopped {
		return fmt.Errorf("shutdown while %s: %w", state, ErrInvalidState)
	}

	return d.controller.Shutdown(ctx)
}

// State returns the state of the pipeline.
func (d *Distributor) State() State {
	state, _ := d.barrier.current()

	return state
}

// Status returns a snapshot of every lane of the current epoch.
func (d *Distributor) Status() []LaneStatus {
	d.mu.Lock()
	lanes := d.lanes
	d.mu.Unlock()

	out := make([]LaneStatus, len(lanes))
	for i, l := range lanes {
		out[i] = l.status()
	}

	return out
}

// ProcessedLocally returns the number of updates the leader applied itself
// during the current epoch.
func (d *Distributor) ProcessedLocally() uint64 { return d.processedLocally.Get() }

func (d *Distributor) logger() *logrus.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.config.Logger.WithField("epoch", d.epochID.String())
}
