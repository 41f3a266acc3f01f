package distributor

import (
	"context"
	"fmt"
	"sync"
)

// State is the state of the update pipeline.
type State uint8

// The pipeline states.
const (
	// StateRunning means lanes are dispatching batches.
	StateRunning State = iota

	// StatePausing means a Pause is draining the pipeline.
	StatePausing

	// StatePaused means every lane has drained and the sketches are
	// quiescent.
	StatePaused

	// StateShuttingDown means Stop is draining the pipeline and lanes exit
	// once drained.
	StateShuttingDown

	// StateStopped means no epoch is running.
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// barrier is the state machine shared by the lanes of one distributor.
// Every change is broadcast by closing and replacing notify.
type barrier struct {
	mu     sync.Mutex
	state  State
	gen    uint64
	paused []bool
	err    error
	notify chan struct{}
}

func newBarrier() *barrier {
	return &barrier{state: StateStopped, notify: make(chan struct{})}
}

// reset prepares the barrier for a new epoch with the given lane count.
func (b *barrier) reset(lanes int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateRunning
	b.gen++
	b.paused = make([]bool, lanes)
	b.err = nil
	b.broadcast()
}

// broadcast must be called with the lock held.
func (b *barrier) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *barrier) current() (State, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state, b.gen
}

// transition moves the barrier from one of the from states to next.
func (b *barrier) transition(next State, from ...State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range from {
		if b.state == s {
			b.state = next
			if next == StateRunning {
				b.gen++
			}
			b.broadcast()

			return nil
		}
	}

	return fmt.Errorf("cannot move to %s while %s: %w", next, b.state, ErrInvalidState)
}

func (b *barrier) setLanePaused(lane int, paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paused[lane] = paused
	b.broadcast()
}

// fail records the first lane failure and wakes every waiter.
func (b *barrier) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}
	b.broadcast()
}

func (b *barrier) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

// check reports whether every lane's paused flag equals want. It also
// returns the channel that is closed on the next change.
func (b *barrier) check(want bool) (bool, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return false, nil, b.err
	}

	for _, p := range b.paused {
		if p != want {
			return false, b.notify, nil
		}
	}

	return true, b.notify, nil
}

// waitResumed blocks a lane until the pipeline leaves the pause of
// generation gen or starts shutting down, and returns the new state.
func (b *barrier) waitResumed(ctx context.Context, gen uint64) (State, error) {
	for {
		b.mu.Lock()
		state, curr, notify := b.state, b.gen, b.notify
		b.mu.Unlock()

		if state == StateShuttingDown || curr != gen {
			return state, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
