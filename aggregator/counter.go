// Package aggregator provides concurrent-safe counters that can be sampled
// both for their running total and for the change since the last sample.
package aggregator

import "sync/atomic"

// Counter is a concurrent-safe uint64 accumulator. The zero value is ready
// to use.
type Counter struct {
	prevSum atomic.Uint64
	currSum atomic.Uint64
}

// Get retrieves the current counter value.
func (a *Counter) Get() uint64 {
	return a.currSum.Load()
}

// Set the counter's fields to the specified value.
func (a *Counter) Set(value uint64) {
	for {
		oldCurrSum := a.currSum.Load()
		oldPrevSum := a.prevSum.Load()

		swappedCurrSum := a.currSum.CompareAndSwap(oldCurrSum, value)
		swappedPrevSum := a.prevSum.CompareAndSwap(oldPrevSum, value)

		if swappedCurrSum && swappedPrevSum {
			return
		}
	}
}

// Aggregate adds val to the counter's current sum.
func (a *Counter) Aggregate(val uint64) {
	a.currSum.Add(val)
}

// Delta returns the change in the counter's value since the last call to
// Delta or Set.
func (a *Counter) Delta() uint64 {
	for {
		currSum := a.currSum.Load()
		prevSum := a.prevSum.Load()

		// Copy currSum into prevSum and, if nobody raced us, return the
		// difference.
		if a.prevSum.CompareAndSwap(prevSum, currSum) {
			return currSum - prevSum
		}
	}
}

// Rate tracks the highest interval rate observed by a periodic sampler.
type Rate struct {
	max atomic.Uint64
}

// Observe records an interval rate and returns the maximum seen so far.
func (r *Rate) Observe(perSecond uint64) uint64 {
	for {
		curr := r.max.Load()
		if perSecond <= curr {
			return curr
		}

		if r.max.CompareAndSwap(curr, perSecond) {
			return perSecond
		}
	}
}

// Max returns the highest rate observed so far.
func (r *Rate) Max() uint64 { return r.max.Load() }
