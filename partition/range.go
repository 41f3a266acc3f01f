package partition

// OwnedRange returns the [min, max) range of zero-based worker indices that
// the forwarder with the given one-based index is responsible for, when
// numOfWorkers workers are split across numOfForwarders forwarders.
//
// Workers are split in contiguous, ceil-rounded chunks. When there are fewer
// workers than forwarders, forwarder i owns worker i-1 if it exists and
// nothing otherwise, so that every worker has exactly one owner and surplus
// forwarders sit idle.
func OwnedRange(forwarder, numOfForwarders, numOfWorkers int) (int, int) {
	if forwarder < 1 || forwarder > numOfForwarders || numOfWorkers <= 0 {
		return 0, 0
	}

	if numOfWorkers < numOfForwarders {
		if forwarder-1 < numOfWorkers {
			return forwarder - 1, forwarder
		}

		return forwarder - 1, forwarder - 1
	}

	return ceilDiv((forwarder-1)*numOfWorkers, numOfForwarders),
		ceilDiv(forwarder*numOfWorkers, numOfForwarders)
}

// Owner returns the one-based index of the forwarder that owns the
// zero-based worker index, or 0 if the worker index is out of range.
func Owner(worker, numOfForwarders, numOfWorkers int) int {
	for f := 1; f <= numOfForwarders; f++ {
		if min, max := OwnedRange(f, numOfForwarders, numOfWorkers); worker >= min && worker < max {
			return f
		}
	}

	return 0
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
