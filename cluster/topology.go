package cluster

import (
	"fmt"

	"github.com/mycok/uSketch/partition"
)

// DefaultMaxForwarders is the forwarder fan-out used when none is
// configured.
const DefaultMaxForwarders = 10

// Role is the part a process plays in the cluster.
type Role uint8

// The supported roles.
const (
	RoleLeader Role = iota
	RoleBatchForwarder
	RoleDeltaForwarder
	RoleWorker
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleBatchForwarder:
		return "batch-forwarder"
	case RoleDeltaForwarder:
		return "delta-forwarder"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Topology maps ranks to roles. Rank 0 is the leader, the next F ranks are
// batch forwarders, the next F ranks delta forwarders and the remaining W
// ranks are workers. Batch forwarder i and delta forwarder i form lane i.
type Topology struct {
	forwarders int
	workers    int
}

// NewTopology derives the topology of a cluster of total processes with a
// forwarder fan-out of at most maxForwarders.
func NewTopology(total, maxForwarders int) (Topology, error) {
	if maxForwarders <= 0 {
		maxForwarders = DefaultMaxForwarders
	}

	f := (total - 2) / 2
	if f > maxForwarders {
		f = maxForwarders
	}

	if f < 1 || total < 2*f+2 {
		return Topology{}, fmt.Errorf("topology: %d processes are not enough for a leader, a forwarder pair and a worker", total)
	}

	return Topology{forwarders: f, workers: total - 2*f - 1}, nil
}

// TopologyFromCounts rebuilds a topology from its forwarder and worker
// counts, as carried by a forwarder Init.
func TopologyFromCounts(forwarders, workers int) (Topology, error) {
	if forwarders < 1 || workers < 1 {
		return Topology{}, fmt.Errorf("topology: need at least one forwarder and one worker, got %d and %d", forwarders, workers)
	}

	return Topology{forwarders: forwarders, workers: workers}, nil
}

// Size returns the total number of processes.
func (t Topology) Size() int { return 2*t.forwarders + 1 + t.workers }

// Forwarders returns the number of forwarder pairs.
func (t Topology) Forwarders() int { return t.forwarders }

// Workers returns the number of workers.
func (t Topology) Workers() int { return t.workers }

// Lanes returns the number of forwarder pairs that own at least one worker.
func (t Topology) Lanes() int {
	if t.workers < t.forwarders {
		return t.workers
	}

	return t.forwarders
}

// RoleOf returns the role of rank and its zero-based index within the role.
// Forwarders are indexed by lane.
func (t Topology) RoleOf(rank int) (Role, int, error) {
	switch {
	case rank == LeaderRank:
		return RoleLeader, 0, nil
	case rank >= 1 && rank <= t.forwarders:
		return RoleBatchForwarder, rank - 1, nil
	case rank > t.forwarders && rank <= 2*t.forwarders:
		return RoleDeltaForwarder, rank - t.forwarders - 1, nil
	case rank > 2*t.forwarders && rank < t.Size():
		return RoleWorker, rank - 2*t.forwarders - 1, nil
	default:
		return 0, 0, fmt.Errorf("topology: rank %d: %w", rank, ErrUnknownRank)
	}
}

// BatchForwarderRank returns the rank of the batch forwarder of a lane.
func (t Topology) BatchForwarderRank(lane int) int { return 1 + lane }

// DeltaForwarderRank returns the rank of the delta forwarder of a lane.
func (t Topology) DeltaForwarderRank(lane int) int { return 1 + t.forwarders + lane }

// WorkerRank returns the rank of the zero-based worker index.
func (t Topology) WorkerRank(worker int) int { return 2*t.forwarders + 1 + worker }

// OwnedWorkers returns the ranks of the workers owned by a lane.
func (t Topology) OwnedWorkers(lane int) []int {
	min, max := partition.OwnedRange(lane+1, t.forwarders, t.workers)

	ranks := make([]int, 0, max-min)
	for w := min; w < max; w++ {
		ranks = append(ranks, t.WorkerRank(w))
	}

	return ranks
}

// OwnerOf returns the lane that owns the worker with the given rank, or -1.
func (t Topology) OwnerOf(workerRank int) int {
	return partition.Owner(workerRank-2*t.forwarders-1, t.forwarders, t.workers) - 1
}
