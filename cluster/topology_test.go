package cluster

import (
	"errors"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(new(TopologyTestSuite))

type TopologyTestSuite struct{}

func (s *TopologyTestSuite) TestRanks(c *check.C) {
	topo, err := NewTopology(12, 3)
	c.Assert(err, check.IsNil)
	c.Assert(topo.Forwarders(), check.Equals, 3)
	c.Assert(topo.Workers(), check.Equals, 5)
	c.Assert(topo.Size(), check.Equals, 12)
	c.Assert(topo.Lanes(), check.Equals, 3)

	specs := []struct {
		rank  int
		role  Role
		index int
	}{
		{0, RoleLeader, 0},
		{1, RoleBatchForwarder, 0},
		{3, RoleBatchForwarder, 2},
		{4, RoleDeltaForwarder, 0},
		{6, RoleDeltaForwarder, 2},
		{7, RoleWorker, 0},
		{11, RoleWorker, 4},
	}

	for i, spec := range specs {
		c.Logf("spec %d: rank %d", i, spec.rank)
		role, index, err := topo.RoleOf(spec.rank)
		c.Assert(err, check.IsNil)
		c.Assert(role, check.Equals, spec.role)
		c.Assert(index, check.Equals, spec.index)
	}

	_, _, err = topo.RoleOf(12)
	c.Assert(errors.Is(err, ErrUnknownRank), check.Equals, true)

	c.Assert(topo.BatchForwarderRank(2), check.Equals, 3)
	c.Assert(topo.DeltaForwarderRank(2), check.Equals, 6)
	c.Assert(topo.WorkerRank(0), check.Equals, 7)
}

func (s *TopologyTestSuite) TestForwarderCountIsBoundedBySize(c *check.C) {
	topo, err := NewTopology(5, 10)
	c.Assert(err, check.IsNil)
	c.Assert(topo.Forwarders(), check.Equals, 1)
	c.Assert(topo.Workers(), check.Equals, 2)

	topo, err = NewTopology(100, 0)
	c.Assert(err, check.IsNil)
	c.Assert(topo.Forwarders(), check.Equals, DefaultMaxForwarders)
	c.Assert(topo.Workers(), check.Equals, 79)

	_, err = NewTopology(3, 10)
	c.Assert(err, check.ErrorMatches, ".*not enough.*")
}

func (s *TopologyTestSuite) TestOwnership(c *check.C) {
	topo, err := NewTopology(12, 3)
	c.Assert(err, check.IsNil)

	c.Assert(topo.OwnedWorkers(0), check.DeepEquals, []int{7, 8})
	c.Assert(topo.OwnedWorkers(1), check.DeepEquals, []int{9, 10})
	c.Assert(topo.OwnedWorkers(2), check.DeepEquals, []int{11})

	for lane := 0; lane < topo.Forwarders(); lane++ {
		for _, rank := range topo.OwnedWorkers(lane) {
			c.Assert(topo.OwnerOf(rank), check.Equals, lane)
		}
	}
	c.Assert(topo.OwnerOf(3), check.Equals, -1)
}

func (s *TopologyTestSuite) TestFewerWorkersThanForwarders(c *check.C) {
	topo, err := TopologyFromCounts(4, 2)
	c.Assert(err, check.IsNil)
	c.Assert(topo.Lanes(), check.Equals, 2)

	var idle int
	for lane := 0; lane < topo.Forwarders(); lane++ {
		owned := topo.OwnedWorkers(lane)
		c.Assert(len(owned) <= 1, check.Equals, true)
		if len(owned) == 0 {
			idle++
		}
	}
	c.Assert(idle, check.Equals, 2)

	_, err = TopologyFromCounts(0, 2)
	c.Assert(err, check.NotNil)
}
