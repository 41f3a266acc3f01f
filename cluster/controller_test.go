package cluster

import (
	"context"
	"sync"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(new(ControllerTestSuite))

type ControllerTestSuite struct{}

func (s *ControllerTestSuite) TestStartStopShutdown(c *check.C) {
	topo, err := NewTopology(6, 2)
	c.Assert(err, check.IsNil)

	mesh := NewMesh(topo.Size())
	defer mesh.Close()

	ctrl := NewController(mesh.Endpoint(LeaderRank), topo, nil)
	params := InitParams{NumNodes: 8, Seed: 3, MaxMessageSize: 128}
	c.Assert(ctrl.Start(context.TODO(), params), check.IsNil)

	var wg sync.WaitGroup
	for rank := 1; rank < topo.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			ep := mesh.Endpoint(rank)
			buf := make([]byte, ForwarderInitSize)
			role, index, _ := topo.RoleOf(rank)

			env, err := ep.Recv(context.TODO(), LeaderRank, AnyCode, buf)
			c.Check(err, check.IsNil)
			c.Check(env.Code, check.Equals, CodeInit)

			if role == RoleWorker {
				got, err := DecodeWorkerInit(env.Payload)
				c.Check(err, check.IsNil)
				c.Check(got, check.DeepEquals, params)
			} else {
				got, err := DecodeForwarderInit(env.Payload)
				c.Check(err, check.IsNil)
				c.Check(got.NumForwarders, check.Equals, uint32(2))
				c.Check(got.NumWorkers, check.Equals, uint32(1))
			}

			env, err = ep.Recv(context.TODO(), LeaderRank, AnyCode, buf)
			c.Check(err, check.IsNil)
			c.Check(env.Code, check.Equals, CodeStop)
			if role == RoleWorker {
				c.Check(ep.Send(context.TODO(), LeaderRank, CodeStop, AppendStopReply(nil, uint64(10+index))), check.IsNil)
			}

			env, err = ep.Recv(context.TODO(), LeaderRank, AnyCode, buf)
			c.Check(err, check.IsNil)
			c.Check(env.Code, check.Equals, CodeShutdown)
		}(rank)
	}

	processed, err := ctrl.Stop(context.TODO())
	c.Assert(err, check.IsNil)
	c.Assert(processed, check.Equals, uint64(10))

	c.Assert(ctrl.Shutdown(context.TODO()), check.IsNil)
	wg.Wait()
}

func (s *ControllerTestSuite) TestStopReportsMalformedReplies(c *check.C) {
	topo, err := TopologyFromCounts(1, 2)
	c.Assert(err, check.IsNil)

	mesh := NewMesh(topo.Size())
	defer mesh.Close()

	c.Assert(mesh.Endpoint(topo.WorkerRank(0)).Send(context.TODO(), LeaderRank, CodeStop, AppendStopReply(nil, 5)), check.IsNil)
	c.Assert(mesh.Endpoint(topo.WorkerRank(1)).Send(context.TODO(), LeaderRank, CodeStop, []byte{1, 2}), check.IsNil)

	processed, err := NewController(mesh.Endpoint(LeaderRank), topo, nil).Stop(context.TODO())
	c.Assert(processed, check.Equals, uint64(5))
	c.Assert(err, check.ErrorMatches, "(?ms).*stop reply from 4.*bad message.*")
}
