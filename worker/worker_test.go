package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	check "gopkg.in/check.v1"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/graph"
	"github.com/mycok/uSketch/sketch"
)

var _ = check.Suite(new(WorkerTestSuite))

func Test(t *testing.T) {
	check.TestingT(t)
}

const (
	bfRank     = 1
	dfRank     = 2
	workerRank = 3
)

type WorkerTestSuite struct {
	topo cluster.Topology
	mesh *cluster.Mesh

	ctx      context.Context
	cancelFn context.CancelFunc
}

func (s *WorkerTestSuite) SetUpTest(c *check.C) {
	var err error
	s.topo, err = cluster.TopologyFromCounts(1, 1)
	c.Assert(err, check.IsNil)

	s.mesh = cluster.NewMesh(s.topo.Size())
	s.ctx, s.cancelFn = context.WithTimeout(context.TODO(), 30*time.Second)
}

func (s *WorkerTestSuite) TearDownTest(c *check.C) {
	s.cancelFn()
	s.mesh.Close()
}

func (s *WorkerTestSuite) TestConfigValidation(c *check.C) {
	originalConfig := Config{
		Transport: s.mesh.Endpoint(workerRank),
		Topology:  s.topo,
		Helpers:   2,
	}

	config := originalConfig
	c.Assert(config.validate(), check.IsNil)
	c.Assert(config.NewSketcher, check.Not(check.IsNil), check.Commentf("default sketcher factory was not assigned"))
	c.Assert(config.Logger, check.Not(check.IsNil), check.Commentf("default logger was not assigned"))

	config = originalConfig
	config.Helpers = 0
	c.Assert(config.validate(), check.IsNil)
	c.Assert(config.Helpers > 0, check.Equals, true)

	config = originalConfig
	config.Transport = nil
	c.Assert(config.validate(), check.ErrorMatches, "(?ms).*transport not provided.*")

	config = originalConfig
	config.Transport = s.mesh.Endpoint(bfRank)
	c.Assert(config.validate(), check.ErrorMatches, "(?ms).*rank 1 is not a worker rank.*")

	config = originalConfig
	config.Helpers = -1
	c.Assert(config.validate(), check.ErrorMatches, "(?ms).*invalid value for helpers.*")
}

func (s *WorkerTestSuite) TestStopReinitCycle(c *check.C) {
	errCh := s.startWorker(c, 2)
	leader := s.mesh.Endpoint(cluster.LeaderRank)

	batches := fixtureBatches()
	var hashes []uint64
	for _, seed := range []uint64{1, 2} {
		params := cluster.InitParams{NumNodes: 8, Seed: seed, MaxMessageSize: 1 << 16}
		c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)

		deltas := s.process(c, batches)
		c.Assert(deltas, check.DeepEquals, expectedDeltas(c, params, batches))
		hashes = append(hashes, xxhash.Sum64(deltas))

		c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeStop, nil), check.IsNil)
		env, err := leader.Recv(s.ctx, workerRank, cluster.Codes(cluster.CodeStop), make([]byte, cluster.StopReplySize))
		c.Assert(err, check.IsNil)

		processed, err := cluster.DecodeStopReply(env.Payload)
		c.Assert(err, check.IsNil)
		// 10 inserts, one update per endpoint; the count restarts every epoch.
		c.Assert(processed, check.Equals, uint64(20))
	}

	c.Assert(hashes[0], check.Not(check.Equals), hashes[1])

	c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeShutdown, nil), check.IsNil)
	c.Assert(<-errCh, check.IsNil)
}

func (s *WorkerTestSuite) TestFlushDrainsPendingDeltas(c *check.C) {
	errCh := s.startWorker(c, 3)
	leader := s.mesh.Endpoint(cluster.LeaderRank)
	bf, df := s.mesh.Endpoint(bfRank), s.mesh.Endpoint(dfRank)

	params := cluster.InitParams{NumNodes: 64, Seed: 9, MaxMessageSize: 1 << 16}
	c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)

	const messages = 20
	for i := 0; i < messages; i++ {
		batch := graph.Batch{Vertex: graph.VertexID(i), Neighbors: []graph.VertexID{graph.VertexID(i + 1)}}
		c.Assert(bf.Send(s.ctx, workerRank, cluster.CodeBatch, cluster.AppendBatches(nil, 0, []graph.Batch{batch})), check.IsNil)
	}
	c.Assert(bf.Send(s.ctx, workerRank, cluster.CodeFlush, nil), check.IsNil)

	// Every delta reaches the delta forwarder before the acknowledgement.
	buf := make([]byte, 1<<16)
	var deltas int
	for {
		env, err := df.Recv(s.ctx, workerRank, cluster.AnyCode, buf)
		c.Assert(err, check.IsNil)
		if env.Code == cluster.CodeFlush {
			break
		}
		c.Assert(env.Code, check.Equals, cluster.CodeDelta)
		deltas++
	}
	c.Assert(deltas, check.Equals, messages)

	c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeShutdown, nil), check.IsNil)
	c.Assert(<-errCh, check.IsNil)
}

func (s *WorkerTestSuite) TestProtocolViolations(c *check.C) {
	leader := s.mesh.Endpoint(cluster.LeaderRank)
	params := cluster.InitParams{NumNodes: 8, Seed: 1, MaxMessageSize: 1024}

	specs := []struct {
		descr string
		send  func()
	}{
		{
			descr: "init of the wrong length",
			send: func() {
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, []byte{1, 2, 3}), check.IsNil)
			},
		},
		{
			descr: "unexpected code",
			send: func() {
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeDelta, nil), check.IsNil)
			},
		},
		{
			descr: "batch from an unknown lane",
			send: func() {
				batch := graph.Batch{Vertex: 1, Neighbors: []graph.VertexID{2}}
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)
				c.Assert(s.mesh.Endpoint(bfRank).Send(s.ctx, workerRank, cluster.CodeBatch, cluster.AppendBatches(nil, 5, []graph.Batch{batch})), check.IsNil)
			},
		},
		{
			descr: "vertex outside of the graph",
			send: func() {
				batch := graph.Batch{Vertex: 100, Neighbors: []graph.VertexID{2}}
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)
				c.Assert(s.mesh.Endpoint(bfRank).Send(s.ctx, workerRank, cluster.CodeBatch, cluster.AppendBatches(nil, 0, []graph.Batch{batch})), check.IsNil)
			},
		},
		{
			descr: "message larger than the configured maximum",
			send: func() {
				c.Assert(leader.Send(s.ctx, workerRank, cluster.CodeInit, params.AppendBinary(nil)), check.IsNil)
				c.Assert(s.mesh.Endpoint(bfRank).Send(s.ctx, workerRank, cluster.CodeBatch, make([]byte, 2048)), check.IsNil)
			},
		},
	}

	for i, spec := range specs {
		c.Logf("spec %d: %s", i, spec.descr)

		w, err := New(Config{Transport: s.mesh.Endpoint(workerRank), Topology: s.topo, Helpers: 1})
		c.Assert(err, check.IsNil)

		spec.send()
		err = w.Run(s.ctx)
		c.Assert(errors.Is(err, cluster.ErrBadMessage), check.Equals, true, check.Commentf("got %v", err))
	}
}

func (s *WorkerTestSuite) startWorker(c *check.C, helpers int) <-chan error {
	w, err := New(Config{Transport: s.mesh.Endpoint(workerRank), Topology: s.topo, Helpers: helpers})
	c.Assert(err, check.IsNil)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(s.ctx) }()

	return errCh
}

// process sends batches to the worker, flushes it and returns the
// concatenated delta payloads in arrival order.
func (s *WorkerTestSuite) process(c *check.C, batches []graph.Batch) []byte {
	bf, df := s.mesh.Endpoint(bfRank), s.mesh.Endpoint(dfRank)

	c.Assert(bf.Send(s.ctx, workerRank, cluster.CodeBatch, cluster.AppendBatches(nil, 0, batches)), check.IsNil)
	c.Assert(bf.Send(s.ctx, workerRank, cluster.CodeFlush, nil), check.IsNil)

	var out []byte
	buf := make([]byte, 1<<16)
	for {
		env, err := df.Recv(s.ctx, workerRank, cluster.AnyCode, buf)
		c.Assert(err, check.IsNil)
		if env.Code == cluster.CodeFlush {
			return out
		}
		out = append(out, env.Payload...)
	}
}

// fixtureBatches groups 10 inserts on an 8 node graph by endpoint.
func fixtureBatches() []graph.Batch {
	edges := []graph.Edge{
		{Src: 0, Dst: 1}, {Src: 1, Dst: 2}, {Src: 2, Dst: 3}, {Src: 3, Dst: 4}, {Src: 4, Dst: 5},
		{Src: 5, Dst: 6}, {Src: 6, Dst: 7}, {Src: 7, Dst: 0}, {Src: 0, Dst: 4}, {Src: 2, Dst: 6},
	}

	neighbors := make([][]graph.VertexID, 8)
	for _, e := range edges {
		neighbors[e.Src] = append(neighbors[e.Src], e.Dst)
		neighbors[e.Dst] = append(neighbors[e.Dst], e.Src)
	}

	batches := make([]graph.Batch, 0, len(neighbors))
	for v, n := range neighbors {
		batches = append(batches, graph.Batch{Vertex: graph.VertexID(v), Neighbors: n})
	}

	return batches
}

func expectedDeltas(c *check.C, params cluster.InitParams, batches []graph.Batch) []byte {
	sk, err := sketch.NewSketcher(sketch.Params{NumNodes: params.NumNodes, Seed: params.Seed})
	c.Assert(err, check.IsNil)

	var (
		out     []byte
		scratch = sk.NewSupernode()
	)
	for _, b := range batches {
		out = cluster.AppendDelta(out, b.Vertex, nil)
		out, err = sk.GenerateDelta(b.Vertex, b.Neighbors, scratch, out)
		c.Assert(err, check.IsNil)
	}

	return bytes.Clone(out)
}
