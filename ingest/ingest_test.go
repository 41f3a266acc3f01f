package ingest

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	check "gopkg.in/check.v1"

	"github.com/mycok/uSketch/graph"
)

var _ = check.Suite(new(GuttersTestSuite))
var _ = check.Suite(new(LoaderTestSuite))

func Test(t *testing.T) {
	check.TestingT(t)
}

type GuttersTestSuite struct{}

func (s *GuttersTestSuite) TestConfigValidation(c *check.C) {
	config := Config{NumNodes: 10}
	c.Assert(config.validate(), check.IsNil)
	c.Assert(config.GutterSize, check.Equals, 64)
	c.Assert(config.BatchesPerSet, check.Equals, 32)
	c.Assert(config.QueueFactor, check.Equals, 8)

	config = Config{NumNodes: 1, GutterSize: -1}
	err := config.validate()
	c.Assert(err, check.ErrorMatches, "(?ms).*invalid value for node count.*")
	c.Assert(err, check.ErrorMatches, "(?ms).*invalid value for gutter size.*")
}

func (s *GuttersTestSuite) TestInsertRejectsBadUpdates(c *check.C) {
	g := mustGutters(c, Config{NumNodes: 4})

	err := g.Insert(graph.Update{Edge: graph.Edge{Src: 1, Dst: 4}})
	c.Assert(errors.Is(err, ErrVertexOutOfRange), check.Equals, true)

	err = g.Insert(graph.Update{Edge: graph.Edge{Src: 2, Dst: 2}})
	c.Assert(errors.Is(err, ErrSelfLoop), check.Equals, true)
	c.Assert(g.Accepted(), check.Equals, uint64(0))
}

func (s *GuttersTestSuite) TestFullGuttersBecomeBatchSets(c *check.C) {
	g := mustGutters(c, Config{NumNodes: 4, GutterSize: 2, BatchesPerSet: 2})

	// Vertex 0 fills its gutter twice, which completes one set.
	for _, dst := range []graph.VertexID{1, 2, 3, 1} {
		c.Assert(g.Insert(graph.Update{Edge: graph.Edge{Src: 0, Dst: dst}}), check.IsNil)
	}

	c.Assert(g.Accepted(), check.Equals, uint64(8))
	c.Assert(g.Pending(), check.Equals, 1)

	set, ok := g.Pull()
	c.Assert(ok, check.Equals, true)
	c.Assert(set.Batches, check.DeepEquals, []graph.Batch{
		{Vertex: 0, Neighbors: []graph.VertexID{1, 2}},
		{Vertex: 0, Neighbors: []graph.VertexID{3, 1}},
	})
	c.Assert(set.Updates(), check.Equals, 4)
	c.Assert(set.NonEmpty(), check.Equals, 2)
	g.Complete(set)

	// Vertex 1 holds two updates, 2 and 3 hold one each.
	g.ForceFlush()

	var total int
	g.SetNonBlocking(true)
	for {
		set, ok := g.Pull()
		if !ok {
			break
		}
		total += set.Updates()
		g.Complete(set)
	}

	c.Assert(total, check.Equals, 4)
}

func (s *GuttersTestSuite) TestPullBlocksUntilNonBlocking(c *check.C) {
	g := mustGutters(c, Config{NumNodes: 4})

	done := make(chan bool)
	go func() {
		_, ok := g.Pull()
		done <- ok
	}()

	select {
	case <-done:
		c.Fatal("pull returned on an empty blocking queue")
	case <-time.After(50 * time.Millisecond):
	}

	g.SetNonBlocking(true)
	c.Assert(<-done, check.Equals, false)
}

func (s *GuttersTestSuite) TestInsertBlocksOnFullQueue(c *check.C) {
	g := mustGutters(c, Config{NumNodes: 4, GutterSize: 1, BatchesPerSet: 1, QueueFactor: 1})

	// The first update produces two sets and the queue holds one.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Check(g.Insert(graph.Update{Edge: graph.Edge{Src: 0, Dst: 1}}), check.IsNil)
	}()

	var pulled int
	for pulled < 2 {
		set, ok := g.Pull()
		c.Assert(ok, check.Equals, true)
		pulled += set.Updates()
		g.Complete(set)
	}

	wg.Wait()
	c.Assert(g.Pending(), check.Equals, 0)
}

func (s *GuttersTestSuite) TestAcceptedMatchesPulledUpdates(c *check.C) {
	g := mustGutters(c, Config{NumNodes: 50, GutterSize: 3, BatchesPerSet: 4, QueueFactor: 2})

	var (
		pulled uint64
		wg     sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			set, ok := g.Pull()
			if !ok {
				return
			}
			pulled += uint64(set.Updates())
			g.Complete(set)
		}
	}()

	for i := 0; i < 1000; i++ {
		src := graph.VertexID(i % 50)
		dst := graph.VertexID((i*7 + 1) % 50)
		if src == dst {
			continue
		}
		c.Assert(g.Insert(graph.Update{Edge: graph.Edge{Src: src, Dst: dst}}), check.IsNil)
	}

	g.ForceFlush()
	g.SetNonBlocking(true)
	wg.Wait()

	c.Assert(pulled, check.Equals, g.Accepted())
}

type LoaderTestSuite struct{}

func (s *LoaderTestSuite) TestLoadStream(c *check.C) {
	stream := "4 3\n0 0 1\n\n0 2 3\n1 0 1\n"

	l, err := NewLoader(strings.NewReader(stream))
	c.Assert(err, check.IsNil)
	c.Assert(l.NumNodes(), check.Equals, uint32(4))
	c.Assert(l.NumUpdates(), check.Equals, uint64(3))

	var got []graph.Update
	for l.Next() {
		got = append(got, l.Update())
	}

	c.Assert(l.Error(), check.IsNil)
	c.Assert(got, check.DeepEquals, []graph.Update{
		{Edge: graph.Edge{Src: 0, Dst: 1}, Kind: graph.Insert},
		{Edge: graph.Edge{Src: 2, Dst: 3}, Kind: graph.Insert},
		{Edge: graph.Edge{Src: 0, Dst: 1}, Kind: graph.Delete},
	})
}

func (s *LoaderTestSuite) TestTruncatedStream(c *check.C) {
	l, err := NewLoader(strings.NewReader("4 3\n0 0 1\n"))
	c.Assert(err, check.IsNil)

	c.Assert(l.Next(), check.Equals, true)
	c.Assert(l.Next(), check.Equals, false)
	c.Assert(l.Error(), check.ErrorMatches, ".*stream ended after 1 of 3 updates.*")
}

func (s *LoaderTestSuite) TestMalformedLines(c *check.C) {
	_, err := NewLoader(strings.NewReader(""))
	c.Assert(err, check.ErrorMatches, "stream header: unexpected EOF")

	l, err := NewLoader(strings.NewReader("4 1\n7 0 1\n"))
	c.Assert(err, check.IsNil)
	c.Assert(l.Next(), check.Equals, false)
	c.Assert(l.Error(), check.ErrorMatches, "line 2: unknown update kind 7")

	l, err = NewLoader(strings.NewReader("4 1\n0 1\n"))
	c.Assert(err, check.IsNil)
	c.Assert(l.Next(), check.Equals, false)
	c.Assert(l.Error(), check.ErrorMatches, "line 2: expected 3 fields, got 2")
}

func mustGutters(c *check.C, config Config) *Gutters {
	g, err := NewGutters(config)
	c.Assert(err, check.IsNil)

	return g
}
