package aggregator

import (
	"math/rand"
	"sync"
	"testing"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(new(counterTestSuite))

type counterTestSuite struct{}

func Test(t *testing.T) {
	check.TestingT(t)
}

func (s *counterTestSuite) TestConcurrentAggregation(c *check.C) {
	var (
		expected uint64
		counter  Counter
		wg       sync.WaitGroup
	)

	numOfValues := 100
	values := make([]uint64, numOfValues)
	for i := range values {
		values[i] = uint64(rand.Intn(1 << 20))
		expected += values[i]
	}

	startChan := make(chan struct{})
	wg.Add(numOfValues)
	for i := 0; i < numOfValues; i++ {
		go func(index int) {
			defer wg.Done()
			<-startChan
			counter.Aggregate(values[index])
		}(i)
	}

	close(startChan)
	wg.Wait()

	c.Assert(counter.Get(), check.Equals, expected)
}

func (s *counterTestSuite) TestDeltaAndSet(c *check.C) {
	var counter Counter

	counter.Aggregate(10)
	c.Assert(counter.Delta(), check.Equals, uint64(10))
	c.Assert(counter.Delta(), check.Equals, uint64(0))

	counter.Aggregate(5)
	c.Assert(counter.Get(), check.Equals, uint64(15))
	c.Assert(counter.Delta(), check.Equals, uint64(5))

	counter.Set(0)
	c.Assert(counter.Get(), check.Equals, uint64(0))
	c.Assert(counter.Delta(), check.Equals, uint64(0))
}

func (s *counterTestSuite) TestRateKeepsMaximum(c *check.C) {
	var r Rate

	c.Assert(r.Observe(10), check.Equals, uint64(10))
	c.Assert(r.Observe(3), check.Equals, uint64(10))
	c.Assert(r.Observe(12), check.Equals, uint64(12))
	c.Assert(r.Max(), check.Equals, uint64(12))
}
