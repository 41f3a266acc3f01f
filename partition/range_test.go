package partition

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(new(RangeTestSuite))

type RangeTestSuite struct{}

func (s *RangeTestSuite) TestEvenSplit(c *check.C) {
	expRanges := [][2]int{{0, 3}, {3, 6}, {6, 9}, {9, 12}}

	for i, exp := range expRanges {
		c.Logf("forwarder: %d", i+1)
		min, max := OwnedRange(i+1, 4, 12)
		c.Check(min, check.Equals, exp[0])
		c.Check(max, check.Equals, exp[1])
	}
}

func (s *RangeTestSuite) TestOddSplit(c *check.C) {
	// ceil(0)=0, ceil(7/3)=3, ceil(14/3)=5, ceil(21/3)=7
	expRanges := [][2]int{{0, 3}, {3, 5}, {5, 7}}

	for i, exp := range expRanges {
		c.Logf("forwarder: %d", i+1)
		min, max := OwnedRange(i+1, 3, 7)
		c.Check(min, check.Equals, exp[0])
		c.Check(max, check.Equals, exp[1])
	}
}

func (s *RangeTestSuite) TestFewerWorkersThanForwarders(c *check.C) {
	const numOfForwarders, numOfWorkers = 10, 4

	var idle int
	owners := make(map[int]int)
	for f := 1; f <= numOfForwarders; f++ {
		min, max := OwnedRange(f, numOfForwarders, numOfWorkers)
		c.Assert(max-min <= 1, check.Equals, true, check.Commentf("forwarder %d owns [%d,%d)", f, min, max))

		if max == min {
			idle++
		}

		for w := min; w < max; w++ {
			owners[w]++
		}
	}

	c.Assert(idle >= numOfForwarders-numOfWorkers, check.Equals, true)
	c.Assert(owners, check.HasLen, numOfWorkers)
	for w, n := range owners {
		c.Assert(n, check.Equals, 1, check.Commentf("worker %d", w))
	}
}

func (s *RangeTestSuite) TestEveryWorkerHasExactlyOneOwner(c *check.C) {
	for numOfForwarders := 1; numOfForwarders <= 12; numOfForwarders++ {
		for numOfWorkers := 1; numOfWorkers <= 40; numOfWorkers++ {
			next := 0
			for f := 1; f <= numOfForwarders; f++ {
				min, max := OwnedRange(f, numOfForwarders, numOfWorkers)
				if max == min {
					continue
				}

				c.Assert(min, check.Equals, next, check.Commentf("F=%d W=%d f=%d", numOfForwarders, numOfWorkers, f))
				next = max
			}
			c.Assert(next, check.Equals, numOfWorkers, check.Commentf("F=%d W=%d", numOfForwarders, numOfWorkers))

			for w := 0; w < numOfWorkers; w++ {
				c.Assert(Owner(w, numOfForwarders, numOfWorkers), check.Not(check.Equals), 0)
			}
		}
	}
}

func (s *RangeTestSuite) TestOutOfRangeForwarder(c *check.C) {
	min, max := OwnedRange(0, 4, 8)
	c.Assert(max-min, check.Equals, 0)

	min, max = OwnedRange(5, 4, 8)
	c.Assert(max-min, check.Equals, 0)

	c.Assert(Owner(8, 4, 8), check.Equals, 0)
}
