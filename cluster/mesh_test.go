package cluster

import (
	"context"
	"errors"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(new(MeshTestSuite))

type MeshTestSuite struct {
	mesh *Mesh
}

func (s *MeshTestSuite) SetUpTest(c *check.C) {
	s.mesh = NewMesh(3)
}

func (s *MeshTestSuite) TearDownTest(c *check.C) {
	s.mesh.Close()
}

func (s *MeshTestSuite) TestPerPairFIFO(c *check.C) {
	a, b := s.mesh.Endpoint(1), s.mesh.Endpoint(0)

	for i := 0; i < 50; i++ {
		c.Assert(a.Send(context.TODO(), 0, CodeDelta, []byte{byte(i)}), check.IsNil)
	}

	buf := make([]byte, 1)
	for i := 0; i < 50; i++ {
		env, err := b.Recv(context.TODO(), 1, AnyCode, buf)
		c.Assert(err, check.IsNil)
		c.Assert(env.Source, check.Equals, 1)
		c.Assert(env.Payload, check.DeepEquals, []byte{byte(i)})
	}
}

func (s *MeshTestSuite) TestRecvFiltersBySourceAndCode(c *check.C) {
	ctx := context.TODO()
	leader := s.mesh.Endpoint(0)

	c.Assert(s.mesh.Endpoint(1).Send(ctx, 0, CodeDelta, []byte("d1")), check.IsNil)
	c.Assert(s.mesh.Endpoint(2).Send(ctx, 0, CodeStop, []byte("s2")), check.IsNil)
	c.Assert(s.mesh.Endpoint(1).Send(ctx, 0, CodeFlush, nil), check.IsNil)

	buf := make([]byte, 8)

	env, err := leader.Recv(ctx, AnySource, Codes(CodeStop), buf)
	c.Assert(err, check.IsNil)
	c.Assert(env.Source, check.Equals, 2)
	c.Assert(string(env.Payload), check.Equals, "s2")

	env, err = leader.Recv(ctx, 1, Codes(CodeFlush), buf)
	c.Assert(err, check.IsNil)
	c.Assert(env.Code, check.Equals, CodeFlush)
	c.Assert(env.Payload, check.HasLen, 0)

	env, err = leader.Recv(ctx, AnySource, AnyCode, buf)
	c.Assert(err, check.IsNil)
	c.Assert(env.Code, check.Equals, CodeDelta)
	c.Assert(string(env.Payload), check.Equals, "d1")
}

func (s *MeshTestSuite) TestSendCopiesPayload(c *check.C) {
	payload := []byte("abc")
	c.Assert(s.mesh.Endpoint(1).Send(context.TODO(), 0, CodeBatch, payload), check.IsNil)
	payload[0] = 'x'

	env, err := s.mesh.Endpoint(0).Recv(context.TODO(), AnySource, AnyCode, make([]byte, 3))
	c.Assert(err, check.IsNil)
	c.Assert(string(env.Payload), check.Equals, "abc")
}

func (s *MeshTestSuite) TestSendAsyncCompletesWhenMatched(c *check.C) {
	req, err := s.mesh.Endpoint(1).SendAsync(2, CodeBatch, []byte("abcd"))
	c.Assert(err, check.IsNil)

	select {
	case <-req.Done():
		c.Fatal("request completed before the message was received")
	case <-time.After(20 * time.Millisecond):
	}

	env, err := s.mesh.Endpoint(2).Recv(context.TODO(), AnySource, AnyCode, make([]byte, 4))
	c.Assert(err, check.IsNil)
	c.Assert(string(env.Payload), check.Equals, "abcd")
	c.Assert(req.Wait(context.TODO()), check.IsNil)
}

func (s *MeshTestSuite) TestOversizedPayloadIsBadMessage(c *check.C) {
	req, err := s.mesh.Endpoint(1).SendAsync(0, CodeBatch, make([]byte, 16))
	c.Assert(err, check.IsNil)

	_, err = s.mesh.Endpoint(0).Recv(context.TODO(), AnySource, AnyCode, make([]byte, 8))
	c.Assert(errors.Is(err, ErrBadMessage), check.Equals, true)
	c.Assert(errors.Is(req.Wait(context.TODO()), ErrBadMessage), check.Equals, true)
}

func (s *MeshTestSuite) TestRecvHonoursContextAndClose(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 20*time.Millisecond)
	defer cancelFn()

	_, err := s.mesh.Endpoint(0).Recv(ctx, AnySource, AnyCode, nil)
	c.Assert(err, check.Equals, context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.mesh.Endpoint(1).Recv(context.TODO(), AnySource, AnyCode, nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Assert(s.mesh.Endpoint(1).Close(), check.IsNil)
	c.Assert(<-errCh, check.Equals, ErrClosed)

	c.Assert(s.mesh.Endpoint(0).Send(context.TODO(), 1, CodeFlush, nil), check.Equals, ErrClosed)
}

func (s *MeshTestSuite) TestUnknownRank(c *check.C) {
	err := s.mesh.Endpoint(0).Send(context.TODO(), 7, CodeFlush, nil)
	c.Assert(errors.Is(err, ErrUnknownRank), check.Equals, true)

	_, err = s.mesh.Endpoint(0).SendAsync(-2, CodeFlush, nil)
	c.Assert(errors.Is(err, ErrUnknownRank), check.Equals, true)
}
