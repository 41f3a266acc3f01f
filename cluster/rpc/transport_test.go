package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	check "gopkg.in/check.v1"

	"github.com/mycok/uSketch/cluster"
)

var _ = check.Suite(new(TransportTestSuite))

func Test(t *testing.T) {
	check.TestingT(t)
}

type TransportTestSuite struct {
	listeners  map[string]*bufconn.Listener
	servers    []*grpc.Server
	transports []*Transport
}

func (s *TransportTestSuite) SetUpTest(c *check.C) {
	const size = 3

	peers := make([]string, size)
	s.listeners = make(map[string]*bufconn.Listener, size)
	for i := range peers {
		peers[i] = fmt.Sprintf("bufnet-%d", i)
		s.listeners[peers[i]] = bufconn.Listen(1 << 20)
	}

	dialer := grpc.WithContextDialer(func(_ context.Context, addr string) (net.Conn, error) {
		return s.listeners[addr].Dial()
	})

	s.servers = nil
	s.transports = nil
	for rank := 0; rank < size; rank++ {
		tr, err := New(Config{
			Rank:  rank,
			Peers: peers,
			DialOptions: []grpc.DialOption{
				dialer,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			},
		})
		c.Assert(err, check.IsNil)

		srv := grpc.NewServer(tr.ServerOptions()...)
		tr.Register(srv)
		go func(lis *bufconn.Listener) {
			_ = srv.Serve(lis)
		}(s.listeners[peers[rank]])

		s.servers = append(s.servers, srv)
		s.transports = append(s.transports, tr)
	}
}

func (s *TransportTestSuite) TearDownTest(c *check.C) {
	for _, tr := range s.transports {
		_ = tr.Close()
	}

	for _, srv := range s.servers {
		srv.Stop()
	}

	for _, lis := range s.listeners {
		_ = lis.Close()
	}
}

func (s *TransportTestSuite) TestConfigValidation(c *check.C) {
	_, err := New(Config{Rank: 2, Peers: []string{"a", "b"}})
	c.Assert(err, check.ErrorMatches, "(?ms).*rank 2 outside of 2 peers.*")

	_, err = New(Config{})
	c.Assert(err, check.ErrorMatches, "(?ms).*peer list not provided.*")
}

func (s *TransportTestSuite) TestPayloadLimit(c *check.C) {
	tr, err := New(Config{Rank: 0, Peers: []string{"a", "b"}, MaxPayloadSize: 8})
	c.Assert(err, check.IsNil)
	defer func() { _ = tr.Close() }()

	c.Assert(tr.MaxPayloadSize(), check.Equals, 8)
	c.Assert(tr.ServerOptions(), check.HasLen, 1)

	err = tr.Send(context.TODO(), 1, cluster.CodeDelta, make([]byte, 9))
	c.Assert(errors.Is(err, cluster.ErrPayloadTooLarge), check.Equals, true)

	_, err = tr.SendAsync(1, cluster.CodeBatch, make([]byte, 9))
	c.Assert(errors.Is(err, cluster.ErrPayloadTooLarge), check.Equals, true)

	_, err = New(Config{Rank: 0, Peers: []string{"a"}, MaxPayloadSize: -1})
	c.Assert(err, check.ErrorMatches, "(?ms).*invalid value for max payload size.*")

	var limiter cluster.PayloadLimiter = tr
	c.Assert(limiter.MaxPayloadSize(), check.Equals, 8)
}

func (s *TransportTestSuite) TestPayloadsAboveGRPCDefaultLimit(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 20*time.Second)
	defer cancelFn()

	// Larger than the 4 MiB gRPC applies unless told otherwise.
	payload := bytes.Repeat([]byte("0123456789abcdef"), (5<<20)/16)

	req, err := s.transports[1].SendAsync(0, cluster.CodeDelta, payload)
	c.Assert(err, check.IsNil)
	c.Assert(req.Wait(ctx), check.IsNil)
	c.Assert(s.transports[2].Send(ctx, 0, cluster.CodeBatch, payload), check.IsNil)

	buf := make([]byte, len(payload))
	for _, source := range []int{1, 2} {
		env, err := s.transports[0].Recv(ctx, source, cluster.AnyCode, buf)
		c.Assert(err, check.IsNil, check.Commentf("source %d", source))
		c.Assert(bytes.Equal(env.Payload, payload), check.Equals, true, check.Commentf("source %d", source))
	}
}

func (s *TransportTestSuite) TestPerPairFIFO(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 10*time.Second)
	defer cancelFn()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			payload := []byte(fmt.Sprintf("%03d", i))
			c.Check(s.transports[1].Send(ctx, 0, cluster.CodeDelta, payload), check.IsNil)
		}
	}()

	buf := make([]byte, 16)
	for i := 0; i < n; i++ {
		env, err := s.transports[0].Recv(ctx, 1, cluster.AnyCode, buf)
		c.Assert(err, check.IsNil)
		c.Assert(env.Source, check.Equals, 1)
		c.Assert(env.Code, check.Equals, cluster.CodeDelta)
		c.Assert(string(env.Payload), check.Equals, fmt.Sprintf("%03d", i))
	}
}

func (s *TransportTestSuite) TestSendAsync(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 10*time.Second)
	defer cancelFn()

	payload := []byte("batch-payload")
	req, err := s.transports[2].SendAsync(1, cluster.CodeBatch, payload)
	c.Assert(err, check.IsNil)
	c.Assert(req.Wait(ctx), check.IsNil)

	env, err := s.transports[1].Recv(ctx, cluster.AnySource, cluster.Codes(cluster.CodeBatch), make([]byte, 64))
	c.Assert(err, check.IsNil)
	c.Assert(env.Source, check.Equals, 2)
	c.Assert(string(env.Payload), check.Equals, "batch-payload")
}

func (s *TransportTestSuite) TestSendToSelf(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 10*time.Second)
	defer cancelFn()

	req, err := s.transports[0].SendAsync(0, cluster.CodeFlush, nil)
	c.Assert(err, check.IsNil)

	env, err := s.transports[0].Recv(ctx, 0, cluster.AnyCode, nil)
	c.Assert(err, check.IsNil)
	c.Assert(env.Code, check.Equals, cluster.CodeFlush)
	c.Assert(req.Wait(ctx), check.IsNil)
}

func (s *TransportTestSuite) TestRecvFailsAfterClose(c *check.C) {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.transports[1].Recv(context.TODO(), cluster.AnySource, cluster.AnyCode, nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Assert(s.transports[1].Close(), check.IsNil)
	c.Assert(<-errCh, check.Equals, cluster.ErrClosed)

	err := s.transports[1].Send(context.TODO(), 0, cluster.CodeFlush, nil)
	c.Assert(err, check.Equals, cluster.ErrClosed)
}

func (s *TransportTestSuite) TestCloseSendsQueuedFrames(c *check.C) {
	ctx, cancelFn := context.WithTimeout(context.TODO(), 10*time.Second)
	defer cancelFn()

	const n = 50
	for i := 0; i < n; i++ {
		c.Assert(s.transports[2].Send(ctx, 0, cluster.CodeDelta, []byte{byte(i)}), check.IsNil)
	}
	c.Assert(s.transports[2].Send(ctx, 0, cluster.CodeShutdown, nil), check.IsNil)
	c.Assert(s.transports[2].Close(), check.IsNil)

	buf := make([]byte, 1)
	for i := 0; i < n; i++ {
		env, err := s.transports[0].Recv(ctx, 2, cluster.AnyCode, buf)
		c.Assert(err, check.IsNil)
		c.Assert(env.Payload, check.DeepEquals, []byte{byte(i)})
	}

	env, err := s.transports[0].Recv(ctx, 2, cluster.AnyCode, buf)
	c.Assert(err, check.IsNil)
	c.Assert(env.Code, check.Equals, cluster.CodeShutdown)
}

func (s *TransportTestSuite) TestFrameCodec(c *check.C) {
	frame := encodeFrame(7, cluster.CodeStop, []byte{1, 2})

	source, code, payload, err := decodeFrame(frame)
	c.Assert(err, check.IsNil)
	c.Assert(source, check.Equals, 7)
	c.Assert(code, check.Equals, cluster.CodeStop)
	c.Assert(payload, check.DeepEquals, []byte{1, 2})

	_, _, _, err = decodeFrame(frame[:3])
	c.Assert(err, check.ErrorMatches, ".*bad message.*")

	frame[4] = 99
	_, _, _, err = decodeFrame(frame)
	c.Assert(err, check.ErrorMatches, ".*bad message.*")
}
