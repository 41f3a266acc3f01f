/*
	rpc implements cluster.Transport on top of gRPC. Every rank serves a
	client-streaming Deliver method; each sender keeps one stream per
	destination rank, which preserves per-pair message order.

	Frames are wrapperspb.BytesValue messages laid out as
	[source uint32][code uint8][payload].
*/

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/internal/telemetry"
)

const (
	frameHeaderSize = 5

	// Room for the BytesValue field tag and length around a frame.
	protoOverhead = 16

	// DefaultMaxPayloadSize is the payload limit used when none is
	// configured.
	DefaultMaxPayloadSize = 64 << 20

	// Upper bound on the time Close waits for queued frames to be sent.
	closeTimeout = 5 * time.Second
)

var _ cluster.Transport = (*Transport)(nil)

type deliverer interface {
	deliver(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "usketch.Cluster",
	HandlerType: (*deliverer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Deliver",
			Handler:       deliverHandler,
			ClientStreams: true,
		},
	},
	Metadata: "usketch/cluster.proto",
}

const deliverMethod = "/usketch.Cluster/Deliver"

func deliverHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(deliverer).deliver(stream)
}

// Config defines the configuration of a gRPC transport.
type Config struct {
	// The rank of the local process.
	Rank int

	// Addresses of every rank, indexed by rank.
	Peers []string

	// Number of frames queued per destination before Send blocks.
	// Defaults to 64.
	QueueSize int

	// The largest payload the transport carries. Both the sending and the
	// receiving side of a cluster must agree on it. Defaults to
	// DefaultMaxPayloadSize.
	MaxPayloadSize int

	// Extra options for dialing peers. Plain-text transport credentials
	// are used if none are given.
	DialOptions []grpc.DialOption

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (config *Config) validate() error {
	var err error

	if len(config.Peers) == 0 {
		err = multierror.Append(err, fmt.Errorf("peer list not provided"))
	}

	if config.Rank < 0 || config.Rank >= len(config.Peers) {
		err = multierror.Append(err, fmt.Errorf("rank %d outside of %d peers", config.Rank, len(config.Peers)))
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	if config.MaxPayloadSize < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid value for max payload size"))
	} else if config.MaxPayloadSize == 0 {
		config.MaxPayloadSize = DefaultMaxPayloadSize
	}

	opts := config.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	limit := config.MaxPayloadSize + frameHeaderSize + protoOverhead
	config.DialOptions = append(opts[:len(opts):len(opts)], grpc.WithDefaultCallOptions(
		grpc.MaxCallSendMsgSize(limit),
		grpc.MaxCallRecvMsgSize(limit),
	))

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}

	return err
}

// Transport is a gRPC backed cluster.Transport.
type Transport struct {
	config  Config
	mailbox *cluster.Mailbox

	ctx       context.Context
	cancelFn  context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	peers map[int]*peer
}

// New creates a transport for the local rank. Incoming frames are only
// accepted once the transport is registered with a gRPC server.
func New(config Config) (*Transport, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("rpc transport: config validation failed: %w", err)
	}

	ctx, cancelFn := context.WithCancel(context.Background())

	return &Transport{
		config:   config,
		mailbox:  cluster.NewMailbox(),
		ctx:      ctx,
		cancelFn: cancelFn,
		closing:  make(chan struct{}),
		peers:    make(map[int]*peer),
	}, nil
}

// Register exposes the transport's Deliver method on srv. The server must
// be created with ServerOptions.
func (t *Transport) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, t)
}

// ServerOptions returns the options the gRPC server of this rank needs to
// accept every frame a peer may send.
func (t *Transport) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(t.config.MaxPayloadSize + frameHeaderSize + protoOverhead),
	}
}

// MaxPayloadSize implements cluster.PayloadLimiter.
func (t *Transport) MaxPayloadSize() int { return t.config.MaxPayloadSize }

func (t *Transport) checkSize(dest int, code cluster.MessageCode, payload []byte) error {
	if len(payload) > t.config.MaxPayloadSize {
		return fmt.Errorf("%s of %d bytes to %d exceeds %d bytes: %w", code, len(payload), dest, t.config.MaxPayloadSize, cluster.ErrPayloadTooLarge)
	}

	return nil
}

// Rank implements cluster.Transport.
func (t *Transport) Rank() int { return t.config.Rank }

// Size implements cluster.Transport.
func (t *Transport) Size() int { return len(t.config.Peers) }

// Send implements cluster.Transport.
func (t *Transport) Send(ctx context.Context, dest int, code cluster.MessageCode, payload []byte) error {
	if err := t.checkSize(dest, code, payload); err != nil {
		return err
	}

	if dest == t.config.Rank {
		return t.mailbox.Deliver(dest, code, append([]byte(nil), payload...), nil)
	}

	p, err := t.peer(dest)
	if err != nil {
		return err
	}

	return p.enqueue(ctx, outgoing{frame: encodeFrame(t.config.Rank, code, payload)})
}

// SendAsync implements cluster.Transport. The request completes once the
// frame has been handed to the gRPC stream.
func (t *Transport) SendAsync(dest int, code cluster.MessageCode, payload []byte) (*cluster.Request, error) {
	if err := t.checkSize(dest, code, payload); err != nil {
		return nil, err
	}

	req := cluster.NewRequest()

	if dest == t.config.Rank {
		if err := t.mailbox.Deliver(dest, code, payload, req); err != nil {
			return nil, err
		}

		return req, nil
	}

	p, err := t.peer(dest)
	if err != nil {
		return nil, err
	}

	err = p.enqueue(t.ctx, outgoing{code: code, payload: payload, req: req})
	if err != nil {
		return nil, err
	}

	return req, nil
}

// Recv implements cluster.Transport.
func (t *Transport) Recv(ctx context.Context, source int, filter cluster.CodeFilter, buf []byte) (cluster.Envelope, error) {
	env, err := t.mailbox.Receive(ctx, source, filter, buf)
	if err == nil {
		telemetry.FramesTotal.WithLabelValues("in", env.Code.String()).Inc()
	}

	return env, err
}

// Close sends the frames still queued, stops every outgoing stream and
// fails blocked receivers.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeOnce.Do(func() { close(t.closing) })
	t.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(closeTimeout):
		t.config.Logger.Warn("dropping frames still queued at close")
	}

	t.cancelFn()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for rank, p := range t.peers {
		if cErr := p.conn.Close(); cErr != nil {
			err = multierror.Append(err, fmt.Errorf("close connection to %d: %w", rank, cErr))
		}
	}
	t.peers = map[int]*peer{}
	t.mailbox.Close()

	return err
}

func (t *Transport) deliver(stream grpc.ServerStream) error {
	for {
		frame := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return stream.SendMsg(new(emptypb.Empty))
			}

			return err
		}

		source, code, payload, err := decodeFrame(frame.GetValue())
		if err != nil || source >= len(t.config.Peers) {
			t.config.Logger.WithField("err", err).Error("dropping malformed frame")

			return status.Error(codes.InvalidArgument, "malformed frame")
		}

		if err := t.mailbox.Deliver(source, code, payload, nil); err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
	}
}

func (t *Transport) peer(rank int) (*peer, error) {
	if rank < 0 || rank >= len(t.config.Peers) {
		return nil, fmt.Errorf("send to %d: %w", rank, cluster.ErrUnknownRank)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closing:
		return nil, cluster.ErrClosed
	default:
	}

	if p, ok := t.peers[rank]; ok {
		return p, nil
	}

	conn, err := grpc.Dial(t.config.Peers[rank], t.config.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial rank %d at %s: %w", rank, t.config.Peers[rank], err)
	}

	p := &peer{
		rank:    rank,
		source:  t.config.Rank,
		conn:    conn,
		queue:   make(chan outgoing, t.config.QueueSize),
		closing: t.closing,
		done:    make(chan struct{}),
		logger:  t.config.Logger.WithField("peer", rank),
	}
	t.peers[rank] = p

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.run(t.ctx)
	}()

	return p, nil
}

type outgoing struct {
	// Pre-encoded frame of an eager send.
	frame []byte

	// Payload and request of an asynchronous send, encoded by the stream
	// goroutine.
	code    cluster.MessageCode
	payload []byte
	req     *cluster.Request
}

type peer struct {
	rank   int
	source int
	conn   *grpc.ClientConn
	queue  chan outgoing
	logger *logrus.Entry

	// Closed when the transport starts closing.
	closing <-chan struct{}

	// Closed when run exits; err holds the reason.
	done chan struct{}
	err  error
}

func (p *peer) enqueue(ctx context.Context, out outgoing) error {
	select {
	case p.queue <- out:
		return nil
	case <-p.done:
		return fmt.Errorf("send to %d: %w", p.rank, p.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) run(ctx context.Context) {
	err := p.stream(ctx)
	if err == nil || ctx.Err() != nil {
		err = cluster.ErrClosed
	} else {
		p.logger.WithField("err", err).Error("outgoing stream failed")
	}

	p.err = err
	close(p.done)

	// Fail whatever is still queued.
	for {
		select {
		case out := <-p.queue:
			if out.req != nil {
				out.req.Complete(err)
			}
		default:
			return
		}
	}
}

func (p *peer) stream(ctx context.Context) error {
	// Ranks start in any order: wait for the peer to come up.
	stream, err := p.conn.NewStream(ctx, &serviceDesc.Streams[0], deliverMethod, grpc.WaitForReady(true))
	if err != nil {
		return err
	}

	frame := new(wrapperspb.BytesValue)
	for {
		select {
		case out := <-p.queue:
			if err := p.send(stream, frame, out); err != nil {
				return err
			}
		case <-p.closing:
			return p.drain(stream, frame)
		case <-ctx.Done():
			_ = stream.CloseSend()

			return nil
		}
	}
}

func (p *peer) send(stream grpc.ClientStream, frame *wrapperspb.BytesValue, out outgoing) error {
	code := out.code
	if out.frame != nil {
		frame.Value = out.frame
		code = cluster.MessageCode(out.frame[4])
	} else {
		frame.Value = encodeFrame(p.source, out.code, out.payload)
	}

	err := stream.SendMsg(frame)
	if errors.Is(err, io.EOF) {
		// The peer ended the stream; its status tells why.
		if rErr := stream.RecvMsg(new(emptypb.Empty)); rErr != nil && !errors.Is(rErr, io.EOF) {
			err = rErr
		}
	}

	if out.req != nil {
		out.req.Complete(err)
	}

	if err == nil {
		telemetry.FramesTotal.WithLabelValues("out", code.String()).Inc()
	}

	return err
}

// drain sends whatever is queued, then half-closes the stream and waits
// for the peer to acknowledge every frame.
func (p *peer) drain(stream grpc.ClientStream, frame *wrapperspb.BytesValue) error {
	for drained := false; !drained; {
		select {
		case out := <-p.queue:
			if err := p.send(stream, frame, out); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	if err := stream.CloseSend(); err != nil {
		return err
	}

	if err := stream.RecvMsg(new(emptypb.Empty)); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func encodeFrame(source int, code cluster.MessageCode, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(source))
	frame[4] = byte(code)

	return append(frame, payload...)
}

func decodeFrame(frame []byte) (int, cluster.MessageCode, []byte, error) {
	if len(frame) < frameHeaderSize {
		return 0, 0, nil, fmt.Errorf("frame of %d bytes: %w", len(frame), cluster.ErrBadMessage)
	}

	code := cluster.MessageCode(frame[4])
	if !code.Valid() {
		return 0, 0, nil, fmt.Errorf("frame with %s: %w", code, cluster.ErrBadMessage)
	}

	return int(binary.LittleEndian.Uint32(frame)), code, frame[frameHeaderSize:], nil
}
