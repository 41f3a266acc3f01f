package forwarder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mycok/uSketch/cluster"
)

// DeltaForwarder relays the deltas of the workers owned by one lane back to
// the leader and acknowledges a Flush once every owned worker has.
type DeltaForwarder struct {
	config Config
}

// NewDeltaForwarder creates a delta forwarder.
func NewDeltaForwarder(config Config) (*DeltaForwarder, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("delta forwarder: config validation failed: %w", err)
	}

	return &DeltaForwarder{config: config}, nil
}

// Name returns the name of the service.
func (f *DeltaForwarder) Name() string { return "delta-forwarder" }

// Run serves epochs until the leader sends Shutdown, ctx expires or a
// protocol violation occurs.
func (f *DeltaForwarder) Run(ctx context.Context) error {
	logger := f.config.Logger.WithField("rank", f.config.Transport.Rank())
	logger.Info("started service")
	defer logger.Info("stopped service")

	for {
		ep, err := awaitEpoch(ctx, f.config.Transport, cluster.RoleDeltaForwarder)
		if err != nil {
			return err
		}

		if ep == nil {
			return nil
		}

		epochLogger := logger.WithFields(logrus.Fields{
			"lane":    ep.lane,
			"workers": len(ep.owned),
		})
		epochLogger.Info("starting epoch")

		shutdown, err := f.serve(ctx, ep)
		if err != nil {
			return err
		}

		if shutdown {
			return nil
		}

		epochLogger.Info("epoch stopped")
	}
}

func (f *DeltaForwarder) serve(ctx context.Context, ep *epoch) (bool, error) {
	transport := f.config.Transport
	buf := make([]byte, ep.maxMsg)

	owned := make(map[int]bool, len(ep.owned))
	for _, w := range ep.owned {
		owned[w] = true
	}

	var flushes int
	for {
		env, err := transport.Recv(ctx, cluster.AnySource, cluster.AnyCode, buf)
		if err != nil {
			return false, err
		}

		switch env.Code {
		case cluster.CodeDelta:
			if !owned[env.Source] {
				return false, cluster.BadMessage(env, "delta from a worker of another lane")
			}

			// The relay is synchronous: buf is reused by the next receive.
			req, err := transport.SendAsync(cluster.LeaderRank, cluster.CodeDelta, env.Payload)
			if err != nil {
				return false, err
			}

			if err := req.Wait(ctx); err != nil {
				return false, err
			}

		case cluster.CodeFlush:
			if !owned[env.Source] {
				return false, cluster.BadMessage(env, "flush from a worker of another lane")
			}

			if flushes++; flushes == len(ep.owned) {
				if err := transport.Send(ctx, cluster.LeaderRank, cluster.CodeFlush, nil); err != nil {
					return false, err
				}
				flushes = 0
			}

		case cluster.CodeStop, cluster.CodeShutdown:
			if env.Source != cluster.LeaderRank {
				return false, cluster.BadMessage(env, "only the leader may stop an epoch")
			}

			return env.Code == cluster.CodeShutdown, nil

		default:
			return false, cluster.BadMessage(env, "unexpected code")
		}
	}
}
