package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"

	"github.com/mycok/uSketch/cluster"
	"github.com/mycok/uSketch/cluster/rpc"
	"github.com/mycok/uSketch/forwarder"
	"github.com/mycok/uSketch/internal/telemetry"
	"github.com/mycok/uSketch/localcluster"
	"github.com/mycok/uSketch/partition"
	"github.com/mycok/uSketch/service"
	"github.com/mycok/uSketch/worker"
)

const rankRetryInterval = 2 * time.Second

var (
	appName = "usketch"
	appSHA  = "latest-app-git-sha" // Populated by the compiler at the linking stage.
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSHA,
		"host": host,
	})

	if err := configureAppEnv().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to an error")
		_ = os.Stderr.Sync()

		os.Exit(1)
	}
}

func configureAppEnv() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSHA
	app.Usage = "maintain the connectivity sketches of a streamed graph across a cluster"
	app.Flags = appFlags()
	app.Before = applyConfigFile
	app.Action = execute

	return app
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			EnvVars: []string{"USKETCH_CONFIG"},
			Usage:   "Path to a TOML file providing values for any of the other flags",
		},
		&cli.StringFlag{
			Name:    "stream",
			EnvVars: []string{"STREAM_FILE"},
			Usage:   "Graph stream ingested by the leader ('n m' header followed by 'type a b' lines)",
		},
		&cli.Uint64Flag{
			Name:    "seed",
			Value:   1,
			EnvVars: []string{"SKETCH_SEED"},
			Usage:   "Seed of the sketch hash functions",
		},
		&cli.Uint64Flag{
			Name:    "query-every",
			EnvVars: []string{"QUERY_EVERY"},
			Usage:   "Run a connectivity query every N stream updates; 0 only queries at the end of the stream",
		},
		&cli.IntFlag{
			Name:    "local",
			EnvVars: []string{"LOCAL_RANKS"},
			Usage:   "Run a cluster of N ranks inside this process instead of joining a distributed one",
		},
		&cli.StringFlag{
			Name:    "rank-detection-mode",
			Value:   "static",
			EnvVars: []string{"RANK_DETECTION_MODE"},
			Usage:   "The rank detection mode to use. Supported values are 'dns=HEADLESS_SERVICE_NAME' (k8s) and 'static' (--rank and --peers)",
		},
		&cli.IntFlag{
			Name:    "rank",
			Value:   -1,
			EnvVars: []string{"RANK"},
			Usage:   "Rank of this process when using static rank detection",
		},
		&cli.StringSliceFlag{
			Name:    "peers",
			EnvVars: []string{"PEERS"},
			Usage:   "gRPC addresses of every rank, indexed by rank, when using static rank detection",
		},
		&cli.IntFlag{
			Name:    "grpc-port",
			Value:   8080,
			EnvVars: []string{"GRPC_PORT"},
			Usage:   "Exposed port for the cluster gRPC endpoint",
		},
		&cli.IntFlag{
			Name:    "pprof-port",
			Value:   6060,
			EnvVars: []string{"PPROF_PORT"},
			Usage:   "Exposed port for the pprof and prometheus metrics endpoints",
		},
		&cli.IntFlag{
			Name:    "max-forwarders",
			Value:   cluster.DefaultMaxForwarders,
			EnvVars: []string{"MAX_FORWARDERS"},
			Usage:   "Upper bound on the number of forwarder pairs",
		},
		&cli.IntFlag{
			Name:    "helpers",
			Value:   runtime.NumCPU(),
			EnvVars: []string{"WORKER_HELPERS"},
			Usage:   "Number of delta-computing helpers per worker [defaults to number of CPU's]",
		},
		&cli.IntFlag{
			Name:    "gutter-size",
			Value:   64,
			EnvVars: []string{"GUTTER_SIZE"},
			Usage:   "Number of updates buffered per vertex before they are dispatched",
		},
		&cli.IntFlag{
			Name:    "batches-per-message",
			Value:   32,
			EnvVars: []string{"BATCHES_PER_MESSAGE"},
			Usage:   "Number of vertex batches grouped in a single cluster message",
		},
		&cli.IntFlag{
			Name:    "queue-factor",
			Value:   8,
			EnvVars: []string{"QUEUE_FACTOR"},
			Usage:   "Number of ready messages buffered before ingestion blocks",
		},
		&cli.IntFlag{
			Name:    "local-cutoff",
			Value:   400,
			EnvVars: []string{"LOCAL_CUTOFF"},
			Usage:   "Messages averaging fewer updates per batch are processed on the leader; negative disables",
		},
		&cli.StringFlag{
			Name:    "max-message-size",
			Value:   humanize.IBytes(rpc.DefaultMaxPayloadSize),
			EnvVars: []string{"MAX_MESSAGE_SIZE"},
			Usage:   "Largest cluster message payload every rank accepts, e.g. 64MiB",
		},
		&cli.StringFlag{
			Name:    "status-file",
			Value:   "cluster_status.txt",
			EnvVars: []string{"STATUS_FILE"},
			Usage:   "File periodically rewritten with the leader's pipeline status; empty disables",
		},
	}
}

func execute(appCtx *cli.Context) error {
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	// Start os signal watcher.
	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)

		select {
		case s := <-signalChan:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			cancelFn()
		case <-ctx.Done():
		}
	}()

	pprofListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("pprof-port")))
	if err != nil {
		return err
	}
	defer func() { _ = pprofListener.Close() }()

	telemetry.SetBuildInfo(appCtx.App.Version, appSHA)

	if ranks := appCtx.Int("local"); ranks > 0 {
		return runLocal(ctx, appCtx, ranks, pprofListener)
	}

	return runDistributed(ctx, appCtx, pprofListener)
}

// runLocal runs the leader against an in-process cluster.
func runLocal(ctx context.Context, appCtx *cli.Context, ranks int, pprofListener net.Listener) error {
	lc, err := localcluster.Start(ctx, localcluster.Config{
		Ranks:         ranks,
		MaxForwarders: appCtx.Int("max-forwarders"),
		Helpers:       appCtx.Int("helpers"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer lc.Close()

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	group := service.Group{
		httpService(pprofListener),
		service.Func{ServiceName: "leader", RunFn: func(ctx context.Context) error {
			defer cancelFn()

			if err := runLeader(ctx, appCtx, lc.Leader(), lc.Topology()); err != nil {
				return err
			}

			return lc.Wait(ctx)
		}},
	}

	return group.Execute(ctx, logger)
}

// runDistributed joins a cluster whose ranks communicate over gRPC.
func runDistributed(ctx context.Context, appCtx *cli.Context, pprofListener net.Listener) error {
	detector, err := getRankDetector(appCtx)
	if err != nil {
		return err
	}

	rank, peers, err := detectRank(ctx, clock.WallClock, detector)
	if err != nil {
		return err
	}

	topo, err := cluster.NewTopology(len(peers), appCtx.Int("max-forwarders"))
	if err != nil {
		return err
	}

	role, _, err := topo.RoleOf(rank)
	if err != nil {
		return err
	}

	rankLogger := logger.WithFields(logrus.Fields{"rank": rank, "role": role.String()})

	maxPayload, err := maxPayloadSize(appCtx)
	if err != nil {
		return err
	}

	transport, err := rpc.New(rpc.Config{Rank: rank, Peers: peers, MaxPayloadSize: maxPayload, Logger: rankLogger})
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("grpc-port")))
	if err != nil {
		return err
	}
	defer func() { _ = grpcListener.Close() }()

	srv := grpc.NewServer(transport.ServerOptions()...)
	transport.Register(srv)

	roleSvc, err := roleService(appCtx, role, transport, topo, rankLogger)
	if err != nil {
		return err
	}

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	group := service.Group{
		httpService(pprofListener),
		service.Func{ServiceName: "grpc", RunFn: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				srv.Stop()
			}()

			rankLogger.WithField("port", appCtx.Int("grpc-port")).Info("listening for gRPC connections")

			return srv.Serve(grpcListener)
		}},
		service.Func{ServiceName: roleSvc.Name(), RunFn: func(ctx context.Context) error {
			// The process exits once its role is done.
			defer cancelFn()

			return roleSvc.Run(ctx)
		}},
	}

	return group.Execute(ctx, rankLogger)
}

func roleService(appCtx *cli.Context, role cluster.Role, transport cluster.Transport, topo cluster.Topology, logger *logrus.Entry) (service.Service, error) {
	switch role {
	case cluster.RoleLeader:
		return service.Func{ServiceName: "leader", RunFn: func(ctx context.Context) error {
			return runLeader(ctx, appCtx, transport, topo)
		}}, nil
	case cluster.RoleBatchForwarder:
		return forwarder.NewBatchForwarder(forwarder.Config{Transport: transport, Logger: logger})
	case cluster.RoleDeltaForwarder:
		return forwarder.NewDeltaForwarder(forwarder.Config{Transport: transport, Logger: logger})
	case cluster.RoleWorker:
		return worker.New(worker.Config{
			Transport: transport,
			Topology:  topo,
			Helpers:   appCtx.Int("helpers"),
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unsupported role %s", role)
	}
}

func httpService(listener net.Listener) service.Service {
	return service.Func{ServiceName: "pprof", RunFn: func(ctx context.Context) error {
		// The pprof handlers live on the default mux.
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		mux.Handle("/debug/pprof/", http.DefaultServeMux)

		srv := &http.Server{Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		logger.WithField("addr", listener.Addr().String()).Info("listening for pprof and metrics requests")

		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	}}
}

func getRankDetector(appCtx *cli.Context) (partition.Detector, error) {
	mode := appCtx.String("rank-detection-mode")

	switch {
	case mode == "static":
		return partition.Static{Rank: appCtx.Int("rank"), Peers: appCtx.StringSlice("peers")}, nil
	case strings.HasPrefix(mode, "dns="):
		tokens := strings.Split(mode, "=")
		return partition.DetectFromSRVRecords(tokens[1], appCtx.Int("grpc-port")), nil
	default:
		return nil, fmt.Errorf("unsupported rank detection mode: %q", mode)
	}
}

func maxPayloadSize(appCtx *cli.Context) (int, error) {
	size, err := humanize.ParseBytes(appCtx.String("max-message-size"))
	if err != nil {
		return 0, fmt.Errorf("invalid max message size: %w", err)
	}

	if size == 0 || size > math.MaxInt32 {
		return 0, fmt.Errorf("max message size must be between 1 byte and 2GiB")
	}

	return int(size), nil
}

// detectRank retries while the SRV records of a freshly deployed stateful
// set are still being published.
func detectRank(ctx context.Context, clk clock.Clock, detector partition.Detector) (int, []string, error) {
	for {
		rank, peers, err := detector.RankInfo()
		if !errors.Is(err, partition.ErrNoPartitionDataAvailableYet) {
			return rank, peers, err
		}

		logger.Warn("cluster membership not yet available; retrying")

		select {
		case <-clk.After(rankRetryInterval):
		case <-ctx.Done():
			return -1, nil, ctx.Err()
		}
	}
}
