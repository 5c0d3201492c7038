package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/mantisdb/dtxengine/config"
	"github.com/mantisdb/dtxengine/engine"
	"github.com/mantisdb/dtxengine/logging"
	"github.com/mantisdb/dtxengine/metrics"
	"github.com/mantisdb/dtxengine/placement"
	"github.com/mantisdb/dtxengine/shutdown"
	"github.com/mantisdb/dtxengine/transport"
	"github.com/mantisdb/dtxengine/vos"
)

// Cfg holds the process-level flags layered over config.Load()'s
// DAOS_DTX_*-derived tunables.
type Cfg struct {
	ClusterFile string
	MetricsAddr string
	LogLevel    string
	ShowVersion bool
}

// dtxd is the example process: it wires one engine.Container per
// process instance and serves it over gRPC (spec.md §2 "cmd/dtxd").
// It has no admin UI, query layer, or storage engine of its own — that
// is the vos/placement services it only consumes through their Go
// interfaces.
type dtxd struct {
	cfg             Cfg
	cluster         *ClusterConfig
	container       *engine.Container
	grpcServer      *grpc.Server
	metricsServer   *http.Server
	shutdownManager *shutdown.Manager
	startupManager  *shutdown.StartupManager
}

func main() {
	cfg := parseFlags()
	if cfg.ShowVersion {
		PrintVersion()
		return
	}
	if err := logging.Configure(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}

	cluster, err := LoadClusterConfig(cfg.ClusterFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load cluster config: %v\n", err)
		os.Exit(1)
	}

	d := newDtxd(cfg, cluster)
	d.shutdownManager.Listen()

	ctx := context.Background()
	if err := d.startupManager.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start dtxd: %v\n", err)
		os.Exit(1)
	}

	d.shutdownManager.Wait()
	fmt.Println("dtxd shutdown complete")
}

func parseFlags() Cfg {
	var cfg Cfg
	flag.StringVar(&cfg.ClusterFile, "cluster-config", "cluster.yaml", "Path to the rank->address cluster map")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.Parse()
	return cfg
}

// newDtxd constructs the process's Container and servers, and
// registers startup/shutdown functions in priority order, mirroring
// the teacher's registerStartupFunctions/registerShutdownFunctions
// split.
func newDtxd(cfg Cfg, cluster *ClusterConfig) *dtxd {
	d := &dtxd{
		cfg:             cfg,
		cluster:         cluster,
		shutdownManager: shutdown.NewManager(30 * time.Second),
		startupManager:  shutdown.NewStartupManager(60 * time.Second),
	}

	dtxCfg := config.Load()
	registry := metrics.NewRegistry()

	// No pool service or object store is reachable from a standalone
	// demo process; production deployments provide real
	// vos.Interface/placement.Map implementations here instead.
	store := vos.NewFake()
	pool := placement.NewFake()
	sender := transport.NewGRPC(cluster)

	d.container = engine.New(cluster.Self, dtxCfg, engine.Deps{
		Store:   store,
		Pool:    pool,
		Sender:  sender,
		Metrics: registry.For(fmt.Sprintf("rank-%d", cluster.Self)),
	})

	d.grpcServer = grpc.NewServer()
	d.grpcServer.RegisterService(serviceDescPtr(d.container), d.container)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
	d.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	d.registerStartupFunctions()
	d.registerShutdownFunctions()
	return d
}

func serviceDescPtr(c *engine.Container) *grpc.ServiceDesc {
	sd := serviceDesc(c)
	return &sd
}

func (d *dtxd) registerStartupFunctions() {
	d.startupManager.RegisterStartupFunc("engine", 1, func(ctx context.Context) error {
		d.container.Start(ctx)
		return nil
	})

	d.startupManager.RegisterStartupFunc("grpc", 2, func(ctx context.Context) error {
		addr := d.cluster.Ranks[d.cluster.Self]
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		go func() {
			if err := d.grpcServer.Serve(lis); err != nil {
				fmt.Fprintf(os.Stderr, "grpc server stopped: %v\n", err)
			}
		}()
		return nil
	})

	d.startupManager.RegisterStartupFunc("metrics", 3, func(ctx context.Context) error {
		go func() {
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
			}
		}()
		return nil
	})

	d.startupManager.RegisterStartupFunc("startup-complete", 4, func(ctx context.Context) error {
		fmt.Printf("dtxd started: rank=%d listen=%s metrics=%s\n",
			d.cluster.Self, d.cluster.Ranks[d.cluster.Self], d.cfg.MetricsAddr)
		return nil
	})
}

func (d *dtxd) registerShutdownFunctions() {
	d.shutdownManager.RegisterShutdownFunc("grpc", 1, func(ctx context.Context) error {
		d.grpcServer.GracefulStop()
		return nil
	})

	d.shutdownManager.RegisterShutdownFunc("metrics", 2, func(ctx context.Context) error {
		return d.metricsServer.Shutdown(ctx)
	})

	d.shutdownManager.RegisterShutdownFunc("engine", 3, func(ctx context.Context) error {
		return d.container.Close(ctx)
	})
}
