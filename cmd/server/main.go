package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/discovery"
	"github.com/ryandielhenn/zephyrkv/internal/config"
	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/journal"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
	"github.com/ryandielhenn/zephyrkv/pkg/node"
	"github.com/ryandielhenn/zephyrkv/pkg/ring"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "path to yaml config")
	join := flag.Bool("join", false, "join the cluster at startup")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := cfg.Log.NewZapLogger()
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, *join || cfg.Cluster.AutoJoin, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// reportRegistryDrift logs when etcd and the gossip view disagree. Only the
// view decides membership.
func reportRegistryDrift(logger *zap.Logger, peers map[string]string, proto *gossip.Protocol) {
	if proto.State() != gossip.Joined {
		return
	}
	missing, extra := discovery.Diff(peers, proto.View().Members())
	if len(missing) == 0 && len(extra) == 0 {
		return
	}
	logger.Warn("registry disagrees with membership view",
		zap.Strings("unregistered_members", missing), zap.Strings("registered_non_members", extra))
}

func run(cfg *config.Config, autoJoin bool, logger *zap.Logger) (err error) {
	telemetry.SetBuildInfo(version, gitSHA)
	self := cfg.Node.ID()
	logger = logger.With(zap.Stringer("self", self))

	// 1. Membership: journal, transport and protocol
	j, err := journal.Open(cfg.Journal.Dir, self, logger)
	if err != nil {
		return err
	}
	tr, err := gossip.NewNetTransport(gossip.NetConfig{
		Multicast: cfg.Cluster.Multicast,
		Interface: cfg.Cluster.Interface,
		TTL:       cfg.Cluster.MulticastTTL,
		Loopback:  *cfg.Cluster.MulticastLoopback,
	}, logger)
	if err != nil {
		j.Close()
		return err
	}
	proto := gossip.New(gossip.Config{
		JoinTimeout:   cfg.Cluster.JoinTimeout,
		JoinAttempts:  cfg.Cluster.JoinAttempts,
		SoloBootstrap: *cfg.Cluster.SoloBootstrap,
	}, self, j, tr, gossip.NewView(), logger)
	defer func() { err = multierr.Append(err, proto.Close()) }()

	// 2. Key-value routing over the ring that follows the view
	fwd, err := node.ListenUDP(self.String(), logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, fwd.Close()) }()

	n := node.New(self, kv.NewStore(cfg.KV.CapacityBytes), ring.New(cfg.KV.VirtualNodes, ring.XXHash), fwd,
		node.Options{ForwardTimeout: cfg.KV.ForwardTimeout, Retries: cfg.KV.ForwardRetries}, logger)
	fwd.Start(n.Serve)
	n.Attach(proto)

	// 3. Optional etcd registration
	var reg *discovery.Registry
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.Discovery.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		reg = discovery.NewRegistry(cli, cfg.Discovery.Prefix, cfg.Discovery.LeaseTTLSeconds, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = reg.Register(ctx, self, cfg.HTTP.BindAddr)
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := reg.Deregister(ctx); err != nil {
				logger.Warn("deregister failed", zap.Error(err))
			}
		}()
	
		watchCtx, stopWatch := context.WithCancel(context.Background())
		defer stopWatch()
		reg.WatchPeers(watchCtx, func(peers map[string]string) {
			reportRegistryDrift(logger, peers, proto)
		})
	}

	// 4. HTTP API
	gin.SetMode(gin.ReleaseMode)
	var h http.Handler
	if reg != nil {
		h = n.Handler(reg)
	} else {
		h = n.Handler(nil)
	}
	srv := &http.Server{Addr: cfg.HTTP.BindAddr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.BindAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if autoJoin {
		if err := proto.Join(context.Background()); err != nil {
			logger.Error("join at startup failed", zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	case err := <-errc:
		return err
	}

	if proto.State() == gossip.Joined {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := proto.Leave(ctx); err != nil {
			logger.Warn("leave on shutdown failed", zap.Error(err))
		}
		cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
