// Command handler runs an operation handler.
//
// A handler forwards operations to the storage sites in the configured order
// (replica A first) and falls back according to its policy. It can serve
// POST /process for confirmed requests from the router, consume a fan-out
// topic for fire-and-forget requests, or both.
//
// Example:
//
//	handler --name borrow --kinds BORROW --listen-addr :8081 \
//	  --sites "site1=http://localhost:9001,site2=http://localhost:9002"
//
//	handler --name return --kinds RETURN \
//	  --sites "site1=http://localhost:9001,site2=http://localhost:9002" \
//	  --redis-addr localhost:6379 --topic sedes:ops:return
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/config"
	"github.com/dreamware/sedes/internal/handler"
	"github.com/dreamware/sedes/internal/logutil"
	"github.com/dreamware/sedes/internal/pubsub"
)

var log = logging.Logger("cmd/handler")

var logFatal = log.Fatalf

func newCommand() *cobra.Command {
	var (
		cfg        config.Handler
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:          "handler",
		Short:        "Run an operation handler in front of the storage sites",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(&cfg, cmd.Flags(), configPath, envFile); err != nil {
				return err
			}
			if err := logutil.Setup(cfg.LogLevel); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.StringVar(&envFile, "env-file", "", "file of SEDES_* variables to load")
	f.StringVar(&cfg.LogLevel, "log-level", logutil.DefaultLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.Name, "name", "handler", "name used in logs")
	f.Var(config.ListValue(&cfg.Kinds), "kinds", "comma separated operations accepted (default all)")
	f.Var(config.SitesValue(&cfg.Sites), "sites", "storage sites in failover order, id=addr[;healthAddr],...")
	f.StringVar(&cfg.Policy, "policy", string(handler.PolicyFailover), "fallback policy (failover or exhaustive)")
	f.StringVar(&cfg.ListenAddr, "listen-addr", "", "address serving POST /process")
	f.StringVar(&cfg.Topic, "topic", "", "fan-out topic to consume")
	f.StringVar(&cfg.Redis.Addr, "redis-addr", "", "Redis server carrying the topic")
	f.DurationVar((*time.Duration)(&cfg.Timeout), "timeout", handler.DefaultTimeout, "per-replica answer timeout")
	f.IntVar(&cfg.Workers, "workers", handler.DefaultWorkers, "concurrent operations when consuming the topic")
	return cmd
}

// build creates the handler described by cfg.
func build(cfg config.Handler) (*handler.Handler, error) {
	kinds, err := cfg.ParsedKinds()
	if err != nil {
		return nil, err
	}
	policy, err := handler.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	backends := make([]handler.Backend, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		backends = append(backends, handler.NewHTTPBackend(s))
	}
	return handler.New(handler.Config{
		Backends: backends,
		Kinds:    kinds,
		Name:     cfg.Name,
		Policy:   policy,
		Timeout:  cfg.Timeout.Std(),
	})
}

// run serves the configured modes until ctx is cancelled.
func run(ctx context.Context, cfg config.Handler) error {
	h, err := build(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.ListenAddr != "" {
		g.Go(func() error {
			log.Infof("handler[%s] listening on %s", cfg.Name, cfg.ListenAddr)
			return cluster.Serve(ctx, cfg.ListenAddr, h.Routes())
		})
	}
	if cfg.Topic != "" {
		bus, err := pubsub.NewRedisBus(pubsub.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer bus.Close()
		g.Go(func() error {
			if err := h.Subscribe(ctx, bus, cfg.Topic, cfg.Workers); err != nil {
				return fmt.Errorf("topic %s: %w", cfg.Topic, err)
			}
			return nil
		})
	}
	err = g.Wait()
	log.Infof("handler[%s] stopped", cfg.Name)
	return err
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logFatal("handler: %v", err)
	}
}
