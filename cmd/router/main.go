// Command router runs the client-facing request router.
//
// Clients POST an operation to / as JSON or as a text line such as
// "PRESTAR,ISBN0001,ana". Borrows are always forwarded to the borrow handler
// and answered with its result. Returns and renewals are either confirmed
// the same way or, with the fire-and-forget strategy, acknowledged at once
// and published on a Redis topic for subscribed handlers.
//
// Example:
//
//	router --listen-addr :8080 \
//	  --borrow-handler http://localhost:8081 \
//	  --renew-handler http://localhost:8083 \
//	  --return-strategy fire-and-forget --redis-addr localhost:6379
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/config"
	"github.com/dreamware/sedes/internal/logutil"
	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/pubsub"
	"github.com/dreamware/sedes/internal/router"
)

var log = logging.Logger("cmd/router")

var logFatal = log.Fatalf

func newCommand() *cobra.Command {
	var (
		cfg        config.Router
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:          "router",
		Short:        "Run the request router",
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
	f.StringVar(&cfg.ListenAddr, "listen-addr", ":8080", "client listener address")
	f.StringVar(&cfg.BorrowHandler, "borrow-handler", "", "borrow handler base URL")
	f.StringVar(&cfg.ReturnHandler, "return-handler", "", "return handler base URL")
	f.StringVar(&cfg.RenewHandler, "renew-handler", "", "renew handler base URL")
	f.StringVar(&cfg.ReturnStrategy, "return-strategy", string(router.StrategyConfirmed), "confirmed or fire-and-forget")
	f.StringVar(&cfg.RenewStrategy, "renew-strategy", string(router.StrategyConfirmed), "confirmed or fire-and-forget")
	f.StringVar(&cfg.ReturnTopic, "return-topic", router.DefaultReturnTopic, "topic for fire-and-forget returns")
	f.StringVar(&cfg.RenewTopic, "renew-topic", router.DefaultRenewTopic, "topic for fire-and-forget renewals")
	f.StringVar(&cfg.Redis.Addr, "redis-addr", "", "Redis server for fire-and-forget topics")
	f.DurationVar((*time.Duration)(&cfg.Timeout), "timeout", router.DefaultTimeout, "handler answer timeout, above twice the handlers' --timeout")
	f.DurationVar((*time.Duration)(&cfg.LoanPeriod), "loan-period", protocol.DefaultLoanPeriod, "loan period quoted in renew acknowledgements")
	return cmd
}

// build creates the router described by cfg. The returned bus, if any, is
// owned by the caller.
func build(cfg config.Router) (*router.Router, pubsub.Bus, error) {
	returnStrategy, err := router.ParseStrategy(cfg.ReturnStrategy)
	if err != nil {
		return nil, nil, err
	}
	renewStrategy, err := router.ParseStrategy(cfg.RenewStrategy)
	if err != nil {
		return nil, nil, err
	}

	rc := router.Config{
		Borrow:         router.NewHTTPHandlerClient(cfg.BorrowHandler),
		ReturnTopic:    cfg.ReturnTopic,
		RenewTopic:     cfg.RenewTopic,
		ReturnStrategy: returnStrategy,
		RenewStrategy:  renewStrategy,
		Timeout:        cfg.Timeout.Std(),
		LoanPeriod:     cfg.LoanPeriod.Std(),
	}
	if cfg.ReturnHandler != "" {
		rc.Return = router.NewHTTPHandlerClient(cfg.ReturnHandler)
	}
	if cfg.RenewHandler != "" {
		rc.Renew = router.NewHTTPHandlerClient(cfg.RenewHandler)
	}

	var bus pubsub.Bus
	if cfg.Redis.Addr != "" {
		rb, err := pubsub.NewRedisBus(pubsub.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return nil, nil, err
		}
		bus = rb
		rc.Bus = bus
	}

	r, err := router.New(rc)
	if err != nil {
		if bus != nil {
			bus.Close()
		}
		return nil, nil, err
	}
	return r, bus, nil
}

// run serves clients until ctx is cancelled, then waits for pending
// publishes before closing the bus.
func run(ctx context.Context, cfg config.Router) error {
	r, bus, err := build(cfg)
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close()
	}

	log.Infof("router listening on %s (return %s, renew %s)", cfg.ListenAddr, cfg.ReturnStrategy, cfg.RenewStrategy)
	err = cluster.Serve(ctx, cfg.ListenAddr, r)
	r.Wait()
	log.Info("router stopped")
	return err
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logFatal("router: %v", err)
	}
}
