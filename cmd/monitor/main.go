// Command monitor polls the storage sites' health endpoints and keeps the
// active-site designation.
//
// GET /status reports every site's state and the active site with the
// history of switches.
//
// Example:
//
//	monitor --listen-addr :9200 \
//	  --sites "site1=http://localhost:9001;http://localhost:9101,site2=http://localhost:9002;http://localhost:9102"
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/config"
	"github.com/dreamware/sedes/internal/logutil"
	"github.com/dreamware/sedes/internal/monitor"
)

var log = logging.Logger("cmd/monitor")

var logFatal = log.Fatalf

func newCommand() *cobra.Command {
	var (
		cfg        config.Monitor
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Monitor site health and designate the active site",
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
	f.StringVar(&cfg.ListenAddr, "listen-addr", ":9200", "status listener address")
	f.Var(config.SitesValue(&cfg.Sites), "sites", "monitored sites, id=addr[;healthAddr],...")
	f.StringVar(&cfg.Primary, "primary", "", "primary site id (default first site)")
	f.StringVar(&cfg.Secondary, "secondary", "", "secondary site id (default second site)")
	f.DurationVar((*time.Duration)(&cfg.CheckInterval), "check-interval", monitor.DefaultCheckInterval, "health poll interval")
	f.DurationVar((*time.Duration)(&cfg.CheckTimeout), "check-timeout", monitor.DefaultCheckTimeout, "health query timeout")
	f.DurationVar((*time.Duration)(&cfg.FailoverInterval), "failover-interval", monitor.DefaultFailoverInterval, "failover evaluation interval")
	return cmd
}

// run polls, evaluates and serves status until ctx is cancelled.
func run(ctx context.Context, cfg config.Monitor) error {
	hm := monitor.NewHealthMonitor(cfg.Sites, cfg.CheckInterval.Std(), cfg.CheckTimeout.Std())
	primary, secondary := cfg.Pair()
	ctrl, err := monitor.NewController(hm, primary, secondary, cfg.FailoverInterval.Std())
	if err != nil {
		return err
	}
	ctrl.OnSwitch(func(active, reason string) {
		log.Warnf("clients should use %s: %s", active, reason)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hm.Start(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error {
		log.Infof("monitor status on %s", cfg.ListenAddr)
		return cluster.Serve(ctx, cfg.ListenAddr, monitor.Routes(hm, ctrl))
	})
	return g.Wait()
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logFatal("monitor: %v", err)
	}
}
