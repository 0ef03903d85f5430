// Command manager runs the storage manager of one site.
//
// The manager owns the site's inventory and loan ledger, persisted as
// books_<site>.csv and loans_<site>.csv under the data directory. It serves
// operations on the service address and health queries on a separate health
// address, broadcasts its own mutations on a Redis channel and applies the
// peer site's broadcasts from the peer channel.
//
// Example:
//
//	manager --site-id site1 --data-dir ./data \
//	  --service-addr :9001 --health-addr :9101 \
//	  --redis-addr localhost:6379 --peer-channel sedes:replica:site2
//
// Every flag has a SEDES_* environment equivalent (SEDES_SITE_ID,
// SEDES_DATA_DIR, ...) and a key in the YAML file given with --config.
// Without a Redis address the site runs standalone and replication is off.
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

	"github.com/dreamware/sedes/internal/config"
	"github.com/dreamware/sedes/internal/logutil"
	"github.com/dreamware/sedes/internal/manager"
	"github.com/dreamware/sedes/internal/pubsub"
	"github.com/dreamware/sedes/internal/storage"
)

var log = logging.Logger("cmd/manager")

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

const redisPingTimeout = 3 * time.Second

func newCommand() *cobra.Command {
	var (
		cfg        config.Manager
		configPath string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:          "manager",
		Short:        "Run the storage manager of one site",
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
	f.StringVar(&cfg.SiteID, "site-id", "", "site identifier")
	f.StringVar(&cfg.Role, "role", "primary", "role reported in health replies (primary or secondary)")
	f.StringVar(&cfg.DataDir, "data-dir", "data", "directory holding the site's ledger files")
	f.StringVar(&cfg.ServiceAddr, "service-addr", ":9001", "operation listener address")
	f.StringVar(&cfg.HealthAddr, "health-addr", ":9101", "health listener address")
	f.StringVar(&cfg.Redis.Addr, "redis-addr", "", "Redis server for broadcasts (empty runs standalone)")
	f.StringVar(&cfg.Channel, "channel", "", "broadcast channel (default sedes:replica:<site-id>)")
	f.StringVar(&cfg.PeerRedis.Addr, "peer-redis-addr", "", "Redis server carrying the peer's broadcasts (default --redis-addr)")
	f.StringVar(&cfg.PeerChannel, "peer-channel", "", "peer broadcast channel")
	f.DurationVar((*time.Duration)(&cfg.CheckInterval), "check-interval", manager.DefaultCheckInterval, "store health check interval")
	f.DurationVar((*time.Duration)(&cfg.RecoveryDelay), "recovery-delay", manager.DefaultRecoveryDelay, "delay of the extra check after a store alert")
	f.DurationVar((*time.Duration)(&cfg.LoanPeriod), "loan-period", 7*24*time.Hour, "loan period granted on borrow and renew")
	return cmd
}

// run builds the manager from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Manager) error {
	store, err := storage.NewFileStore(cfg.DataDir, cfg.SiteID)
	if err != nil {
		return err
	}

	bus, peerBus, closeBuses, err := buses(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBuses()

	m, err := manager.New(manager.Config{
		Store:         store,
		Bus:           bus,
		Channel:       cfg.BroadcastChannel(),
		PeerBus:       peerBus,
		PeerChannel:   cfg.PeerChannel,
		SiteID:        cfg.SiteID,
		Role:          cfg.Role,
		CheckInterval: cfg.CheckInterval.Std(),
		RecoveryDelay: cfg.RecoveryDelay.Std(),
		LoanPeriod:    cfg.LoanPeriod.Std(),
	})
	if err != nil {
		return err
	}

	log.Infof("site[%s] ledger files in %s", cfg.SiteID, cfg.DataDir)
	return m.Serve(ctx, cfg.ServiceAddr, cfg.HealthAddr)
}

// buses connects the broadcast and peer buses. Without Redis the site
// broadcasts into an in-process bus nobody else reads.
func buses(ctx context.Context, cfg config.Manager) (bus, peer pubsub.Bus, closeAll func(), err error) {
	var opened []pubsub.Bus
	closeAll = func() {
		for _, b := range opened {
			_ = b.Close()
		}
	}

	if cfg.Redis.Addr == "" {
		log.Warnf("site[%s] no redis address, replication disabled", cfg.SiteID)
		bus = pubsub.NewMemoryBus()
		opened = append(opened, bus)
		return bus, nil, closeAll, nil
	}

	connect := func(r config.Redis) (*pubsub.RedisBus, error) {
		b, err := pubsub.NewRedisBus(pubsub.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err != nil {
			return nil, err
		}
		opened = append(opened, b)
		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := b.Ping(pctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", r.Addr, err)
		}
		return b, nil
	}

	own, err := connect(cfg.Redis)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	bus = own
	if cfg.PeerChannel == "" {
		log.Warnf("site[%s] no peer channel, not applying peer broadcasts", cfg.SiteID)
		return bus, nil, closeAll, nil
	}
	if cfg.Peer() == cfg.Redis {
		return bus, bus, closeAll, nil
	}
	other, err := connect(cfg.Peer())
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return bus, other, closeAll, nil
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logFatal("manager: %v", err)
	}
}
