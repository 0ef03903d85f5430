package config

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/handler"
	"github.com/dreamware/sedes/internal/monitor"
	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/router"
)

// Manager configures one storage manager process.
type Manager struct {
	SiteID      string `yaml:"siteId"`
	Role        string `yaml:"role"`
	DataDir     string `yaml:"dataDir"`
	ServiceAddr string `yaml:"serviceAddr"`
	HealthAddr  string `yaml:"healthAddr"`
	LogLevel    string `yaml:"logLevel"`

	// Redis carries this site's broadcasts on Channel. PeerRedis defaults
	// to the same server.
	Redis       Redis  `yaml:"redis"`
	Channel     string `yaml:"channel"`
	PeerRedis   Redis  `yaml:"peerRedis"`
	PeerChannel string `yaml:"peerChannel"`

	CheckInterval Duration `yaml:"checkInterval"`
	RecoveryDelay Duration `yaml:"recoveryDelay"`
	LoanPeriod    Duration `yaml:"loanPeriod"`
}

func (c *Manager) bindings() []binding {
	b := []binding{
		str("SITE_ID", &c.SiteID),
		str("ROLE", &c.Role),
		str("DATA_DIR", &c.DataDir),
		str("SERVICE_ADDR", &c.ServiceAddr),
		str("HEALTH_ADDR", &c.HealthAddr),
		str("LOG_LEVEL", &c.LogLevel),
		str("CHANNEL", &c.Channel),
		str("PEER_CHANNEL", &c.PeerChannel),
		duration("CHECK_INTERVAL", &c.CheckInterval),
		duration("RECOVERY_DELAY", &c.RecoveryDelay),
		duration("LOAN_PERIOD", &c.LoanPeriod),
	}
	b = append(b, redis("", &c.Redis)...)
	return append(b, redis("PEER_", &c.PeerRedis)...)
}

// Peer returns the Redis server carrying the peer's broadcasts.
func (c *Manager) Peer() Redis {
	if c.PeerRedis.Addr == "" {
		return c.Redis
	}
	return c.PeerRedis
}

// BroadcastChannel is Channel or the per-site default.
func (c *Manager) BroadcastChannel() string {
	if c.Channel != "" {
		return c.Channel
	}
	return "sedes:replica:" + c.SiteID
}

func (c *Manager) Validate() error {
	switch {
	case c.SiteID == "":
		return errors.New("config: siteId is required")
	case c.DataDir == "":
		return errors.New("config: dataDir is required")
	case c.ServiceAddr == "" || c.HealthAddr == "":
		return errors.New("config: serviceAddr and healthAddr are required")
	case c.ServiceAddr == c.HealthAddr:
		return errors.New("config: serviceAddr and healthAddr must differ")
	case c.Role != "" && c.Role != "primary" && c.Role != "secondary":
		return fmt.Errorf("config: role %q must be primary or secondary", c.Role)
	case c.PeerChannel != "" && c.PeerChannel == c.BroadcastChannel():
		return errors.New("config: peerChannel must differ from this site's channel")
	case c.PeerChannel != "" && c.Peer().Addr == "":
		return errors.New("config: peerChannel needs a redis address")
	case c.CheckInterval < 0 || c.RecoveryDelay < 0 || c.LoanPeriod < 0:
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// Handler configures one operation handler process. It serves HTTP on
// ListenAddr, consumes Topic from Redis, or both.
type Handler struct {
	Name       string             `yaml:"name"`
	Kinds      []string           `yaml:"kinds"`
	Sites      []cluster.SiteInfo `yaml:"sites"`
	Policy     string             `yaml:"policy"`
	ListenAddr string             `yaml:"listenAddr"`
	Topic      string             `yaml:"topic"`
	LogLevel   string             `yaml:"logLevel"`
	Redis      Redis              `yaml:"redis"`
	Timeout    Duration           `yaml:"timeout"`
	Workers    int                `yaml:"workers"`
}

func (c *Handler) bindings() []binding {
	b := []binding{
		str("NAME", &c.Name),
		list("KINDS", &c.Kinds),
		sites("SITES", &c.Sites),
		str("POLICY", &c.Policy),
		str("LISTEN_ADDR", &c.ListenAddr),
		str("TOPIC", &c.Topic),
		str("LOG_LEVEL", &c.LogLevel),
		duration("TIMEOUT", &c.Timeout),
		integer("WORKERS", &c.Workers),
	}
	return append(b, redis("", &c.Redis)...)
}

// ParsedKinds resolves Kinds, accepting aliases.
func (c *Handler) ParsedKinds() ([]protocol.Kind, error) {
	out := make([]protocol.Kind, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		kind, ok := protocol.LookupKind(k)
		if !ok {
			return nil, fmt.Errorf("config: unknown operation kind %q", k)
		}
		if !slices.Contains(out, kind) {
			out = append(out, kind)
		}
	}
	return out, nil
}

func (c *Handler) Validate() error {
	if len(c.Sites) == 0 {
		return errors.New("config: at least one site is required")
	}
	for _, s := range c.Sites {
		if s.ID == "" || s.Addr == "" {
			return fmt.Errorf("config: site %q needs id and addr", s.ID)
		}
	}
	if _, err := c.ParsedKinds(); err != nil {
		return err
	}
	if _, err := handler.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ListenAddr == "" && c.Topic == "" {
		return errors.New("config: listenAddr or topic is required")
	}
	if c.Topic != "" && c.Redis.Addr == "" {
		return errors.New("config: topic needs a redis address")
	}
	if c.Timeout < 0 || c.Workers < 0 {
		return errors.New("config: timeout and workers must not be negative")
	}
	return nil
}

// Router configures the request router process.
type Router struct {
	ListenAddr     string   `yaml:"listenAddr"`
	BorrowHandler  string   `yaml:"borrowHandler"`
	ReturnHandler  string   `yaml:"returnHandler"`
	RenewHandler   string   `yaml:"renewHandler"`
	ReturnStrategy string   `yaml:"returnStrategy"`
	RenewStrategy  string   `yaml:"renewStrategy"`
	ReturnTopic    string   `yaml:"returnTopic"`
	RenewTopic     string   `yaml:"renewTopic"`
	LogLevel       string   `yaml:"logLevel"`
	Redis          Redis    `yaml:"redis"`
	Timeout        Duration `yaml:"timeout"`
	LoanPeriod     Duration `yaml:"loanPeriod"`
}

func (c *Router) bindings() []binding {
	b := []binding{
		str("LISTEN_ADDR", &c.ListenAddr),
		str("BORROW_HANDLER", &c.BorrowHandler),
		str("RETURN_HANDLER", &c.ReturnHandler),
		str("RENEW_HANDLER", &c.RenewHandler),
		str("RETURN_STRATEGY", &c.ReturnStrategy),
		str("RENEW_STRATEGY", &c.RenewStrategy),
		str("RETURN_TOPIC", &c.ReturnTopic),
		str("RENEW_TOPIC", &c.RenewTopic),
		str("LOG_LEVEL", &c.LogLevel),
		duration("TIMEOUT", &c.Timeout),
		duration("LOAN_PERIOD", &c.LoanPeriod),
	}
	return append(b, redis("", &c.Redis)...)
}

func (c *Router) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listenAddr is required")
	}
	if c.BorrowHandler == "" {
		return errors.New("config: borrowHandler is required")
	}
	checks := []struct {
		kind, strategy, handler string
	}{
		{"return", c.ReturnStrategy, c.ReturnHandler},
		{"renew", c.RenewStrategy, c.RenewHandler},
	}
	for _, chk := range checks {
		s, err := router.ParseStrategy(chk.strategy)
		if err != nil {
			return fmt.Errorf("config: %sStrategy: %w", chk.kind, err)
		}
		if s == router.StrategyConfirmed && chk.handler == "" {
			return fmt.Errorf("config: %sHandler is required for the confirmed strategy", chk.kind)
		}
		if s == router.StrategyFireAndForget && c.Redis.Addr == "" {
			return fmt.Errorf("config: fire-and-forget %s needs a redis address", chk.kind)
		}
	}
	if c.Timeout < 0 || c.LoanPeriod < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// Monitor configures the health monitor and failover controller process.
type Monitor struct {
	ListenAddr       string             `yaml:"listenAddr"`
	Primary          string             `yaml:"primary"`
	Secondary        string             `yaml:"secondary"`
	LogLevel         string             `yaml:"logLevel"`
	Sites            []cluster.SiteInfo `yaml:"sites"`
	CheckInterval    Duration           `yaml:"checkInterval"`
	CheckTimeout     Duration           `yaml:"checkTimeout"`
	FailoverInterval Duration           `yaml:"failoverInterval"`
}

func (c *Monitor) bindings() []binding {
	return []binding{
		str("LISTEN_ADDR", &c.ListenAddr),
		str("PRIMARY", &c.Primary),
		str("SECONDARY", &c.Secondary),
		str("LOG_LEVEL", &c.LogLevel),
		sites("SITES", &c.Sites),
		duration("CHECK_INTERVAL", &c.CheckInterval),
		duration("CHECK_TIMEOUT", &c.CheckTimeout),
		duration("FAILOVER_INTERVAL", &c.FailoverInterval),
	}
}

// Pair returns the primary and secondary site ids, defaulting to the first
// two configured sites.
func (c *Monitor) Pair() (string, string) {
	p, s := c.Primary, c.Secondary
	if p == "" && len(c.Sites) > 0 {
		p = c.Sites[0].ID
	}
	if s == "" {
		for _, site := range c.Sites {
			if site.ID != p {
				s = site.ID
				break
			}
		}
	}
	return p, s
}

func (c *Monitor) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listenAddr is required")
	}
	if err := monitor.ValidateSites(c.Sites); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	p, s := c.Pair()
	if p == "" || s == "" || p == s {
		return errors.New("config: primary and secondary must be two distinct sites")
	}
	known := func(id string) bool {
		return slices.ContainsFunc(c.Sites, func(site cluster.SiteInfo) bool { return site.ID == id })
	}
	if !known(p) || !known(s) {
		return fmt.Errorf("config: primary %q and secondary %q must be configured sites", p, s)
	}
	if c.CheckInterval < 0 || c.CheckTimeout < 0 || c.FailoverInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}
