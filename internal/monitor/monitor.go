package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
)

var log = logging.Logger("monitor")

const (
	DefaultCheckInterval = 3 * time.Second
	DefaultCheckTimeout  = 2 * time.Second
)

// State is the monitor's view of one site.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateOK      State = "OK"
	StateFailing State = "FAILING"
)

// SiteHealth is the tracked record for one site.
type SiteHealth struct {
	LastCheck        time.Time `json:"lastCheck"`
	LastHealthy      time.Time `json:"lastHealthy"`
	SiteID           string    `json:"siteId"`
	State            State     `json:"state"`
	Detail           string    `json:"detail,omitempty"`
	ConsecutiveFails int       `json:"consecutiveFails"`
}

// CheckFunc reports nil when site is healthy.
type CheckFunc func(ctx context.Context, site cluster.SiteInfo) error

// TransitionFunc is called after a site changes state.
type TransitionFunc func(siteID string, from, to State)

// HealthMonitor polls a fixed set of sites.
type HealthMonitor struct {
	health      map[string]*SiteHealth
	checkFunc   CheckFunc
	ctx         context.Context
	cancel      context.CancelFunc
	sites       []cluster.SiteInfo
	transitions []TransitionFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHealthMonitor tracks sites, all starting UNKNOWN. Zero durations select
// the defaults.
func NewHealthMonitor(sites []cluster.SiteInfo, interval, timeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		health:   make(map[string]*SiteHealth, len(sites)),
		sites:    sites,
		interval: interval,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.checkFunc = DefaultCheck
	for _, s := range sites {
		h.health[s.ID] = &SiteHealth{SiteID: s.ID, State: StateUnknown}
	}
	return h
}

// SetCheckFunction replaces the HTTP health query.
func (h *HealthMonitor) SetCheckFunction(fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = fn
}

// OnTransition registers fn for every state change.
func (h *HealthMonitor) OnTransition(fn TransitionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, fn)
}

// Start checks every site immediately and then once per interval until ctx
// is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) error {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Infof("health monitor started: %d sites every %v (timeout %v)", len(h.sites), h.interval, h.timeout)
	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			log.Info("health monitor stopping")
			return nil
		case <-h.ctx.Done():
			log.Info("health monitor stopped")
			return nil
		}
	}
}

// Stop cancels Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll queries every site in parallel and applies the results.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	var g errgroup.Group
	for _, site := range h.sites {
		g.Go(func() error {
			h.checkSite(ctx, site)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *HealthMonitor) checkSite(ctx context.Context, site cluster.SiteInfo) {
	h.mu.RLock()
	check := h.checkFunc
	h.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(cctx, site)
	cancel()

	h.mu.Lock()
	rec := h.health[site.ID]
	from := rec.State
	rec.LastCheck = time.Now()
	if err != nil {
		rec.State = StateFailing
		rec.Detail = err.Error()
		rec.ConsecutiveFails++
	} else {
		rec.State = StateOK
		rec.Detail = ""
		rec.ConsecutiveFails = 0
		rec.LastHealthy = rec.LastCheck
	}
	to := rec.State
	fails := rec.ConsecutiveFails
	callbacks := h.transitions
	h.mu.Unlock()

	if from == to {
		if err != nil {
			log.Debugf("site[%s] still failing (%d): %v", site.ID, fails, err)
		}
		return
	}
	if to == StateFailing {
		log.Warnf("site[%s] %s -> %s: %v", site.ID, from, to, err)
	} else {
		log.Infof("site[%s] %s -> %s", site.ID, from, to)
	}
	for _, fn := range callbacks {
		fn(site.ID, from, to)
	}
}

// State returns the current state of siteID, UNKNOWN for untracked sites.
func (h *HealthMonitor) State(siteID string) State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rec, ok := h.health[siteID]; ok {
		return rec.State
	}
	return StateUnknown
}

// Site returns a copy of the record for siteID, or nil.
func (h *HealthMonitor) Site(siteID string) *SiteHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.health[siteID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// All returns copies of every record in configuration order.
func (h *HealthMonitor) All() []SiteHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SiteHealth, 0, len(h.sites))
	for _, s := range h.sites {
		out = append(out, *h.health[s.ID])
	}
	return out
}

// DefaultCheck queries GET /health on the site's health address (falling
// back to its service address) and requires an OK status with the store
// available.
func DefaultCheck(ctx context.Context, site cluster.SiteInfo) error {
	var health protocol.Health
	if err := cluster.GetJSON(ctx, HealthURL(site), &health); err != nil {
		return err
	}
	if !health.Healthy() {
		return fmt.Errorf("status %s, store available %t", health.Status, health.StoreAvailable)
	}
	return nil
}

// HealthURL accepts both full URLs and host:port addresses.
func HealthURL(site cluster.SiteInfo) string {
	addr := site.HealthAddr
	if addr == "" {
		addr = site.Addr
	}
	addr = cluster.BaseURL(addr)
	if !strings.HasSuffix(addr, "/health") {
		addr += "/health"
	}
	return addr
}

var errNoSites = errors.New("no sites to monitor")

// ValidateSites rejects a site list the controller cannot work with.
func ValidateSites(sites []cluster.SiteInfo) error {
	if len(sites) == 0 {
		return errNoSites
	}
	seen := make(map[string]bool, len(sites))
	for _, s := range sites {
		if s.ID == "" {
			return errors.New("site without id")
		}
		if s.HealthAddr == "" && s.Addr == "" {
			return fmt.Errorf("site %s has no address", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate site %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
