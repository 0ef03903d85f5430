package monitor

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultFailoverInterval = 5 * time.Second

const (
	ReasonPrimaryDown      = "primary down"
	ReasonPrimaryRecovered = "primary recovered"
)

// StateSource is the part of HealthMonitor the controller reads.
type StateSource interface {
	State(siteID string) State
}

// SwitchFunc is notified with the new active site and the reason.
type SwitchFunc func(active, reason string)

// Switch records one change of the active designation.
type Switch struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

// Controller moves the active designation between a primary and a
// secondary site.
type Controller struct {
	source    StateSource
	listeners []SwitchFunc
	history   []Switch
	primary   string
	secondary string
	active    string
	interval  time.Duration
	mu        sync.Mutex
	bothDown  bool
}

func NewController(source StateSource, primary, secondary string, interval time.Duration) (*Controller, error) {
	if source == nil {
		return nil, errors.New("state source required")
	}
	if primary == "" || secondary == "" || primary == secondary {
		return nil, errors.New("controller needs two distinct sites")
	}
	if interval <= 0 {
		interval = DefaultFailoverInterval
	}
	return &Controller{
		source:    source,
		primary:   primary,
		secondary: secondary,
		active:    primary,
		interval:  interval,
	}, nil
}

// OnSwitch registers fn for every change of the active site.
func (c *Controller) OnSwitch(fn SwitchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Active returns the currently designated site.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// History returns the switches made so far, oldest first.
func (c *Controller) History() []Switch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Switch(nil), c.history...)
}

// Evaluate applies the failover rules once and reports whether the active
// site changed:
//
//   - primary active, primary FAILING, secondary OK: switch to secondary.
//   - primary active, both FAILING: stay, logged as critical.
//   - secondary active, primary OK: switch back to primary.
//
// UNKNOWN never triggers a switch.
func (c *Controller) Evaluate() bool {
	p := c.source.State(c.primary)
	s := c.source.State(c.secondary)

	c.mu.Lock()
	var to, reason string
	switch {
	case c.active == c.primary && p == StateFailing && s == StateOK:
		to, reason = c.secondary, ReasonPrimaryDown
	case c.active == c.secondary && p == StateOK:
		to, reason = c.primary, ReasonPrimaryRecovered
	}

	down := p == StateFailing && s == StateFailing
	if down && !c.bothDown {
		log.Errorf("CRITICAL: both sites failing (%s, %s), keeping %s active", c.primary, c.secondary, c.active)
	} else if !down && c.bothDown {
		log.Infof("at least one site answering again")
	}
	c.bothDown = down

	if to == "" {
		c.mu.Unlock()
		return false
	}
	from := c.active
	c.active = to
	c.history = append(c.history, Switch{At: time.Now(), From: from, To: to, Reason: reason})
	listeners := c.listeners
	c.mu.Unlock()

	log.Warnf("active site %s -> %s: %s", from, to, reason)
	for _, fn := range listeners {
		fn(to, reason)
	}
	return true
}

// Run evaluates on the controller's interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Infof("failover controller started: primary %s, secondary %s, every %v", c.primary, c.secondary, c.interval)
	for {
		select {
		case <-ticker.C:
			c.Evaluate()
		case <-ctx.Done():
			return nil
		}
	}
}
