package manager

import (
	"context"
	"time"
)

// CheckStore checks the store and updates availability, logging ALERT and
// RECOVERED on edges. After a failed persist the store only counts as
// available again once the in-memory ledger has been rewritten to it. It
// reports whether the store is available.
func (m *Manager) CheckStore() bool {
	err := m.cfg.Store.Check()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && m.stale {
		if err = m.cfg.Store.Save(m.snapshotLocked()); err == nil {
			m.stale = false
			log.Infof("site[%s] ledger rewritten after failed persist", m.cfg.SiteID)
		}
	}
	m.setAvailableLocked(err == nil, err)
	return err == nil
}

// setAvailableLocked records a new availability value. Callers hold m.mu.
func (m *Manager) setAvailableLocked(available bool, cause error) {
	if m.available == available {
		return
	}
	m.available = available
	if available {
		log.Infof("RECOVERED site[%s] store available again", m.cfg.SiteID)
		return
	}
	log.Errorf("ALERT site[%s] store unavailable: %v", m.cfg.SiteID, cause)
	select {
	case m.alerts <- struct{}{}:
	default:
	}
}

// checkLoop runs the periodic store check. After an ALERT a single extra
// check runs once the recovery delay has passed.
func (m *Manager) checkLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	var recovery <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckStore()
		case <-m.alerts:
			recovery = time.After(m.cfg.RecoveryDelay)
		case <-recovery:
			recovery = nil
			if m.CheckStore() {
				log.Infof("site[%s] recovery check passed", m.cfg.SiteID)
			} else {
				log.Warnf("site[%s] recovery check failed, waiting for next health check", m.cfg.SiteID)
			}
		}
	}
}
