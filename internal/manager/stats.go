package manager

import (
	"sync/atomic"

	"github.com/dreamware/sedes/internal/storage"
)

// Stats counts what a storage manager has done since it started.
// Counters are updated atomically and read without the ledger lock.
type Stats struct {
	Borrows          uint64 `json:"borrows"`
	Returns          uint64 `json:"returns"`
	Renewals         uint64 `json:"renewals"`
	BusinessFailures uint64 `json:"businessFailures"`
	Rejections       uint64 `json:"rejections"`
	WriteFailures    uint64 `json:"writeFailures"`
	ReplicasApplied  uint64 `json:"replicasApplied"`
	ReplicasIgnored  uint64 `json:"replicasIgnored"`
	BroadcastsSent   uint64 `json:"broadcastsSent"`
	BroadcastsDrop   uint64 `json:"broadcastsDropped"`
}

func (s *Stats) snapshot() Stats {
	return Stats{
		Borrows:          atomic.LoadUint64(&s.Borrows),
		Returns:          atomic.LoadUint64(&s.Returns),
		Renewals:         atomic.LoadUint64(&s.Renewals),
		BusinessFailures: atomic.LoadUint64(&s.BusinessFailures),
		Rejections:       atomic.LoadUint64(&s.Rejections),
		WriteFailures:    atomic.LoadUint64(&s.WriteFailures),
		ReplicasApplied:  atomic.LoadUint64(&s.ReplicasApplied),
		ReplicasIgnored:  atomic.LoadUint64(&s.ReplicasIgnored),
		BroadcastsSent:   atomic.LoadUint64(&s.BroadcastsSent),
		BroadcastsDrop:   atomic.LoadUint64(&s.BroadcastsDrop),
	}
}

// Info is the read-only view served on GET /info.
type Info struct {
	SiteID         string             `json:"siteId"`
	Role           string             `json:"role"`
	StoreAvailable bool               `json:"storeAvailable"`
	Books          int                `json:"books"`
	Loans          int                `json:"loans"`
	ActiveLoans    int                `json:"activeLoans"`
	Ops            Stats              `json:"operations"`
	Storage        storage.StoreStats `json:"storage"`
}

// Info reports the site's identity, state and counters.
func (m *Manager) Info() Info {
	m.mu.Lock()
	info := Info{
		SiteID:         m.cfg.SiteID,
		Role:           m.cfg.Role,
		StoreAvailable: m.available,
		Books:          len(m.books),
		Loans:          len(m.loans),
	}
	for _, l := range m.loans {
		if l.Active {
			info.ActiveLoans++
		}
	}
	m.mu.Unlock()

	info.Ops = m.stats.snapshot()
	info.Storage = m.cfg.Store.Stats()
	return info
}
