package storage

import (
	"errors"
	"sync"
	"time"
)

// ErrCorrupt is returned when persisted records cannot be decoded.
var ErrCorrupt = errors.New("corrupt record")

// Book is one catalogue entry together with this site's physical inventory.
type Book struct {
	ISBN      string
	Title     string
	Author    string
	Total     int
	Available int
}

// OnLoan is the number of this site's copies currently lent out.
func (b Book) OnLoan() int { return b.Total - b.Available }

// Loan is one ledger entry. Inactive loans are kept so that replayed replica
// operations for the same id stay no-ops.
type Loan struct {
	StartTime  time.Time `json:"startTime"`
	LoanID     string    `json:"loanId"`
	ISBN       string    `json:"isbn"`
	User       string    `json:"user"`
	OriginSite string    `json:"originSite"`
	Renewals   int       `json:"renewalCount"`
	Active     bool      `json:"active"`
}

// Snapshot is the complete persisted state of one site.
type Snapshot struct {
	Books []Book
	Loans []Loan
}

// Store persists a site's snapshot. Save replaces the whole persisted state.
// All implementations must be safe for concurrent use.
type Store interface {
	// Load returns the persisted snapshot. A store with nothing persisted
	// yet returns an empty snapshot.
	Load() (Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(s Snapshot) error

	// Check verifies the store is currently readable and writable.
	Check() error

	// Stats describes the last saved snapshot.
	Stats() StoreStats
}

// StoreStats counts what the last Save wrote and how many saves succeeded.
type StoreStats struct {
	Books int `json:"books"`
	Loans int `json:"loans"`
	Saves int `json:"saves"`
}

// MemoryStore keeps the snapshot in memory. Fail injects a failure into every
// Save and Check until cleared, which is how tests take a store offline.
type MemoryStore struct {
	fail  error
	snap  Snapshot
	saves int
	mu    sync.RWMutex
}

// NewMemoryStore creates a store pre-loaded with the given books.
func NewMemoryStore(books ...Book) *MemoryStore {
	return &MemoryStore{snap: Snapshot{Books: append([]Book(nil), books...)}}
}

func (m *MemoryStore) Load() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.clone(), nil
}

func (m *MemoryStore) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.snap = s.clone()
	m.saves++
	return nil
}

func (m *MemoryStore) Check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Books: len(m.snap.Books), Loans: len(m.snap.Loans), Saves: m.saves}
}

// Fail makes Save and Check return err. A nil err brings the store back.
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Books: append([]Book(nil), s.Books...),
		Loans: append([]Loan(nil), s.Loans...),
	}
}
