package manager

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/storage"
)

// Borrow lends one local copy of isbn to user. The new loan is persisted
// before Borrow returns and then queued for broadcast.
func (m *Manager) Borrow(isbn, user string) (storage.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return storage.Loan{}, protocol.ErrStoreUnavailable
	}
	book, ok := m.books[isbn]
	if !ok {
		return storage.Loan{}, fmt.Errorf("%w: %s", protocol.ErrBookNotFound, isbn)
	}
	if book.Available <= 0 {
		return storage.Loan{}, fmt.Errorf("%w: %s has no copies left", protocol.ErrNotAvailable, isbn)
	}

	loan := &storage.Loan{
		LoanID:     m.cfg.NewID(),
		ISBN:       isbn,
		User:       user,
		OriginSite: m.cfg.SiteID,
		StartTime:  m.cfg.Now().UTC(),
		Active:     true,
	}
	book.Available--
	m.loans[loan.LoanID] = loan

	err := m.commit(func() {
		book.Available++
		delete(m.loans, loan.LoanID)
	})
	if err != nil {
		return storage.Loan{}, err
	}

	atomic.AddUint64(&m.stats.Borrows, 1)
	m.enqueue(protocol.ReplicaOperation{
		Type:      protocol.KindBorrow,
		LoanID:    loan.LoanID,
		ISBN:      loan.ISBN,
		User:      loan.User,
		StartTime: timePtr(loan.StartTime),
	})
	return *loan, nil
}

// Return closes the referenced loan. The copy goes back on the shelf only
// when it belongs to this site.
func (m *Manager) Return(ref protocol.LoanRef) (storage.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return storage.Loan{}, protocol.ErrStoreUnavailable
	}
	loan, err := m.resolve(ref)
	if err != nil {
		return storage.Loan{}, err
	}

	book := m.books[loan.ISBN]
	restock := book != nil && loan.OriginSite == m.cfg.SiteID && book.Available < book.Total
	loan.Active = false
	if restock {
		book.Available++
	}

	err = m.commit(func() {
		loan.Active = true
		if restock {
			book.Available--
		}
	})
	if err != nil {
		return storage.Loan{}, err
	}

	atomic.AddUint64(&m.stats.Returns, 1)
	m.enqueue(protocol.ReplicaOperation{
		Type:   protocol.KindReturn,
		LoanID: loan.LoanID,
		ISBN:   loan.ISBN,
		User:   loan.User,
	})
	return *loan, nil
}

// Renew extends the referenced loan and returns it with its new due time.
func (m *Manager) Renew(op protocol.Renew) (storage.Loan, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return storage.Loan{}, time.Time{}, protocol.ErrStoreUnavailable
	}
	loan, err := m.resolve(op.LoanRef)
	if err != nil {
		return storage.Loan{}, time.Time{}, err
	}
	if loan.Renewals >= protocol.MaxRenewals {
		return storage.Loan{}, time.Time{}, fmt.Errorf("%w: %s renewed %d times", protocol.ErrRenewalLimit, loan.LoanID, loan.Renewals)
	}

	start := op.FromTime
	if start.IsZero() {
		start = m.cfg.Now()
	}
	due := op.NewDueTime
	if due.IsZero() {
		due = start.Add(m.cfg.LoanPeriod)
	}

	prev := *loan
	loan.Renewals++
	loan.StartTime = start.UTC()

	err = m.commit(func() { *loan = prev })
	if err != nil {
		return storage.Loan{}, time.Time{}, err
	}

	atomic.AddUint64(&m.stats.Renewals, 1)
	m.enqueue(protocol.ReplicaOperation{
		Type:      protocol.KindRenew,
		LoanID:    loan.LoanID,
		ISBN:      loan.ISBN,
		User:      loan.User,
		StartTime: timePtr(loan.StartTime),
	})
	return *loan, due.UTC(), nil
}

// resolve finds the active loan ref points at. A pair reference picks the
// earliest active loan for (isbn, user), ties broken by loan id.
func (m *Manager) resolve(ref protocol.LoanRef) (*storage.Loan, error) {
	if ref.ByID() {
		loan, ok := m.loans[ref.LoanID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", protocol.ErrLoanNotFound, ref.LoanID)
		}
		if !loan.Active {
			return nil, fmt.Errorf("%w: %s is no longer active", protocol.ErrLoanNotFound, ref.LoanID)
		}
		return loan, nil
	}

	var match []*storage.Loan
	for _, l := range m.loans {
		if l.Active && l.ISBN == ref.ISBN && l.User == ref.User {
			match = append(match, l)
		}
	}
	if len(match) == 0 {
		return nil, fmt.Errorf("%w: no active loan of %s for %s", protocol.ErrLoanNotFound, ref.ISBN, ref.User)
	}
	slices.SortFunc(match, func(a, b *storage.Loan) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.LoanID, b.LoanID)
	})
	return match[0], nil
}

// commit persists the current ledger. On failure undo restores the in-memory
// state, the store is taken offline and ErrStoreWrite is returned. The store
// may hold part of the failed write, so it is marked stale until rewritten.
// Callers hold m.mu.
func (m *Manager) commit(undo func()) error {
	err := m.cfg.Store.Save(m.snapshotLocked())
	if err == nil {
		m.stale = false
		return nil
	}
	undo()
	m.stale = true
	log.Errorf("site[%s] persist failed, change rolled back: %v", m.cfg.SiteID, err)
	m.setAvailableLocked(false, err)
	return fmt.Errorf("%w: %v", protocol.ErrStoreWrite, err)
}

func (m *Manager) snapshotLocked() storage.Snapshot {
	snap := storage.Snapshot{
		Books: make([]storage.Book, 0, len(m.books)),
		Loans: make([]storage.Loan, 0, len(m.loans)),
	}
	isbns := maps.Keys(m.books)
	slices.Sort(isbns)
	for _, isbn := range isbns {
		snap.Books = append(snap.Books, *m.books[isbn])
	}
	ids := maps.Keys(m.loans)
	slices.Sort(ids)
	for _, id := range ids {
		snap.Loans = append(snap.Loans, *m.loans[id])
	}
	return snap
}
