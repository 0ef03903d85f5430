package manager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/storage"
)

// enqueue hands op to the broadcast publisher without blocking. A full queue
// drops the operation. Callers hold m.mu.
func (m *Manager) enqueue(op protocol.ReplicaOperation) {
	op.OriginSite = m.cfg.SiteID
	op.Timestamp = m.cfg.Now().UnixMilli()
	select {
	case m.queue <- op:
	default:
		atomic.AddUint64(&m.stats.BroadcastsDrop, 1)
		log.Warnf("site[%s] broadcast queue full, dropping %s %s", m.cfg.SiteID, op.Type, op.LoanID)
	}
}

// publish drains the broadcast queue onto the bus. Failed publishes are
// logged and dropped.
func (m *Manager) publish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-m.queue:
			if m.cfg.Bus == nil {
				atomic.AddUint64(&m.stats.BroadcastsDrop, 1)
				continue
			}
			if err := m.publishOne(ctx, op); err != nil {
				atomic.AddUint64(&m.stats.BroadcastsDrop, 1)
				log.Warnf("site[%s] broadcast %s %s dropped: %v", m.cfg.SiteID, op.Type, op.LoanID, err)
				continue
			}
			atomic.AddUint64(&m.stats.BroadcastsSent, 1)
		}
	}
}

func (m *Manager) publishOne(ctx context.Context, op protocol.ReplicaOperation) error {
	payload, err := protocol.Marshal(op)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return m.cfg.Bus.Publish(ctx, m.cfg.Channel, payload)
}

// receive applies the peer's broadcasts until ctx is cancelled. A failed or
// dropped subscription is retried every resubscribeDelay.
func (m *Manager) receive(ctx context.Context) error {
	for {
		msgs, err := m.cfg.PeerBus.Subscribe(ctx, m.cfg.PeerChannel)
		if err != nil {
			log.Warnf("site[%s] subscribe to %s: %v", m.cfg.SiteID, m.cfg.PeerChannel, err)
		} else {
			log.Infof("site[%s] receiving replicas on %s", m.cfg.SiteID, m.cfg.PeerChannel)
			m.readyOnce.Do(func() { close(m.ready) })
			m.consume(msgs)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (m *Manager) consume(msgs <-chan []byte) {
	for payload := range msgs {
		var op protocol.ReplicaOperation
		if err := protocol.Unmarshal(payload, &op); err != nil {
			log.Warnf("site[%s] undecodable replica: %v", m.cfg.SiteID, err)
			continue
		}
		if _, err := m.ApplyReplica(op); err != nil {
			log.Warnf("site[%s] replica %s %s not applied: %v", m.cfg.SiteID, op.Type, op.LoanID, err)
		}
	}
}

// ApplyReplica applies an operation broadcast by another site. It reports
// whether the ledger changed. Replicas never touch inventory, and replaying a
// replica that was already applied changes nothing.
func (m *Manager) ApplyReplica(op protocol.ReplicaOperation) (bool, error) {
	if err := op.Validate(); err != nil {
		atomic.AddUint64(&m.stats.ReplicasIgnored, 1)
		return false, err
	}
	if op.OriginSite == m.cfg.SiteID {
		atomic.AddUint64(&m.stats.ReplicasIgnored, 1)
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var undo func()
	switch op.Type {
	case protocol.KindBorrow:
		undo = m.replicaBorrow(op)
	case protocol.KindReturn:
		undo = m.replicaReturn(op)
	case protocol.KindRenew:
		undo = m.replicaRenew(op)
	}
	if undo == nil {
		atomic.AddUint64(&m.stats.ReplicasIgnored, 1)
		return false, nil
	}

	if err := m.commit(undo); err != nil {
		return false, err
	}
	atomic.AddUint64(&m.stats.ReplicasApplied, 1)
	log.Debugf("site[%s] applied %s %s from %s", m.cfg.SiteID, op.Type, op.LoanID, op.OriginSite)
	return true, nil
}

// The replica* helpers mutate the ledger and return the undo for commit, or
// nil when the operation is a no-op. Callers hold m.mu.

func (m *Manager) replicaBorrow(op protocol.ReplicaOperation) func() {
	if _, ok := m.loans[op.LoanID]; ok {
		return nil
	}
	if _, ok := m.books[op.ISBN]; !ok {
		log.Warnf("site[%s] replica borrow %s for unknown book %s ignored", m.cfg.SiteID, op.LoanID, op.ISBN)
		return nil
	}
	start := replicaTime(op)
	m.loans[op.LoanID] = &storage.Loan{
		LoanID:     op.LoanID,
		ISBN:       op.ISBN,
		User:       op.User,
		OriginSite: op.OriginSite,
		StartTime:  start,
		Active:     true,
	}
	return func() { delete(m.loans, op.LoanID) }
}

func (m *Manager) replicaReturn(op protocol.ReplicaOperation) func() {
	loan, ok := m.loans[op.LoanID]
	if !ok {
		log.Warnf("site[%s] replica return for unknown loan %s ignored", m.cfg.SiteID, op.LoanID)
		return nil
	}
	if !loan.Active {
		return nil
	}
	loan.Active = false
	return func() { loan.Active = true }
}

func (m *Manager) replicaRenew(op protocol.ReplicaOperation) func() {
	loan, ok := m.loans[op.LoanID]
	if !ok {
		log.Warnf("site[%s] replica renew for unknown loan %s ignored", m.cfg.SiteID, op.LoanID)
		return nil
	}
	if !loan.Active || loan.Renewals >= protocol.MaxRenewals {
		return nil
	}
	start := replicaTime(op)
	if op.StartTime != nil && start.Equal(loan.StartTime) {
		return nil
	}
	prev := *loan
	loan.Renewals++
	loan.StartTime = start
	return func() { *loan = prev }
}

func replicaTime(op protocol.ReplicaOperation) time.Time {
	if op.StartTime != nil {
		return op.StartTime.UTC()
	}
	return time.UnixMilli(op.Timestamp).UTC()
}
