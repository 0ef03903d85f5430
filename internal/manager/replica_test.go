package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/pubsub"
	"github.com/dreamware/sedes/internal/storage"
)

func remoteBorrow(id string) protocol.ReplicaOperation {
	start := epoch.Add(-time.Hour)
	return protocol.ReplicaOperation{
		Type:       protocol.KindBorrow,
		LoanID:     id,
		ISBN:       "ISBN0001",
		User:       "ana",
		OriginSite: "site1",
		StartTime:  &start,
		Timestamp:  start.UnixMilli(),
	}
}

func TestApplyReplica(t *testing.T) {
	t.Run("borrow creates loan without touching inventory", func(t *testing.T) {
		m, store, _ := newTestManager(t, "site2")

		applied, err := m.ApplyReplica(remoteBorrow("site1-001"))
		require.NoError(t, err)
		assert.True(t, applied)

		loan, ok := m.Loan("site1-001")
		require.True(t, ok)
		assert.Equal(t, "site1", loan.OriginSite)
		assert.True(t, loan.Active)
		assert.Equal(t, 3, mustBook(t, m, "ISBN0001").Available)
		assert.Empty(t, m.queue, "replicas are not re-broadcast")

		snap, _ := store.Load()
		assert.Len(t, snap.Loans, 1)
	})

	t.Run("duplicate borrow is a no-op", func(t *testing.T) {
		m, store, _ := newTestManager(t, "site2")
		_, err := m.ApplyReplica(remoteBorrow("site1-001"))
		require.NoError(t, err)
		saves := store.Stats().Saves

		applied, err := m.ApplyReplica(remoteBorrow("site1-001"))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, saves, store.Stats().Saves)
		assert.Equal(t, 1, m.Info().Loans)
	})

	t.Run("own origin ignored", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site1")
		applied, err := m.ApplyReplica(remoteBorrow("site1-001"))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 0, m.Info().Loans)
	})

	t.Run("unknown book ignored", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		op := remoteBorrow("site1-001")
		op.ISBN = "ISBN9999"
		applied, err := m.ApplyReplica(op)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("invalid replica rejected", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		_, err := m.ApplyReplica(protocol.ReplicaOperation{Type: protocol.KindBorrow, OriginSite: "site1"})
		assert.ErrorIs(t, err, protocol.ErrMalformed)
		assert.Equal(t, uint64(1), m.Info().Ops.ReplicasIgnored)
	})

	t.Run("return deactivates once", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		_, _ = m.ApplyReplica(remoteBorrow("site1-001"))
		ret := protocol.ReplicaOperation{Type: protocol.KindReturn, LoanID: "site1-001", OriginSite: "site1"}

		applied, err := m.ApplyReplica(ret)
		require.NoError(t, err)
		assert.True(t, applied)
		applied, err = m.ApplyReplica(ret)
		require.NoError(t, err)
		assert.False(t, applied)

		loan, _ := m.Loan("site1-001")
		assert.False(t, loan.Active)
		assert.Equal(t, 3, mustBook(t, m, "ISBN0001").Available)
	})

	t.Run("return of a local loan leaves inventory alone", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		local := m.Handle(protocol.Borrow{ISBN: "ISBN0001", User: "ana"})

		applied, err := m.ApplyReplica(protocol.ReplicaOperation{Type: protocol.KindReturn, LoanID: local.LoanID, OriginSite: "site1"})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 2, mustBook(t, m, "ISBN0001").Available)
	})

	t.Run("renew applies once per start time and respects the cap", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		_, _ = m.ApplyReplica(remoteBorrow("site1-001"))

		renewAt := func(d time.Duration) protocol.ReplicaOperation {
			start := epoch.Add(d)
			return protocol.ReplicaOperation{Type: protocol.KindRenew, LoanID: "site1-001", OriginSite: "site1", StartTime: &start}
		}

		applied, _ := m.ApplyReplica(renewAt(time.Hour))
		assert.True(t, applied)
		applied, _ = m.ApplyReplica(renewAt(time.Hour))
		assert.False(t, applied, "redelivery")
		applied, _ = m.ApplyReplica(renewAt(2 * time.Hour))
		assert.True(t, applied)
		applied, _ = m.ApplyReplica(renewAt(3 * time.Hour))
		assert.False(t, applied, "cap")

		loan, _ := m.Loan("site1-001")
		assert.Equal(t, 2, loan.Renewals)
		assert.Equal(t, epoch.Add(2*time.Hour), loan.StartTime)
	})

	t.Run("unknown loan ignored", func(t *testing.T) {
		m, _, _ := newTestManager(t, "site2")
		applied, err := m.ApplyReplica(protocol.ReplicaOperation{Type: protocol.KindRenew, LoanID: "nope", OriginSite: "site1"})
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("persist failure rolls back", func(t *testing.T) {
		m, store, _ := newTestManager(t, "site2")
		store.Fail(errors.New("disk full"))

		applied, err := m.ApplyReplica(remoteBorrow("site1-001"))
		assert.ErrorIs(t, err, protocol.ErrStoreWrite)
		assert.False(t, applied)
		_, ok := m.Loan("site1-001")
		assert.False(t, ok)
		assert.False(t, m.Available())
	})
}

type sitePair struct {
	site1, site2 *Manager
	cancel       context.CancelFunc
	done         chan struct{}
}

func (p *sitePair) stop() {
	p.cancel()
	<-p.done
	<-p.done
}

// startPair runs two managers that replicate to each other over bus.
func startPair(t *testing.T, bus pubsub.Bus) *sitePair {
	t.Helper()
	newSite := func(id, peer string) *Manager {
		m, err := New(Config{
			SiteID:      id,
			Store:       storage.NewMemoryStore(seedBooks()...),
			Bus:         bus,
			Channel:     "sedes:replica:" + id,
			PeerBus:     bus,
			PeerChannel: "sedes:replica:" + peer,
			NewID:       sequentialIDs(id),
		})
		require.NoError(t, err)
		return m
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &sitePair{
		site1:  newSite("site1", "site2"),
		site2:  newSite("site2", "site1"),
		cancel: cancel,
		done:   make(chan struct{}, 2),
	}
	for _, m := range []*Manager{p.site1, p.site2} {
		go func(m *Manager) {
			_ = m.Run(ctx)
			p.done <- struct{}{}
		}(m)
		select {
		case <-m.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("replication receiver never subscribed")
		}
	}
	t.Cleanup(p.stop)
	return p
}

func runScenario(t *testing.T, p *sitePair) {
	borrow := p.site1.Handle(protocol.Borrow{ISBN: "ISBN0001", User: "ana"})
	require.True(t, borrow.Success, borrow.Message)

	assert.Equal(t, 2, mustBook(t, p.site1, "ISBN0001").Available)
	assert.Equal(t, 3, mustBook(t, p.site2, "ISBN0001").Available)

	require.Eventually(t, func() bool {
		_, ok := p.site2.Loan(borrow.LoanID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	replica, _ := p.site2.Loan(borrow.LoanID)
	assert.Equal(t, "site1", replica.OriginSite)
	assert.True(t, replica.Active)

	ret := p.site1.Handle(protocol.Return{LoanRef: protocol.LoanRef{LoanID: borrow.LoanID}})
	require.True(t, ret.Success, ret.Message)
	assert.Equal(t, 3, mustBook(t, p.site1, "ISBN0001").Available)

	require.Eventually(t, func() bool {
		l, _ := p.site2.Loan(borrow.LoanID)
		return !l.Active
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, mustBook(t, p.site2, "ISBN0001").Available)

	assert.Eventually(t, func() bool {
		return p.site1.Info().Ops.BroadcastsSent == 2 && p.site2.Info().Ops.ReplicasApplied == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplicationScenarioMemoryBus(t *testing.T) {
	runScenario(t, startPair(t, pubsub.NewMemoryBus()))
}

func TestReplicationScenarioRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	bus, err := pubsub.NewRedisBus(pubsub.RedisConfig{Addr: redis.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	runScenario(t, startPair(t, bus))
}

func TestReplicationBothDirections(t *testing.T) {
	p := startPair(t, pubsub.NewMemoryBus())

	a := p.site1.Handle(protocol.Borrow{ISBN: "ISBN0002", User: "ana"})
	b := p.site2.Handle(protocol.Borrow{ISBN: "ISBN0002", User: "luis"})
	require.True(t, a.Success)
	require.True(t, b.Success, "each site lends its own copy")

	require.Eventually(t, func() bool {
		_, ok1 := p.site2.Loan(a.LoanID)
		_, ok2 := p.site1.Loan(b.LoanID)
		return ok1 && ok2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, mustBook(t, p.site1, "ISBN0002").Available)
	assert.Equal(t, 0, mustBook(t, p.site2, "ISBN0002").Available)
}
