// Package manager implements the per-site storage manager: it owns one site's
// inventory and loan ledger, answers operation requests against it, broadcasts
// every local mutation to the peer site and applies the peer's broadcasts.
//
// # Overview
//
// A Manager serializes every ledger change behind one mutex. A mutation is
// applied in memory, persisted through the Store and only then acknowledged;
// if the write fails the in-memory change is undone and the reply carries
// STORE_WRITE_FAILED. The store is then treated as stale until the next
// successful CheckStore rewrites it from memory.
//
// Local mutations are queued for the peer on Channel. Broadcasts from the
// peer arrive on PeerChannel and are applied idempotently by loan id:
//
//	site1 Borrow ──► Store.Save ──► reply
//	          └────► Bus.Publish(sedes:replica:site1) ──► site2 ApplyReplica
//
// Only the originating site decrements stock for a borrow. A replicated
// borrow records the loan and leaves the peer's copies untouched.
//
// # Availability
//
// CheckStore runs every CheckInterval and again RecoveryDelay after a failed
// check. While the store is unavailable every operation is refused with
// STORE_UNAVAILABLE and Health reports FAILING.
//
// # Usage Example
//
//	m, err := manager.New(manager.Config{
//	    SiteID:      "site1",
//	    Store:       store,
//	    Bus:         bus,
//	    Channel:     "sedes:replica:site1",
//	    PeerBus:     bus,
//	    PeerChannel: "sedes:replica:site2",
//	})
//	if err != nil {
//	    return err
//	}
//	return m.Serve(ctx, ":9001", ":9101")
package manager
