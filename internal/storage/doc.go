// Package storage persists a site's book inventory and loan ledger.
//
// # Overview
//
// A storage manager keeps its working state in memory and hands the whole of
// it to a Store after every mutation. The Store interface is deliberately
// small:
//
//	Load()  - read the persisted snapshot at startup
//	Save()  - replace the persisted snapshot (full rewrite)
//	Check() - verify that the backing medium is readable and writable
//	Stats() - counts from the last save
//
// # Implementations
//
// FileStore: the production store
//   - books_<site>.csv: isbn,title,author,totalCopies,copiesOnLoan
//   - loans_<site>.csv: loanId,isbn,user,startTime,renewalCount,active,originSite
//   - rows are sorted so files diff cleanly between saves
//   - each file is written to a temporary sibling and renamed into place
//   - start times use RFC 3339 with nanoseconds, in UTC
//
// MemoryStore: used in tests and for throwaway sites
//   - seeded with books at construction
//   - Fail(err) takes it offline, making Save and Check return err
//
// # Invariants
//
// Loaded books always satisfy 0 <= copiesOnLoan <= totalCopies; a file that
// violates this is rejected with ErrCorrupt rather than silently clamped.
//
// # Concurrency
//
// Both implementations guard their state with a mutex. The storage manager
// additionally serializes Save calls under its own ledger lock, so the file
// on disk always matches some state the manager actually held.
//
// # Usage Example
//
//	store, err := storage.NewFileStore("/var/lib/sedes", "site1")
//	if err != nil {
//	    return err
//	}
//	snap, err := store.Load()
//	...
//	snap.Loans = append(snap.Loans, loan)
//	if err := store.Save(snap); err != nil {
//	    // roll back the in-memory change
//	}
package storage
