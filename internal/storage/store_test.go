package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	start := time.Date(2025, 3, 1, 10, 30, 0, 123456789, time.UTC)
	return Snapshot{
		Books: []Book{
			{ISBN: "ISBN0002", Title: "Rayuela", Author: "Julio Cortázar", Total: 2, Available: 2},
			{ISBN: "ISBN0001", Title: "Cien años de soledad, edición \"conmemorativa\"", Author: "Gabriel García Márquez", Total: 3, Available: 2},
		},
		Loans: []Loan{
			{LoanID: "b-loan", ISBN: "ISBN0001", User: "ana", OriginSite: "site1", StartTime: start, Active: true},
			{LoanID: "a-loan", ISBN: "ISBN0002", User: "luis", OriginSite: "site2", StartTime: start, Renewals: 2},
		},
	}
}

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	t.Run("new store holds seed books", func(t *testing.T) {
		store := NewMemoryStore(Book{ISBN: "ISBN0001", Total: 3, Available: 3})

		snap, err := store.Load()
		require.NoError(t, err)
		assert.Len(t, snap.Books, 1)
		assert.Empty(t, snap.Loans)
	})

	t.Run("save replaces snapshot", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Save(sampleSnapshot()))

		snap, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, sampleSnapshot(), snap)
		assert.Equal(t, StoreStats{Books: 2, Loans: 2, Saves: 1}, store.Stats())
	})

	t.Run("returned snapshot is a copy", func(t *testing.T) {
		store := NewMemoryStore(Book{ISBN: "ISBN0001", Total: 3, Available: 3})

		snap, _ := store.Load()
		snap.Books[0].Available = 0

		again, _ := store.Load()
		assert.Equal(t, 3, again.Books[0].Available)
	})

	t.Run("injected failure", func(t *testing.T) {
		store := NewMemoryStore()
		boom := errors.New("disk gone")
		store.Fail(boom)

		assert.ErrorIs(t, store.Save(sampleSnapshot()), boom)
		assert.ErrorIs(t, store.Check(), boom)

		store.Fail(nil)
		assert.NoError(t, store.Check())
		assert.NoError(t, store.Save(sampleSnapshot()))
	})

	t.Run("concurrent access", func(t *testing.T) {
		store := NewMemoryStore()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = store.Save(sampleSnapshot())
			}()
			go func() {
				defer wg.Done()
				_, _ = store.Load()
			}()
		}
		wg.Wait()
		assert.Equal(t, 20, store.Stats().Saves)
	})
}

// TestFileStore tests the CSV ledger files
func TestFileStore(t *testing.T) {
	t.Run("empty dir loads empty snapshot", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), "site1")
		require.NoError(t, err)

		snap, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, snap.Books)
		assert.Empty(t, snap.Loans)
		assert.NoError(t, store.Check())
	})

	t.Run("save then load", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, "site1")
		require.NoError(t, err)
		require.NoError(t, store.Save(sampleSnapshot()))

		reopened, err := NewFileStore(dir, "site1")
		require.NoError(t, err)
		snap, err := reopened.Load()
		require.NoError(t, err)

		require.Len(t, snap.Books, 2)
		assert.Equal(t, "ISBN0001", snap.Books[0].ISBN, "rows are sorted by isbn")
		assert.Equal(t, 2, snap.Books[0].Available)
		assert.Equal(t, "Cien años de soledad, edición \"conmemorativa\"", snap.Books[0].Title)

		require.Len(t, snap.Loans, 2)
		assert.Equal(t, "a-loan", snap.Loans[0].LoanID)
		assert.Equal(t, 2, snap.Loans[0].Renewals)
		assert.False(t, snap.Loans[0].Active)
		assert.True(t, snap.Loans[1].StartTime.Equal(sampleSnapshot().Loans[0].StartTime))
	})

	t.Run("file layout", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, "site2")
		require.NoError(t, err)
		require.NoError(t, store.Save(sampleSnapshot()))

		assert.Equal(t, filepath.Join(dir, "books_site2.csv"), store.BooksPath())
		data, err := os.ReadFile(store.BooksPath())
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, `ISBN0002,Rayuela,Julio Cortázar,2,0`, lines[1])

		data, err = os.ReadFile(store.LoansPath())
		require.NoError(t, err)
		assert.Contains(t, string(data), "b-loan,ISBN0001,ana,2025-03-01T10:30:00.123456789Z,0,true,site1")

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2, "no temporary files left behind")
	})

	t.Run("hand written seed file", func(t *testing.T) {
		dir := t.TempDir()
		seed := "ISBN0001,Cien años de soledad,García Márquez,3,0\n\nISBN0002, Rayuela,Cortázar,2,1\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "books_site1.csv"), []byte(seed), 0o644))

		store, err := NewFileStore(dir, "site1")
		require.NoError(t, err)
		snap, err := store.Load()
		require.NoError(t, err)
		require.Len(t, snap.Books, 2)
		assert.Equal(t, 3, snap.Books[0].Available)
		assert.Equal(t, 1, snap.Books[1].Available)
	})

	t.Run("corrupt records", func(t *testing.T) {
		tests := []struct {
			name  string
			file  string
			lines string
		}{
			{"too few book fields", "books_site1.csv", "ISBN0001,title,author,3\n"},
			{"non numeric total", "books_site1.csv", "ISBN0001,title,author,x,0\n"},
			{"more on loan than owned", "books_site1.csv", "ISBN0001,title,author,1,2\n"},
			{"bad start time", "loans_site1.csv", "L1,ISBN0001,ana,yesterday,0,true,site1\n"},
			{"bad active flag", "loans_site1.csv", "L1,ISBN0001,ana,2025-03-01T10:30:00Z,0,maybe,site1\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				dir := t.TempDir()
				require.NoError(t, os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.lines), 0o644))
				store, err := NewFileStore(dir, "site1")
				require.NoError(t, err)

				_, err = store.Load()
				assert.ErrorIs(t, err, ErrCorrupt)
			})
		}
	})

	t.Run("check fails when dir disappears", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		store, err := NewFileStore(dir, "site1")
		require.NoError(t, err)
		require.NoError(t, store.Check())

		require.NoError(t, os.RemoveAll(dir))
		assert.Error(t, store.Check())
		assert.Error(t, store.Save(sampleSnapshot()))
	})

	t.Run("config validation", func(t *testing.T) {
		_, err := NewFileStore("", "site1")
		assert.Error(t, err)
		_, err = NewFileStore(t.TempDir(), " ")
		assert.Error(t, err)
	})
}

// TestFileStoreFailedSave tests that a Save which cannot replace the loans
// file leaves both ledger files as they were
func TestFileStoreFailedSave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "site1")
	require.NoError(t, err)

	before := Snapshot{Books: []Book{{ISBN: "ISBN0001", Title: "t", Author: "a", Total: 3, Available: 3}}}
	require.NoError(t, store.Save(before))
	require.NoError(t, os.Remove(store.LoansPath()))
	require.NoError(t, os.Mkdir(store.LoansPath(), 0o755))

	after := Snapshot{
		Books: []Book{{ISBN: "ISBN0001", Title: "t", Author: "a", Total: 3, Available: 2}},
		Loans: []Loan{{LoanID: "L1", ISBN: "ISBN0001", User: "ana", OriginSite: "site1", StartTime: time.Now().UTC(), Active: true}},
	}
	require.Error(t, store.Save(after))
	assert.Equal(t, 1, store.Stats().Saves, "failed save is not counted")

	require.NoError(t, os.Remove(store.LoansPath()))
	snap, err := store.Load()
	require.NoError(t, err)
	require.Len(t, snap.Books, 1)
	assert.Equal(t, 3, snap.Books[0].Available, "books file untouched")
	assert.Empty(t, snap.Loans)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files removed")
}

// TestFileStoreReconcile tests loading books whose counts lag the loans file
func TestFileStoreReconcile(t *testing.T) {
	start := "2025-03-01T10:30:00Z"
	tests := []struct {
		name      string
		books     string
		loans     string
		available int
	}{
		{
			name:      "loans ahead of counts",
			books:     "ISBN0001,t,a,3,0\n",
			loans:     "L1,ISBN0001,ana," + start + ",0,true,site1\nL2,ISBN0001,luis," + start + ",0,true,site1\n",
			available: 1,
		},
		{
			name:      "peer and closed loans ignored",
			books:     "ISBN0001,t,a,3,0\n",
			loans:     "L1,ISBN0001,ana," + start + ",0,true,site2\nL2,ISBN0001,luis," + start + ",0,false,site1\n",
			available: 3,
		},
		{
			name:      "copies closed at the peer stay on loan",
			books:     "ISBN0001,t,a,3,2\n",
			loans:     "L1,ISBN0001,ana," + start + ",0,true,site1\n",
			available: 1,
		},
		{
			name:      "capped at total",
			books:     "ISBN0001,t,a,1,0\n",
			loans:     "L1,ISBN0001,ana," + start + ",0,true,site1\nL2,ISBN0001,luis," + start + ",0,true,site1\n",
			available: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "books_site1.csv"), []byte(tt.books), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "loans_site1.csv"), []byte(tt.loans), 0o644))

			store, err := NewFileStore(dir, "site1")
			require.NoError(t, err)
			snap, err := store.Load()
			require.NoError(t, err)
			require.Len(t, snap.Books, 1)
			assert.Equal(t, tt.available, snap.Books[0].Available)
		})
	}
}
