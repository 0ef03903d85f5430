package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/exp/slices"
)

var log = logging.Logger("storage")

// FileStore persists a site as two CSV files in Dir:
//
//	books_<site>.csv  isbn,title,author,totalCopies,copiesOnLoan
//	loans_<site>.csv  loanId,isbn,user,startTime,renewalCount,active,originSite
//
// Every Save rewrites both files in full. Both are written to temporary
// siblings before either is renamed into place.
type FileStore struct {
	dir   string
	site  string
	stats StoreStats
	mu    sync.Mutex
}

// NewFileStore stores the ledger of site under dir, creating dir if needed.
func NewFileStore(dir, site string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("data dir required")
	}
	if strings.TrimSpace(site) == "" {
		return nil, errors.New("site id required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir, site: site}, nil
}

// BooksPath is the inventory file.
func (f *FileStore) BooksPath() string {
	return filepath.Join(f.dir, "books_"+f.site+".csv")
}

// LoansPath is the loan ledger file.
func (f *FileStore) LoansPath() string {
	return filepath.Join(f.dir, "loans_"+f.site+".csv")
}

// Load reads both files. A missing file reads as empty.
func (f *FileStore) Load() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap Snapshot
	books, err := readRecords(f.BooksPath())
	if err != nil {
		return snap, err
	}
	for i, rec := range books {
		b, err := decodeBook(rec)
		if err != nil {
			return snap, fmt.Errorf("%s line %d: %w", f.BooksPath(), i+1, err)
		}
		snap.Books = append(snap.Books, b)
	}

	loans, err := readRecords(f.LoansPath())
	if err != nil {
		return snap, err
	}
	for i, rec := range loans {
		l, err := decodeLoan(rec)
		if err != nil {
			return snap, fmt.Errorf("%s line %d: %w", f.LoansPath(), i+1, err)
		}
		snap.Loans = append(snap.Loans, l)
	}

	f.reconcile(&snap)
	f.stats.Books, f.stats.Loans = len(snap.Books), len(snap.Loans)
	return snap, nil
}

// reconcile raises a book's copies on loan to the number of active loans
// this site granted for it. That only differs after an interrupted Save.
// Counts above the loan count are kept: a loan returned at the peer site is
// closed here without restocking.
func (f *FileStore) reconcile(snap *Snapshot) {
	own := make(map[string]int)
	for _, l := range snap.Loans {
		if l.Active && l.OriginSite == f.site {
			own[l.ISBN]++
		}
	}
	for i := range snap.Books {
		b := &snap.Books[i]
		n := min(own[b.ISBN], b.Total)
		if b.OnLoan() < n {
			log.Warnf("site[%s] %s: %d copies on loan in %s but %d active loans, reconciled",
				f.site, b.ISBN, b.OnLoan(), f.BooksPath(), n)
			b.Available = b.Total - n
		}
	}
}

func (f *FileStore) Save(s Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	books := slices.Clone(s.Books)
	slices.SortFunc(books, func(a, b Book) int { return strings.Compare(a.ISBN, b.ISBN) })
	bookRows := make([][]string, 0, len(books))
	for _, b := range books {
		bookRows = append(bookRows, encodeBook(b))
	}

	loans := slices.Clone(s.Loans)
	slices.SortFunc(loans, func(a, b Loan) int { return strings.Compare(a.LoanID, b.LoanID) })
	loanRows := make([][]string, 0, len(loans))
	for _, l := range loans {
		loanRows = append(loanRows, encodeLoan(l))
	}

	loansTmp, err := writeTemp(f.LoansPath(), loanRows)
	if err != nil {
		return err
	}
	defer os.Remove(loansTmp)
	booksTmp, err := writeTemp(f.BooksPath(), bookRows)
	if err != nil {
		return err
	}
	defer os.Remove(booksTmp)

	// Loans go first: if the books rename then fails, Load sees the loans
	// ahead of the counts and reconciles them.
	if err := os.Rename(loansTmp, f.LoansPath()); err != nil {
		return fmt.Errorf("write %s: %w", f.LoansPath(), err)
	}
	if err := os.Rename(booksTmp, f.BooksPath()); err != nil {
		return fmt.Errorf("write %s: %w", f.BooksPath(), err)
	}
	f.stats = StoreStats{Books: len(books), Loans: len(loans), Saves: f.stats.Saves + 1}
	return nil
}

// Check opens the ledger files for reading (when present) and writes a scratch
// file in the data directory.
func (f *FileStore) Check() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, path := range []string{f.BooksPath(), f.LoansPath()} {
		fh, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fh.Close()
	}

	scratch, err := os.CreateTemp(f.dir, ".check-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", f.dir, err)
	}
	name := scratch.Name()
	scratch.Close()
	return os.Remove(name)
}

func (f *FileStore) Stats() StoreStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func readRecords(path string) ([][]string, error) {
	fh, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var out [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		out = append(out, rec)
	}
}

// writeTemp writes rows to a temporary sibling of path and returns its name.
func writeTemp(path string, rows [][]string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return tmp.Name(), nil
}

func encodeBook(b Book) []string {
	return []string{b.ISBN, b.Title, b.Author, strconv.Itoa(b.Total), strconv.Itoa(b.OnLoan())}
}

func decodeBook(rec []string) (Book, error) {
	if len(rec) != 5 {
		return Book{}, fmt.Errorf("%w: book has %d fields, want 5", ErrCorrupt, len(rec))
	}
	total, err := strconv.Atoi(strings.TrimSpace(rec[3]))
	if err != nil {
		return Book{}, fmt.Errorf("%w: totalCopies %q", ErrCorrupt, rec[3])
	}
	onLoan, err := strconv.Atoi(strings.TrimSpace(rec[4]))
	if err != nil {
		return Book{}, fmt.Errorf("%w: copiesOnLoan %q", ErrCorrupt, rec[4])
	}
	if total < 0 || onLoan < 0 || onLoan > total {
		return Book{}, fmt.Errorf("%w: %s has %d of %d copies on loan", ErrCorrupt, rec[0], onLoan, total)
	}
	return Book{
		ISBN:      strings.TrimSpace(rec[0]),
		Title:     rec[1],
		Author:    rec[2],
		Total:     total,
		Available: total - onLoan,
	}, nil
}

func encodeLoan(l Loan) []string {
	return []string{
		l.LoanID,
		l.ISBN,
		l.User,
		l.StartTime.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(l.Renewals),
		strconv.FormatBool(l.Active),
		l.OriginSite,
	}
}

func decodeLoan(rec []string) (Loan, error) {
	if len(rec) != 7 {
		return Loan{}, fmt.Errorf("%w: loan has %d fields, want 7", ErrCorrupt, len(rec))
	}
	start, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(rec[3]))
	if err != nil {
		return Loan{}, fmt.Errorf("%w: startTime %q", ErrCorrupt, rec[3])
	}
	renewals, err := strconv.Atoi(strings.TrimSpace(rec[4]))
	if err != nil || renewals < 0 {
		return Loan{}, fmt.Errorf("%w: renewalCount %q", ErrCorrupt, rec[4])
	}
	active, err := strconv.ParseBool(strings.TrimSpace(rec[5]))
	if err != nil {
		return Loan{}, fmt.Errorf("%w: active %q", ErrCorrupt, rec[5])
	}
	return Loan{
		LoanID:     strings.TrimSpace(rec[0]),
		ISBN:       strings.TrimSpace(rec[1]),
		User:       rec[2],
		StartTime:  start,
		Renewals:   renewals,
		Active:     active,
		OriginSite: strings.TrimSpace(rec[6]),
	}, nil
}
