package manager

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/pubsub"
	"github.com/dreamware/sedes/internal/storage"
)

var log = logging.Logger("manager")

const (
	DefaultCheckInterval = 5 * time.Second
	DefaultRecoveryDelay = 2 * time.Second
	DefaultQueueSize     = 1024
	publishTimeout       = 2 * time.Second
	resubscribeDelay     = time.Second
)

// Config wires a Manager to its store and bus.
type Config struct {
	Store storage.Store

	// Bus carries this site's broadcasts on Channel.
	Bus     pubsub.Bus
	Channel string

	// PeerBus delivers the peer's broadcasts from PeerChannel. It may be the
	// same value as Bus. A nil PeerBus disables the replication receiver.
	PeerBus     pubsub.Bus
	PeerChannel string

	// Now and NewID are overridable in tests.
	Now   func() time.Time
	NewID func() string

	SiteID        string
	Role          string
	CheckInterval time.Duration
	RecoveryDelay time.Duration
	LoanPeriod    time.Duration
	QueueSize     int
}

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = DefaultRecoveryDelay
	}
	if c.LoanPeriod <= 0 {
		c.LoanPeriod = protocol.DefaultLoanPeriod
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Role == "" {
		c.Role = "primary"
	}
}

// Manager is one site's storage manager. A single mutex serializes ledger
// access, store writes and the availability flag.
type Manager struct {
	books     map[string]*storage.Book
	loans     map[string]*storage.Loan
	queue     chan protocol.ReplicaOperation
	alerts    chan struct{}
	ready     chan struct{}
	stats     Stats
	readyOnce sync.Once
	cfg       Config
	mu        sync.Mutex
	available bool

	// stale is set when a failed persist may have left the store behind the
	// in-memory ledger. The next successful check rewrites it.
	stale bool
}

// New loads the site's snapshot from the store and returns a ready manager.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.SiteID) == "" {
		return nil, errors.New("site id required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	cfg.setDefaults()

	snap, err := cfg.Store.Load()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		books:  make(map[string]*storage.Book, len(snap.Books)),
		loans:  make(map[string]*storage.Loan, len(snap.Loans)),
		queue:  make(chan protocol.ReplicaOperation, cfg.QueueSize),
		alerts: make(chan struct{}, 1),
		ready:  make(chan struct{}),
		cfg:    cfg,
	}
	for i := range snap.Books {
		b := snap.Books[i]
		m.books[b.ISBN] = &b
	}
	for i := range snap.Loans {
		l := snap.Loans[i]
		m.loans[l.LoanID] = &l
	}

	m.available = cfg.Store.Check() == nil
	if !m.available {
		log.Errorf("ALERT site[%s] store unavailable at startup", cfg.SiteID)
	}
	log.Infof("site[%s] loaded %d books and %d loans (role %s)", cfg.SiteID, len(m.books), len(m.loans), cfg.Role)
	return m, nil
}

// SiteID is the id this manager stamps on its loans and broadcasts.
func (m *Manager) SiteID() string { return m.cfg.SiteID }

// Handle executes op against the local ledger and builds the reply.
func (m *Manager) Handle(op protocol.Operation) protocol.Response {
	var (
		resp protocol.Response
		err  error
	)
	switch o := op.(type) {
	case protocol.Borrow:
		var loan storage.Loan
		if loan, err = m.Borrow(o.ISBN, o.User); err == nil {
			resp = protocol.Response{
				Success: true,
				Message: "loan granted for " + o.ISBN,
				LoanID:  loan.LoanID,
				DueTime: timePtr(loan.StartTime.Add(m.cfg.LoanPeriod)),
			}
		}
	case protocol.Return:
		var loan storage.Loan
		if loan, err = m.Return(o.LoanRef); err == nil {
			resp = protocol.Response{Success: true, Message: "return recorded", LoanID: loan.LoanID}
		}
	case protocol.Renew:
		var (
			loan storage.Loan
			due  time.Time
		)
		if loan, due, err = m.Renew(o); err == nil {
			resp = protocol.Response{Success: true, Message: "loan renewed", LoanID: loan.LoanID, DueTime: &due}
		}
	default:
		err = protocol.ErrUnsupported
	}

	kind := protocol.Kind("")
	if op != nil {
		kind = op.Kind()
	}
	if err != nil {
		resp = protocol.Failure(kind, err)
		switch {
		case errors.Is(err, protocol.ErrStoreUnavailable):
			atomic.AddUint64(&m.stats.Rejections, 1)
		case errors.Is(err, protocol.ErrStoreWrite):
			atomic.AddUint64(&m.stats.WriteFailures, 1)
		default:
			atomic.AddUint64(&m.stats.BusinessFailures, 1)
		}
	}
	resp.Operation = string(kind)
	resp.Site = m.cfg.SiteID
	return resp
}

// Health reports the site's current health. It is always answered.
func (m *Manager) Health() protocol.Health {
	m.mu.Lock()
	available := m.available
	m.mu.Unlock()

	h := protocol.Health{
		Status:         protocol.StatusOK,
		SiteID:         m.cfg.SiteID,
		Role:           m.cfg.Role,
		StoreAvailable: available,
		Timestamp:      m.cfg.Now().UnixMilli(),
	}
	if !available {
		h.Status = protocol.StatusFailing
	}
	return h
}

// Book returns a copy of the book record.
func (m *Manager) Book(isbn string) (storage.Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[isbn]
	if !ok {
		return storage.Book{}, false
	}
	return *b, true
}

// Loan returns a copy of the loan record.
func (m *Manager) Loan(id string) (storage.Loan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return storage.Loan{}, false
	}
	return *l, true
}

// Available reports whether the site currently accepts requests.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Ready is closed once the replication receiver has subscribed to the peer.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

func timePtr(t time.Time) *time.Time { return &t }
