// Package protocol defines the operation requests and replies exchanged
// between clients, the router, the handlers and the storage sites, plus the
// replication messages the sites broadcast to each other.
package protocol

import (
	"time"
)

// Kind names one of the three loan operations.
type Kind string

const (
	KindBorrow Kind = "BORROW"
	KindReturn Kind = "RETURN"
	KindRenew  Kind = "RENEW"
)

// DefaultLoanPeriod is how long a loan runs from its (re)start time.
const DefaultLoanPeriod = 7 * 24 * time.Hour

// MaxRenewals caps how many times one loan can be renewed.
const MaxRenewals = 2

// Operation is a validated client operation: one of Borrow, Return or Renew.
// Values are produced by Request.Parse and are never partially filled.
type Operation interface {
	Kind() Kind
	Request() Request
}

// Borrow asks for one copy of ISBN on behalf of User.
type Borrow struct {
	ISBN string
	User string
}

// LoanRef points at a loan, either by id or by the (isbn, user) pair.
type LoanRef struct {
	LoanID string
	ISBN   string
	User   string
}

// ByID reports whether the reference carries an explicit loan id.
func (r LoanRef) ByID() bool { return r.LoanID != "" }

func (r LoanRef) valid() bool {
	return r.LoanID != "" || (r.ISBN != "" && r.User != "")
}

// Return closes the referenced loan.
type Return struct {
	LoanRef
}

// Renew extends the referenced loan. FromTime and NewDueTime are optional.
type Renew struct {
	LoanRef
	FromTime   time.Time
	NewDueTime time.Time
}

func (Borrow) Kind() Kind { return KindBorrow }
func (Return) Kind() Kind { return KindReturn }
func (Renew) Kind() Kind  { return KindRenew }

func (b Borrow) Request() Request {
	return Request{Operation: string(KindBorrow), ISBN: b.ISBN, User: b.User}
}

func (r Return) Request() Request {
	return Request{Operation: string(KindReturn), LoanID: r.LoanID, ISBN: r.ISBN, User: r.User}
}

func (r Renew) Request() Request {
	req := Request{Operation: string(KindRenew), LoanID: r.LoanID, ISBN: r.ISBN, User: r.User}
	if !r.FromTime.IsZero() {
		t := r.FromTime
		req.FromTime = &t
	}
	if !r.NewDueTime.IsZero() {
		t := r.NewDueTime
		req.NewDueTime = &t
	}
	return req
}

// Request is the wire form of an operation request, shared by every hop:
// client to router, router to handler, handler to storage manager.
type Request struct {
	FromTime   *time.Time `json:"fromTime,omitempty"`
	NewDueTime *time.Time `json:"newDueTime,omitempty"`
	Operation  string     `json:"operation"`
	ISBN       string     `json:"isbn,omitempty"`
	User       string     `json:"user,omitempty"`
	LoanID     string     `json:"loanId,omitempty"`
}

// Response is the reply to an operation request.
type Response struct {
	DueTime   *time.Time `json:"dueTime,omitempty"`
	Message   string     `json:"message"`
	Operation string     `json:"operation,omitempty"`
	Error     string     `json:"error,omitempty"`
	LoanID    string     `json:"loanId,omitempty"`
	Site      string     `json:"site,omitempty"`
	Success   bool       `json:"success"`
}

// Technical reports whether the reply describes a failure of the replica
// itself rather than of the requested operation.
func (r Response) Technical() bool {
	if r.Success {
		return false
	}
	switch r.Error {
	case CodeStoreUnavailable, CodeStoreWriteFailed:
		return true
	}
	return false
}

// Business reports whether the reply is a domain-level rejection such as
// "not available" or "loan not found".
func (r Response) Business() bool {
	return !r.Success && !r.Technical()
}

// Status is a site's self-reported health.
type Status string

const (
	StatusOK      Status = "OK"
	StatusFailing Status = "FAILING"
)

// Health is the reply of a storage manager's health endpoint.
type Health struct {
	Status         Status `json:"status"`
	SiteID         string `json:"siteId"`
	Role           string `json:"role,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	StoreAvailable bool   `json:"storeAvailable"`
}

// Healthy reports whether the site can serve requests.
func (h Health) Healthy() bool {
	return h.Status == StatusOK && h.StoreAvailable
}

// ReplicaOperation is a locally applied operation broadcast to the peer site.
// LoanID is the idempotency key.
type ReplicaOperation struct {
	StartTime  *time.Time `json:"startTime,omitempty"`
	Type       Kind       `json:"type"`
	LoanID     string     `json:"loanId"`
	ISBN       string     `json:"isbn,omitempty"`
	User       string     `json:"user,omitempty"`
	OriginSite string     `json:"originSite"`
	Timestamp  int64      `json:"timestamp"`
}

// Validate checks the fields every replica must carry.
func (op ReplicaOperation) Validate() error {
	switch op.Type {
	case KindBorrow:
		if op.ISBN == "" || op.User == "" {
			return errorf(ErrMalformed, "replica %s %s: isbn and user required", op.Type, op.LoanID)
		}
	case KindReturn, KindRenew:
	default:
		return errorf(ErrMalformed, "replica type %q", op.Type)
	}
	if op.LoanID == "" {
		return errorf(ErrMalformed, "replica %s: loanId required", op.Type)
	}
	if op.OriginSite == "" {
		return errorf(ErrMalformed, "replica %s %s: originSite required", op.Type, op.LoanID)
	}
	return nil
}
