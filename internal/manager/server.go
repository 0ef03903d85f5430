package manager

import (
	"context"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
)

// ServiceHandler serves operation requests and the read-only inspection
// endpoints:
//
//	POST /op              operation request, protocol.Request body
//	GET  /info            site identity, state and counters
//	GET  /books/{isbn}    one book record
//	GET  /loans/{loanId}  one loan record
func (m *Manager) ServiceHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /op", m.handleOp)
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		_ = cluster.WriteJSON(w, http.StatusOK, m.Info())
	})
	mux.HandleFunc("GET /books/{isbn}", func(w http.ResponseWriter, r *http.Request) {
		b, ok := m.Book(r.PathValue("isbn"))
		if !ok {
			http.Error(w, "book not found", http.StatusNotFound)
			return
		}
		_ = cluster.WriteJSON(w, http.StatusOK, bookView{
			ISBN: b.ISBN, Title: b.Title, Author: b.Author,
			Total: b.Total, Available: b.Available, OnLoan: b.OnLoan(),
		})
	})
	mux.HandleFunc("GET /loans/{loanId}", func(w http.ResponseWriter, r *http.Request) {
		l, ok := m.Loan(r.PathValue("loanId"))
		if !ok {
			http.Error(w, "loan not found", http.StatusNotFound)
			return
		}
		_ = cluster.WriteJSON(w, http.StatusOK, l)
	})
	return mux
}

// HealthHandler serves GET /health. It answers even while the store is down.
func (m *Manager) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = cluster.WriteJSON(w, http.StatusOK, m.Health())
	})
	return mux
}

type bookView struct {
	ISBN      string `json:"isbn"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Total     int    `json:"totalCopies"`
	Available int    `json:"availableCopies"`
	OnLoan    int    `json:"copiesOnLoan"`
}

func (m *Manager) handleOp(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := cluster.ReadJSON(r, &req); err != nil {
		_ = cluster.WriteJSON(w, http.StatusBadRequest, protocol.Failure("", protocol.ErrMalformed))
		return
	}
	op, err := req.Parse()
	if err != nil {
		resp := protocol.Failure("", err)
		if kind, ok := protocol.LookupKind(req.Operation); ok {
			resp.Operation = string(kind)
		}
		resp.Site = m.cfg.SiteID
		_ = cluster.WriteJSON(w, http.StatusBadRequest, resp)
		return
	}

	resp := m.Handle(op)
	_ = cluster.WriteJSON(w, statusFor(resp), resp)
}

func statusFor(resp protocol.Response) int {
	switch resp.Error {
	case protocol.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeStoreWriteFailed:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Run starts the background loops (broadcast publisher, replication receiver,
// store health check) and blocks until ctx is cancelled or one of them fails.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.publish(ctx) })
	if m.cfg.PeerBus != nil {
		g.Go(func() error { return m.receive(ctx) })
	} else {
		m.readyOnce.Do(func() { close(m.ready) })
	}
	g.Go(func() error { return m.checkLoop(ctx) })
	return g.Wait()
}

// Serve binds the service and health listeners and runs the manager until
// ctx is cancelled. Both listeners are bound before anything is served.
func (m *Manager) Serve(ctx context.Context, serviceAddr, healthAddr string) error {
	serviceLn, err := net.Listen("tcp", serviceAddr)
	if err != nil {
		return err
	}
	healthLn, err := net.Listen("tcp", healthAddr)
	if err != nil {
		serviceLn.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("site[%s] listening on %s (health %s)", m.cfg.SiteID, serviceLn.Addr(), healthLn.Addr())
		return cluster.ServeListener(ctx, serviceLn, m.ServiceHandler())
	})
	g.Go(func() error { return cluster.ServeListener(ctx, healthLn, m.HealthHandler()) })
	g.Go(func() error { return m.Run(ctx) })
	err = g.Wait()
	log.Infof("site[%s] stopped", m.cfg.SiteID)
	return err
}
