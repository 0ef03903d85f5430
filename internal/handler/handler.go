package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/pubsub"
)

var log = logging.Logger("handler")

const (
	DefaultTimeout = 5 * time.Second
	DefaultWorkers = 8
)

// Config describes one handler process and the replicas it forwards to.
type Config struct {
	// Backends are tried in order. The first is replica A.
	Backends []Backend

	// Kinds restricts the operations this handler accepts. Empty means all.
	Kinds []protocol.Kind

	Name    string
	Policy  Policy
	Timeout time.Duration
}

// Handler forwards operations to the replicas. It is safe for concurrent use.
type Handler struct {
	cfg Config
}

// New fills in the default timeout, policy and name. At least one backend
// is required.
func New(cfg Config) (*Handler, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("at least one backend required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailover
	}
	if cfg.Name == "" {
		cfg.Name = "handler"
	}
	return &Handler{cfg: cfg}, nil
}

// Accepts reports whether the handler processes operations of kind k.
func (h *Handler) Accepts(k protocol.Kind) bool {
	return len(h.cfg.Kinds) == 0 || slices.Contains(h.cfg.Kinds, k)
}

// Process runs op against the replicas.
func (h *Handler) Process(ctx context.Context, op protocol.Operation) Result {
	if !h.Accepts(op.Kind()) {
		return Result{Response: protocol.Failure(op.Kind(), fmt.Errorf("%w: %s does not handle %s", protocol.ErrUnsupported, h.cfg.Name, op.Kind()))}
	}
	res := TryInOrder(ctx, h.cfg.Backends, op.Request(), h.cfg.Timeout, h.cfg.Policy)
	if res.Response.Operation == "" {
		res.Response.Operation = string(op.Kind())
	}
	if len(res.Attempts) > 1 {
		log.Infof("%s %s answered by %q after %d attempts", h.cfg.Name, op.Kind(), res.Replica, len(res.Attempts))
	}
	return res
}

// Routes serves POST /process and GET /health.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", h.handleProcess)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = cluster.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK", "handler": h.cfg.Name})
	})
	return mux
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := cluster.ReadJSON(r, &req); err != nil {
		_ = cluster.WriteJSON(w, http.StatusBadRequest, protocol.Failure("", fmt.Errorf("%w: %v", protocol.ErrMalformed, err)))
		return
	}
	op, err := req.Parse()
	if err != nil {
		_ = cluster.WriteJSON(w, http.StatusBadRequest, protocol.Failure(kindOf(req), err))
		return
	}

	res := h.Process(r.Context(), op)
	status := http.StatusOK
	if res.Response.Error == protocol.CodeAllReplicasFailed {
		status = http.StatusBadGateway
	}
	_ = cluster.WriteJSON(w, status, res.Response)
}

// Subscribe consumes operations published on channel until ctx is cancelled.
func (h *Handler) Subscribe(ctx context.Context, bus pubsub.Bus, channel string, workers int) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	log.Infof("%s consuming %s", h.cfg.Name, channel)
	return h.Consume(ctx, msgs, workers)
}

// Consume processes each request in msgs with at most workers running at
// once, until msgs is closed. Outcomes are only logged. Operations already
// started run to completion even if ctx is cancelled.
func (h *Handler) Consume(ctx context.Context, msgs <-chan []byte, workers int) error {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(workers)
	for payload := range msgs {
		var req protocol.Request
		if err := protocol.Unmarshal(payload, &req); err != nil {
			log.Warnf("%s: undecodable message: %v", h.cfg.Name, err)
			continue
		}
		op, err := req.Parse()
		if err != nil {
			log.Warnf("%s: rejected message: %v", h.cfg.Name, err)
			continue
		}
		g.Go(func() error {
			res := h.Process(work, op)
			if res.Response.Success {
				log.Infof("%s %s ok on %s: %s", h.cfg.Name, op.Kind(), res.Replica, res.Response.Message)
			} else {
				log.Warnf("%s %s failed: %s %s", h.cfg.Name, op.Kind(), res.Response.Error, res.Response.Message)
			}
			return nil
		})
	}
	return g.Wait()
}
