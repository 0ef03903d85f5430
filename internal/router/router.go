package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/sedes/internal/cluster"
	"github.com/dreamware/sedes/internal/protocol"
	"github.com/dreamware/sedes/internal/pubsub"
)

var log = logging.Logger("router")

const (
	// DefaultTimeout exceeds the worst case of a handler at its default
	// per-replica timeout, which tries two replicas in turn.
	DefaultTimeout     = 11 * time.Second
	DefaultReturnTopic = "sedes:ops:return"
	DefaultRenewTopic  = "sedes:ops:renew"

	publishTimeout = 2 * time.Second
	maxRequestSize = 64 << 10
)

// Strategy selects how returns and renewals are acknowledged.
type Strategy string

const (
	// StrategyConfirmed waits for the handler and relays its answer.
	StrategyConfirmed Strategy = "confirmed"

	// StrategyFireAndForget acknowledges immediately and publishes the
	// operation for subscribed handlers. The client never learns the outcome.
	StrategyFireAndForget Strategy = "fire-and-forget"
)

// ParseStrategy accepts "confirmed" (also the empty string) and "fire-and-forget".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyConfirmed:
		return StrategyConfirmed, nil
	case StrategyFireAndForget, "async":
		return StrategyFireAndForget, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Config wires the router to one handler client per operation kind. Return
// and Renew clients are only needed under the confirmed strategy.
type Config struct {
	Borrow HandlerClient
	Return HandlerClient
	Renew  HandlerClient

	// Bus and topics are used by fire-and-forget kinds.
	Bus         pubsub.Bus
	ReturnTopic string
	RenewTopic  string

	Now func() time.Time

	ReturnStrategy Strategy
	RenewStrategy  Strategy
	Timeout        time.Duration
	LoanPeriod     time.Duration
}

// Router validates client requests and dispatches them to the handlers.
type Router struct {
	cfg     Config
	pending sync.WaitGroup
}

// New applies defaults. A fire-and-forget strategy requires a Bus.
func New(cfg Config) (*Router, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LoanPeriod <= 0 {
		cfg.LoanPeriod = protocol.DefaultLoanPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReturnStrategy == "" {
		cfg.ReturnStrategy = StrategyConfirmed
	}
	if cfg.RenewStrategy == "" {
		cfg.RenewStrategy = StrategyConfirmed
	}
	if cfg.ReturnTopic == "" {
		cfg.ReturnTopic = DefaultReturnTopic
	}
	if cfg.RenewTopic == "" {
		cfg.RenewTopic = DefaultRenewTopic
	}

	if cfg.Borrow == nil {
		return nil, errors.New("borrow handler required")
	}
	checks := []struct {
		kind     protocol.Kind
		strategy Strategy
		client   HandlerClient
	}{
		{protocol.KindReturn, cfg.ReturnStrategy, cfg.Return},
		{protocol.KindRenew, cfg.RenewStrategy, cfg.Renew},
	}
	for _, c := range checks {
		switch c.strategy {
		case StrategyConfirmed:
			if c.client == nil {
				return nil, fmt.Errorf("%s handler required for confirmed strategy", c.kind)
			}
		case StrategyFireAndForget:
			if cfg.Bus == nil {
				return nil, fmt.Errorf("bus required for fire-and-forget %s", c.kind)
			}
		default:
			return nil, fmt.Errorf("unknown strategy %q for %s", c.strategy, c.kind)
		}
	}
	return &Router{cfg: cfg}, nil
}

// Dispatch validates a raw client request and answers it. Malformed input is
// rejected without contacting any handler.
func (r *Router) Dispatch(ctx context.Context, raw []byte) protocol.Response {
	req, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Failure("", err)
	}
	op, err := req.Parse()
	if err != nil {
		resp := protocol.Failure("", err)
		if k, ok := protocol.LookupKind(req.Operation); ok {
			resp.Operation = string(k)
		}
		return resp
	}

	switch op.Kind() {
	case protocol.KindBorrow:
		return r.call(ctx, r.cfg.Borrow, op)
	case protocol.KindReturn:
		if r.cfg.ReturnStrategy == StrategyFireAndForget {
			return r.accept(op, r.cfg.ReturnTopic)
		}
		return r.call(ctx, r.cfg.Return, op)
	default:
		if r.cfg.RenewStrategy == StrategyFireAndForget {
			return r.accept(op, r.cfg.RenewTopic)
		}
		return r.call(ctx, r.cfg.Renew, op)
	}
}

func (r *Router) call(ctx context.Context, client HandlerClient, op protocol.Operation) protocol.Response {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := client.Call(ctx, op.Request())
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: no answer within the router timeout of %s", protocol.ErrHandler, r.cfg.Timeout)
		case errors.Is(err, context.Canceled):
			err = fmt.Errorf("%w: request cancelled", protocol.ErrHandler)
		default:
			err = fmt.Errorf("%w: %v", protocol.ErrHandler, err)
		}
		log.Warnf("%s: %v", op.Kind(), err)
		return protocol.Failure(op.Kind(), err)
	}
	if resp.Operation == "" {
		resp.Operation = string(op.Kind())
	}
	return resp
}

// accept acknowledges op and publishes it in the background.
func (r *Router) accept(op protocol.Operation, topic string) protocol.Response {
	resp := protocol.Response{
		Success:   true,
		Operation: string(op.Kind()),
		Message:   strings.ToLower(string(op.Kind())) + " accepted",
	}
	if renew, ok := op.(protocol.Renew); ok {
		due := renew.NewDueTime
		if due.IsZero() {
			start := renew.FromTime
			if start.IsZero() {
				start = r.cfg.Now()
			}
			due = start.Add(r.cfg.LoanPeriod)
		}
		due = due.UTC()
		resp.DueTime = &due
	}

	payload, err := protocol.Marshal(op.Request())
	if err != nil {
		log.Errorf("%s: encode: %v", op.Kind(), err)
		return resp
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.cfg.Bus.Publish(ctx, topic, payload); err != nil {
			log.Errorf("%s: publish to %s: %v", op.Kind(), topic, err)
		}
	}()
	return resp
}

// Wait blocks until background publishes have finished.
func (r *Router) Wait() {
	r.pending.Wait()
}

// ServeHTTP accepts a client request on POST / as JSON or as a text line.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize))
	if err != nil {
		_ = cluster.WriteJSON(w, http.StatusBadRequest, protocol.Failure("", protocol.ErrMalformed))
		return
	}

	resp := r.Dispatch(req.Context(), raw)
	status := http.StatusOK
	switch resp.Error {
	case protocol.CodeMalformed, protocol.CodeUnsupported:
		status = http.StatusBadRequest
	case protocol.CodeHandlerFailed:
		status = http.StatusBadGateway
	}
	_ = cluster.WriteJSON(w, status, resp)
}
