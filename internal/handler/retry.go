package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dreamware/sedes/internal/protocol"
)

// Policy decides what a business failure from an earlier replica means.
type Policy string

const (
	// PolicyFailover returns a business failure as the final answer. Only
	// technical failures move on to the next replica.
	PolicyFailover Policy = "failover"

	// PolicyExhaustive also tries the next replica after a business failure
	// and prefers the later replica's answer.
	PolicyExhaustive Policy = "exhaustive"
)

// ParsePolicy accepts "failover" (also the empty string) and "exhaustive".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFailover:
		return PolicyFailover, nil
	case PolicyExhaustive:
		return PolicyExhaustive, nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Attempt records one call to one replica.
type Attempt struct {
	Err      error
	Replica  string
	Response protocol.Response
	Elapsed  time.Duration
}

// Technical reports whether the attempt failed for reasons other than the
// operation itself.
func (a Attempt) Technical() bool {
	return a.Err != nil || a.Response.Technical()
}

// Result is the outcome of TryInOrder. Replica names the backend whose reply
// is in Response; it is empty for the all-replicas-failed reply.
type Result struct {
	Replica  string
	Response protocol.Response
	Attempts []Attempt
}

// TryInOrder sends req to each backend in turn, bounding every call by
// timeout, until one gives a definitive answer:
//
//   - success ends the search;
//   - a technical failure (transport error, timeout, STORE_UNAVAILABLE or
//     STORE_WRITE_FAILED reply) moves on to the next backend;
//   - a business failure ends the search under PolicyFailover, and is kept
//     as the fallback answer under PolicyExhaustive.
//
// When every backend fails technically the result carries an explicit
// ALL_REPLICAS_FAILED reply.
func TryInOrder(ctx context.Context, backends []Backend, req protocol.Request, timeout time.Duration, policy Policy) Result {
	var (
		res      Result
		business *Attempt
	)
	for _, b := range backends {
		a := attempt(ctx, b, req, timeout)
		res.Attempts = append(res.Attempts, a)

		switch {
		case a.Technical():
			if a.Err != nil {
				log.Warnf("replica %s: %v", a.Replica, a.Err)
			} else {
				log.Warnf("replica %s: %s", a.Replica, a.Response.Error)
			}
			continue
		case a.Response.Success:
			res.Replica, res.Response = a.Replica, a.Response
			return res
		}

		if policy != PolicyExhaustive {
			res.Replica, res.Response = a.Replica, a.Response
			return res
		}
		kept := a
		business = &kept
		if ctx.Err() != nil {
			break
		}
	}

	if business != nil {
		res.Replica, res.Response = business.Replica, business.Response
		return res
	}

	names := make([]string, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		names = append(names, a.Replica)
	}
	log.Errorf("all replicas failed for %s: %s", req.Operation, strings.Join(names, ", "))
	res.Response = protocol.Failure(kindOf(req), protocol.ErrAllReplicas)
	return res
}

func attempt(ctx context.Context, b Backend, req protocol.Request, timeout time.Duration) Attempt {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.Do(ctx, req)
	return Attempt{
		Replica:  b.Name(),
		Response: resp,
		Err:      err,
		Elapsed:  time.Since(start),
	}
}

func kindOf(req protocol.Request) protocol.Kind {
	if k, ok := protocol.LookupKind(req.Operation); ok {
		return k
	}
	return protocol.Kind(req.Operation)
}
