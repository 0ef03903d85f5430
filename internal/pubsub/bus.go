// Package pubsub carries fire-and-forget messages between sedes processes:
// replica operations from one storage manager to its peer, and the router's
// fan-out topics consumed by subscribed handlers.
//
// Delivery is at most once. A subscriber that is not connected when a message
// is published never sees it, and slow subscribers may lose messages. Callers
// that need stronger guarantees must build them on top (the storage managers
// rely on loan id idempotency instead).
package pubsub

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("pubsub")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Bus publishes payloads to named channels and streams them to subscribers.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe streams the payloads published on channel until ctx is
	// cancelled or the bus is closed, at which point the stream is closed.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Close() error
}

// subscriberBuffer bounds each subscriber's backlog.
const subscriberBuffer = 256
