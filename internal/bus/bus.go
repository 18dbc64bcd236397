// Package bus carries operator commands to the engine. Implementations: an
// in-process queue, a durable SQLite queue shared between processes, and a
// gRPC ingress.
package bus

import (
	"context"
	"errors"
	"time"

	"trailguard/internal/domain"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// retryDelay is the pause after a failed read before the next attempt.
const retryDelay = time.Second

// CommandBus delivers commands to a consumer.
type CommandBus interface {
	// Publish enqueues a command.
	Publish(ctx context.Context, cmd domain.Command) error

	// Consume streams commands until ctx ends, then closes the channel.
	// Undecodable messages are logged and skipped; transport errors are
	// retried internally.
	Consume(ctx context.Context) <-chan domain.Command

	// Close releases the bus.
	Close() error
}
