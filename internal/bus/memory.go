package bus

import (
	"context"
	"sync"

	"trailguard/internal/domain"
)

var _ CommandBus = (*MemoryBus)(nil)

// MemoryBus is an in-process FIFO queue. Concurrent consumers compete for
// commands; each command is delivered once.
type MemoryBus struct {
	queue chan domain.Command
	done  chan struct{}
	once  sync.Once
}

// NewMemoryBus creates a MemoryBus that buffers up to size commands.
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{
		queue: make(chan domain.Command, size),
		done:  make(chan struct{}),
	}
}

// Publish blocks while the queue is full.
func (b *MemoryBus) Publish(ctx context.Context, cmd domain.Command) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- cmd:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements CommandBus.
func (b *MemoryBus) Consume(ctx context.Context) <-chan domain.Command {
	out := make(chan domain.Command)
	go func() {
		defer close(out)
		for {
			var cmd domain.Command
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case cmd = <-b.queue:
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops consumers and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
