// Package mailbox is a single-slot hand-off between a fast producer and a
// slower consumer. A new value overwrites an unconsumed one, so the consumer
// always sees the freshest frame and the producer never blocks.
package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/distguard/internal/errors"
)

// ErrClosed is returned by Take once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Mailbox holds at most one value.
type Mailbox[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	closed bool
	// ready carries at most one wake-up token for a blocked Take.
	ready chan struct{}
	drops atomic.Uint64
	puts  atomic.Uint64
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put stores v, replacing any value Take has not collected yet. It never
// blocks. Put after Close is ignored and reports false.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.mu.Unlock()

	m.puts.Add(1)
	m.signal()
	return true
}

// Take blocks until a value is available, ctx is done or the mailbox is
// closed. A value stored before Close is still delivered.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if m.full {
			v := m.value
			var zero T
			m.value = zero
			m.full = false
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// Close wakes any blocked Take. It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Drops counts values overwritten before they were taken.
func (m *Mailbox[T]) Drops() uint64 { return m.drops.Load() }

// Puts counts accepted values.
func (m *Mailbox[T]) Puts() uint64 { return m.puts.Load() }
