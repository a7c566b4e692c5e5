package state

import (
	"context"
	"sync"
)

// mailbox is a thread-safe unbounded FIFO of events for one subscription.
//
// Unbounded so that a slow reader never blocks Notify or causes an
// accepted event to be dropped. A buffered signal channel of size 1
// coalesces wakeups for context-aware waiting.
type mailbox struct {
	mu     sync.Mutex
	events []ChangeEvent
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		events: make([]ChangeEvent, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends e. Returns false if the mailbox is closed.
func (m *mailbox) push(e ChangeEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.events = append(m.events, e)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the oldest event without blocking.
func (m *mailbox) tryPop() (ChangeEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) == 0 {
		return ChangeEvent{}, false
	}
	e := m.events[0]
	m.events[0] = ChangeEvent{}
	if len(m.events) == 1 {
		m.events = m.events[:0]
	} else {
		m.events = m.events[1:]
	}
	return e, true
}

// pop blocks until an event is available, the mailbox is closed and
// drained (ErrSubscriptionClosed), or ctx is done.
func (m *mailbox) pop(ctx context.Context) (ChangeEvent, error) {
	for {
		if e, ok := m.tryPop(); ok {
			return e, nil
		}
		m.mu.Lock()
		done := m.closed && len(m.events) == 0
		m.mu.Unlock()
		if done {
			return ChangeEvent{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// close stops further pushes and wakes waiters. Already queued events
// remain readable.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
