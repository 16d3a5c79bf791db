package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Mailbox is a consumer's inbox: an unbounded FIFO drained by a single
// goroutine. Everything posted to one mailbox runs in post order.
type Mailbox struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

func NewMailbox(name string) *Mailbox {
	return &Mailbox{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

func (m *Mailbox) Name() string { return m.name }

// Len reports how many deliveries are waiting.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// post never blocks. It reports false once the mailbox stopped.
func (m *Mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the mailbox until ctx is done. Pending deliveries are dropped
// on exit.
func (m *Mailbox) Run(ctx context.Context) {
	logger := log.With().Str("module", "bus").Str("mailbox", m.name).Logger()
	logger.Debug().Msg("mailbox started")
	defer func() {
		m.mu.Lock()
		dropped := len(m.queue)
		m.queue = nil
		m.closed = true
		m.mu.Unlock()
		logger.Debug().Int("dropped", dropped).Msg("mailbox stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for {
			fn, ok := m.next()
			if !ok {
				break
			}
			m.deliver(fn)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (m *Mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn, true
}

// deliver keeps the drain loop alive when a handler panics.
func (m *Mailbox) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "bus").Str("mailbox", m.name).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}
