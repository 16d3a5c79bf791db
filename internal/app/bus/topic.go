package bus

import (
	"sync"
)

type subscriber[T any] struct {
	mb *Mailbox
	fn func(T)
}

// Topic carries one command kind. The zero value is ready to use.
type Topic[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber[T]
	next uint64
}

// Subscribe attaches fn to the topic; fn runs on mb's goroutine.
// The returned cancel is idempotent.
func (t *Topic[T]) Subscribe(mb *Mailbox, fn func(T)) (cancel func()) {
	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[uint64]subscriber[T])
	}
	id := t.next
	t.next++
	t.subs[id] = subscriber[T]{mb: mb, fn: fn}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish hands cmd to every current subscriber and returns how many took it.
// It never blocks; with no subscribers the command is dropped.
func (t *Topic[T]) Publish(cmd T) int {
	t.mu.RLock()
	snapshot := make([]subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		fn := s.fn
		if s.mb.post(func() { fn(cmd) }) {
			delivered++
		}
	}
	return delivered
}

// Subscribers reports the current subscriber count.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
