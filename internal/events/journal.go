package events

import (
	"context"
	"sync"
)

// Journal keeps the last N events of the topics it follows, newest first on
// read. It backs the admin event listing.
type Journal struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	unsub []func()
}

func NewJournal(size int) *Journal {
	if size <= 0 {
		size = 100
	}
	return &Journal{buf: make([]Event, size)}
}

// Follow subscribes the journal to topics on s.
func (j *Journal) Follow(s Subscriber, topics ...string) {
	for _, topic := range topics {
		u := s.Subscribe(topic, j.record)
		j.mu.Lock()
		j.unsub = append(j.unsub, u)
		j.mu.Unlock()
	}
}

// Close unsubscribes from every followed topic.
func (j *Journal) Close() {
	j.mu.Lock()
	unsub := j.unsub
	j.unsub = nil
	j.mu.Unlock()
	for _, u := range unsub {
		u()
	}
}

func (j *Journal) record(_ context.Context, ev Event) {
	j.mu.Lock()
	j.buf[j.next] = ev
	j.next = (j.next + 1) % len(j.buf)
	if j.next == 0 {
		j.full = true
	}
	j.mu.Unlock()
}

// Recent returns up to limit events, newest first. limit <= 0 means all.
func (j *Journal) Recent(limit int) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.next
	if j.full {
		n = len(j.buf)
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, j.buf[(j.next-i+len(j.buf))%len(j.buf)])
	}
	return out
}
