// Package eventbus fans out in-process job lifecycle signals.
//
// Publish never blocks: each subscriber owns a buffered channel and slow
// subscribers lose events. Nothing here is durable; the job store is the
// source of truth.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the orchestrator.
const (
	JobCreated   = "job.created"
	JobSubmitted = "job.submitted"
	JobPolling   = "job.polling"
	JobProgress  = "job.progress"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobDelivered = "job.delivered"
)

type Event struct {
	Type  string
	Time  time.Time
	JobID string
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
