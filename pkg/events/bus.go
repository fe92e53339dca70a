// Package events carries pipeline lifecycle notifications to interested subscribers.
package events

import (
	"sync"
	"time"
)

// Type identifies a pipeline event.
type Type string

const (
	BucketCreated    Type = "bucket_created"
	FileQueued       Type = "file_queued"
	BucketClosed     Type = "bucket_closed"
	BucketDropped    Type = "bucket_dropped"
	UploadCompleted  Type = "upload_completed"
	UploadRetry      Type = "upload_retry"
	PublishCompleted Type = "publish_completed"
	PublishRetry     Type = "publish_retry"
	PayloadAbandoned Type = "payload_abandoned"
	PayloadRecovered Type = "payload_recovered"
)

// Event describes something that happened to a payload.
type Event struct {
	Type       Type
	PayloadID  string
	Key        string
	FileCount  int
	RetryCount int
	Err        error
	Time       time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber whose buffer is full misses the event.
// A nil *Bus is valid and discards everything.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	id   int
	ch   chan Event
	once sync.Once
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	if b == nil {
		close(ch)
		return sub
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Close unregisters the subscription and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.bus == nil {
			return
		}
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
