package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

var (
	// ErrAssemblerStopped is returned by Queue once the pipeline is shutting down.
	ErrAssemblerStopped = errors.New("payload assembler stopped")
	// ErrIncorrectState is reported when a stage receives a payload it cannot process.
	ErrIncorrectState = errors.New("payload is in an incorrect state")
)

// bucket is the open payload of one key. ready is closed once creation finished, successfully or not.
type bucket struct {
	ready chan struct{}

	mu      sync.Mutex
	payload *payload.Payload
	err     error
	closed  bool
}

func readyBucket(p *payload.Payload) *bucket {
	b := &bucket{ready: make(chan struct{}), payload: p}
	close(b.ready)
	return b
}

func (b *bucket) isReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// PayloadAssembler groups incoming files into payloads by key.
type PayloadAssembler struct {
	repo           store.PayloadRepository
	logger         log.Logger
	bus            *events.Bus
	now            func() time.Time
	owner          string
	defaultTimeout uint

	mu      sync.Mutex
	buckets map[string]*bucket
	handOff []*payload.Payload
	stopped bool
}

// NewPayloadAssembler creates an assembler and reopens the payloads owner left in the Created state. Payloads without
// an owner are adopted; payloads of other owners are left alone.
func NewPayloadAssembler(ctx context.Context, repo store.PayloadRepository, owner string, defaultTimeout uint, now func() time.Time, bus *events.Bus, logger log.Logger) (*PayloadAssembler, error) {
	a := &PayloadAssembler{
		repo:           repo,
		logger:         logger,
		bus:            bus,
		now:            now,
		owner:          owner,
		defaultTimeout: defaultTimeout,
		buckets:        make(map[string]*bucket),
	}

	created, err := repo.ListByStates(ctx, payload.StateCreated)
	if err != nil {
		return nil, fmt.Errorf("load open payloads: %w", err)
	}
	reopened, foreign := 0, 0
	// ListByStates is oldest first: walk backwards so the newest payload of a key stays open.
	for i := len(created) - 1; i >= 0; i-- {
		p := created[i]
		if p.Owner != "" && p.Owner != owner {
			foreign++
			continue
		}
		reopened++
		if _, exists := a.buckets[p.Key]; exists {
			level.Warn(logger).Log("msg", "duplicate open payload, closing early", "key", p.Key, "payload", p.ID)
			a.handOff = append(a.handOff, p)
			continue
		}
		a.buckets[p.Key] = readyBucket(p)
	}
	if reopened > 0 || foreign > 0 {
		level.Info(logger).Log("msg", "reopened payloads", "count", reopened, "other_owners", foreign)
	}
	return a, nil
}

// Queue adds file to the open payload of key, creating and persisting the payload if none is open.
// timeoutSeconds only applies when a new payload is created; zero means the default timeout.
func (a *PayloadAssembler) Queue(ctx context.Context, key string, file payload.FileRecord, timeoutSeconds uint) error {
	if key == "" {
		return payload.ErrEmptyKey
	}
	for {
		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			return ErrAssemblerStopped
		}
		b, ok := a.buckets[key]
		if !ok {
			b = &bucket{ready: make(chan struct{})}
			a.buckets[key] = b
			a.mu.Unlock()
			return a.create(ctx, key, b, file, timeoutSeconds)
		}
		a.mu.Unlock()

		select {
		case <-b.ready:
		case <-ctx.Done():
			return ctx.Err()
		}

		b.mu.Lock()
		if b.err != nil || b.closed {
			// creation failed or the scanner closed it, start over with a fresh bucket
			b.mu.Unlock()
			continue
		}
		err := a.append(ctx, b.payload, file)
		b.mu.Unlock()
		return err
	}
}

func (a *PayloadAssembler) create(ctx context.Context, key string, b *bucket, file payload.FileRecord, timeoutSeconds uint) error {
	defer close(b.ready)

	if timeoutSeconds == 0 {
		timeoutSeconds = a.defaultTimeout
	}
	correlationID := file.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := a.now()
	p, err := payload.New(key, correlationID, timeoutSeconds, now)
	if err == nil {
		p.Owner = a.owner
		p.Add(file, now)
		err = a.repo.Add(ctx, p)
	}
	if err != nil {
		b.err = err
		a.mu.Lock()
		if a.buckets[key] == b {
			delete(a.buckets, key)
		}
		a.mu.Unlock()
		return fmt.Errorf("create payload for %s: %w", key, err)
	}

	b.payload = p
	level.Info(a.logger).Log("msg", "payload created", "payload", p.ID, "key", key, "timeout", timeoutSeconds)
	a.bus.Publish(events.Event{Type: events.BucketCreated, PayloadID: p.ID, Key: key, FileCount: 1})
	a.bus.Publish(events.Event{Type: events.FileQueued, PayloadID: p.ID, Key: key, FileCount: 1})
	return nil
}

// append must be called with the bucket lock held.
func (a *PayloadAssembler) append(ctx context.Context, p *payload.Payload, file payload.FileRecord) error {
	lastActivity := p.LastActivityAt
	p.Add(file, a.now())
	if err := a.repo.Update(ctx, p); err != nil {
		p.RemoveLast()
		p.LastActivityAt = lastActivity
		return fmt.Errorf("add file %s to payload %s: %w", file.ID, p.ID, err)
	}
	level.Debug(a.logger).Log("msg", "file queued", "payload", p.ID, "key", p.Key, "file", file.ID, "count", p.Count())
	a.bus.Publish(events.Event{Type: events.FileQueued, PayloadID: p.ID, Key: p.Key, FileCount: p.Count()})
	return nil
}

// closeTimedOut removes every timed out bucket from the open map and returns its payload, together with any payload
// waiting for a repeated hand-off.
func (a *PayloadAssembler) closeTimedOut(now time.Time) []*payload.Payload {
	a.mu.Lock()
	closing := a.handOff
	a.handOff = nil
	candidates := make([]*bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		candidates = append(candidates, b)
	}
	a.mu.Unlock()

	for _, b := range candidates {
		if !b.isReady() {
			continue
		}
		b.mu.Lock()
		if b.err != nil || b.closed || !b.payload.HasTimedOut(now) {
			b.mu.Unlock()
			continue
		}
		b.closed = true
		a.mu.Lock()
		if a.buckets[b.payload.Key] == b {
			delete(a.buckets, b.payload.Key)
		}
		a.mu.Unlock()
		closing = append(closing, b.payload)
		b.mu.Unlock()
	}
	return closing
}

// retryHandOff keeps p for the next scan after its state change could not be persisted.
func (a *PayloadAssembler) retryHandOff(p *payload.Payload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handOff = append(a.handOff, p)
}

// Stop makes subsequent Queue calls fail with ErrAssemblerStopped.
func (a *PayloadAssembler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

// OpenBuckets returns the number of payloads still accepting files.
func (a *PayloadAssembler) OpenBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
