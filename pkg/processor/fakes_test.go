package processor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/payload-gateway/pkg/broker"
	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/storage"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

var errUnavailable = errors.New("service unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRepository fails the next N calls of an operation with the configured error.
type flakyRepository struct {
	*store.MemoryRepository

	mu          sync.Mutex
	addErr      error
	addFails    int
	updateErr   error
	updateFails int
	removeErr   error
	removeFails int
}

func newFlakyRepository() *flakyRepository {
	return &flakyRepository{MemoryRepository: store.NewMemoryRepository()}
}

func (r *flakyRepository) failAdd(err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addErr, r.addFails = err, times
}

func (r *flakyRepository) failUpdate(err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr, r.updateFails = err, times
}

func (r *flakyRepository) failRemove(err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeErr, r.removeFails = err, times
}

func (r *flakyRepository) Add(ctx context.Context, p *payload.Payload) error {
	r.mu.Lock()
	if r.addFails > 0 {
		r.addFails--
		r.mu.Unlock()
		return r.addErr
	}
	r.mu.Unlock()
	return r.MemoryRepository.Add(ctx, p)
}

func (r *flakyRepository) Update(ctx context.Context, p *payload.Payload) error {
	r.mu.Lock()
	if r.updateFails > 0 {
		r.updateFails--
		r.mu.Unlock()
		return r.updateErr
	}
	r.mu.Unlock()
	return r.MemoryRepository.Update(ctx, p)
}

func (r *flakyRepository) Remove(ctx context.Context, p *payload.Payload) error {
	r.mu.Lock()
	if r.removeFails > 0 {
		r.removeFails--
		r.mu.Unlock()
		return r.removeErr
	}
	r.mu.Unlock()
	return r.MemoryRepository.Remove(ctx, p)
}

func (r *flakyRepository) get(t *testing.T, id string) *payload.Payload {
	t.Helper()
	payloads, err := r.ListByStates(context.Background(), payload.StateCreated, payload.StateUpload, payload.StateNotify)
	require.NoError(t, err)
	for _, p := range payloads {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("payload %s not found", id)
	return nil
}

type fakeStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	order    []string
	calls    map[string]int
	failKeys map[string]int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		calls:    make(map[string]int),
		failKeys: make(map[string]int),
	}
}

// failOn makes the next times uploads of key fail.
func (s *fakeStorage) failOn(key string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys[key] = times
}

func (s *fakeStorage) PutObject(_ context.Context, _ string, key string, r io.Reader, _ int64, _ string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if s.failKeys[key] > 0 {
		s.failKeys[key]--
		return errUnavailable
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	s.metadata[key] = metadata
	s.order = append(s.order, key)
	return nil
}

func (s *fakeStorage) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *fakeStorage) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *fakeStorage) uploadOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type fakeBroker struct {
	mu        sync.Mutex
	fails     int
	attempts  int
	topics    []string
	published []*broker.Message
}

func (b *fakeBroker) failNext(times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails = times
}

func (b *fakeBroker) Publish(_ context.Context, topic string, msg *broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.fails > 0 {
		b.fails--
		return errUnavailable
	}
	b.topics = append(b.topics, topic)
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBroker) Close() error {
	return nil
}

func (b *fakeBroker) messages() []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*broker.Message(nil), b.published...)
}

func (b *fakeBroker) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

type recordingCleanup struct {
	mu    sync.Mutex
	files []payload.FileRecord
}

func (c *recordingCleanup) Enqueue(file payload.FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, file)
}

func (c *recordingCleanup) enqueued() []payload.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]payload.FileRecord(nil), c.files...)
}

type recordingSubmitter struct {
	mu       sync.Mutex
	payloads []*payload.Payload
}

func (s *recordingSubmitter) Submit(p *payload.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
}

func (s *recordingSubmitter) submitted() []*payload.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*payload.Payload(nil), s.payloads...)
}

func newTestFiles(t *testing.T, paths ...string) *storage.TemporaryStore {
	t.Helper()
	files := storage.NewTemporaryStore(afero.NewMemMapFs(), "/payloads")
	for _, path := range paths {
		_, err := files.Save(path, strings.NewReader("content of "+path))
		require.NoError(t, err)
	}
	return files
}

func newTestFile(id string, workflows ...string) payload.FileRecord {
	return payload.FileRecord{
		ID:          id,
		StoragePath: id + ".dcm",
		UploadPath:  id + ".dcm",
		ContentType: "application/dicom",
		Source:      "PACS",
		Workflows:   workflows,
	}
}

// newStoredPayload persists a payload in the given state with one file per id.
func newStoredPayload(t *testing.T, repo store.PayloadRepository, state payload.State, createdAt time.Time, ids ...string) *payload.Payload {
	t.Helper()
	p, err := payload.New("study-1", "corr-1", 1, createdAt)
	require.NoError(t, err)
	for _, id := range ids {
		p.Add(newTestFile(id, "wf-1"), createdAt)
	}
	p.State = state
	require.NoError(t, repo.Add(context.Background(), p))
	return p
}

func waitForEvent(t *testing.T, sub *events.Subscription, eventType events.Type) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
			return events.Event{}
		}
	}
}

func nopLogger() log.Logger {
	return log.NewNopLogger()
}
