package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

type scannerFixture struct {
	repo      *flakyRepository
	clock     *fakeClock
	bus       *events.Bus
	assembler *PayloadAssembler
	upload    *recordingSubmitter
	scanner   *TimeoutScanner
}

func newScannerFixture(t *testing.T) *scannerFixture {
	t.Helper()
	f := &scannerFixture{
		repo:   newFlakyRepository(),
		clock:  newFakeClock(),
		bus:    events.NewBus(),
		upload: &recordingSubmitter{},
	}
	f.assembler = newTestAssembler(t, f.repo, f.clock, f.bus)
	f.scanner = NewTimeoutScanner(f.assembler, f.repo, f.upload, time.Millisecond, f.clock.Now, f.bus, nopLogger())
	return f
}

func TestScan_HandsOffOnceAfterTimeout(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("a"), 1))
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("b"), 1))

	f.clock.Advance(999 * time.Millisecond)
	f.scanner.Scan(ctx)
	assert.Empty(t, f.upload.submitted())

	f.clock.Advance(time.Millisecond)
	f.scanner.Scan(ctx)
	submitted := f.upload.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, payload.StateUpload, submitted[0].State)
	assert.Equal(t, 2, submitted[0].Count())
	assert.Equal(t, payload.StateUpload, f.repo.get(t, submitted[0].ID).State)
	assert.Equal(t, 0, f.assembler.OpenBuckets())

	f.clock.Advance(time.Hour)
	f.scanner.Scan(ctx)
	assert.Len(t, f.upload.submitted(), 1)
}

func TestScan_NewFileResetsIdleTime(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("a"), 1))

	f.clock.Advance(800 * time.Millisecond)
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("b"), 1))

	// 200ms after the second file the bucket is still open
	f.clock.Advance(200 * time.Millisecond)
	f.scanner.Scan(ctx)
	assert.Empty(t, f.upload.submitted())

	f.clock.Advance(800 * time.Millisecond)
	f.scanner.Scan(ctx)
	submitted := f.upload.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, 2, submitted[0].Count())
}

func TestScan_FileAfterCloseStartsNewPayload(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("a"), 1))
	f.clock.Advance(time.Second)
	f.scanner.Scan(ctx)

	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("b"), 1))
	created, err := f.repo.ListByStates(ctx, payload.StateCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.NotEqual(t, f.upload.submitted()[0].ID, created[0].ID)
	assert.Equal(t, "b", created[0].Files[0].ID)
}

func TestScan_TransientFailureRetriedOnNextPass(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("a"), 1))
	f.clock.Advance(time.Second)

	f.repo.failUpdate(errUnavailable, 1)
	f.scanner.Scan(ctx)
	assert.Empty(t, f.upload.submitted())

	f.scanner.Scan(ctx)
	submitted := f.upload.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, payload.StateUpload, f.repo.get(t, submitted[0].ID).State)
}

func TestScan_ConflictLeavesPayloadForRecovery(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.assembler.Queue(ctx, "study-1", newTestFile("a"), 1))
	f.clock.Advance(time.Second)

	f.repo.failUpdate(store.ErrConflict, 1)
	f.scanner.Scan(ctx)
	f.scanner.Scan(ctx)
	assert.Empty(t, f.upload.submitted())
	assert.Equal(t, 0, f.assembler.OpenBuckets())
}

func TestScan_DropsEmptyPayload(t *testing.T) {
	repo := newFlakyRepository()
	clock := newFakeClock()
	empty := newStoredPayload(t, repo, payload.StateCreated, clock.Now())

	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer sub.Close()
	upload := &recordingSubmitter{}
	assembler := newTestAssembler(t, repo, clock, bus)
	scanner := NewTimeoutScanner(assembler, repo, upload, time.Millisecond, clock.Now, bus, nopLogger())

	clock.Advance(time.Second)
	scanner.Scan(context.Background())

	assert.Empty(t, upload.submitted())
	assert.Equal(t, 0, repo.Len())
	ev := waitForEvent(t, sub, events.BucketDropped)
	assert.Equal(t, empty.ID, ev.PayloadID)
}

func TestTimeoutScanner_RunStopsOnCancel(t *testing.T) {
	f := newScannerFixture(t)
	sub := f.bus.Subscribe(16)
	defer sub.Close()
	require.NoError(t, f.assembler.Queue(context.Background(), "study-1", newTestFile("a"), 1))
	f.clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scanner.Run(ctx) }()

	waitForEvent(t, sub, events.BucketClosed)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.Len(t, f.upload.submitted(), 1)
}

func TestScan_ConcurrentQueueKeepsEveryFileOnce(t *testing.T) {
	f := newScannerFixture(t)
	ctx := context.Background()
	const files = 200

	queued := make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		for {
			select {
			case <-queued:
				return
			default:
			}
			f.clock.Advance(400 * time.Millisecond)
			f.scanner.Scan(ctx)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, files)
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.assembler.Queue(ctx, "study-1", newTestFile(fmt.Sprintf("file-%03d", i)), 1)
		}(i)
	}
	wg.Wait()
	close(queued)
	<-scanned
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seenFiles := make(map[string]int)
	seenPayloads := make(map[string]int)
	for _, p := range f.upload.submitted() {
		seenPayloads[p.ID]++
		for _, file := range p.Files {
			seenFiles[file.ID]++
		}
	}
	stillOpen, err := f.repo.ListByStates(ctx, payload.StateCreated)
	require.NoError(t, err)
	for _, p := range stillOpen {
		assert.NotContains(t, seenPayloads, p.ID)
		for _, file := range p.Files {
			seenFiles[file.ID]++
		}
	}

	for id, count := range seenPayloads {
		assert.Equal(t, 1, count, "payload %s submitted more than once", id)
	}
	assert.Len(t, seenFiles, files)
	for id, count := range seenFiles {
		assert.Equal(t, 1, count, "file %s delivered more than once", id)
	}

	// closing what is left must not lose or repeat anything either
	f.clock.Advance(time.Second)
	f.scanner.Scan(ctx)
	total := 0
	ids := make(map[string]struct{})
	for _, p := range f.upload.submitted() {
		_, dup := ids[p.ID]
		assert.False(t, dup, "payload %s submitted more than once", p.ID)
		ids[p.ID] = struct{}{}
		total += p.Count()
	}
	assert.Equal(t, files, total)
	assert.Equal(t, 0, f.assembler.OpenBuckets())
}
