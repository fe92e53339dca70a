package processor

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

type handlerFunc func(ctx context.Context, p *payload.Payload)

// workQueue is an unbounded FIFO drained by a fixed number of workers. Delayed posts are timers, so a waiting
// payload never holds a worker.
type workQueue struct {
	name        string
	parallelism int
	handle      handlerFunc
	logger      log.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	items     []*payload.Payload
	timers    map[*time.Timer]struct{}
	completed bool
	started   bool

	wg   sync.WaitGroup
	done chan struct{}
}

func newWorkQueue(name string, parallelism int, handle handlerFunc, logger log.Logger) *workQueue {
	if parallelism < 1 {
		parallelism = 1
	}
	q := &workQueue{
		name:        name,
		parallelism: parallelism,
		handle:      handle,
		logger:      logger,
		timers:      make(map[*time.Timer]struct{}),
		done:        make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// start launches the workers. Items posted before start are kept.
func (q *workQueue) start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(q.parallelism)
	for i := 0; i < q.parallelism; i++ {
		go q.worker(ctx)
	}
	go func() {
		q.wg.Wait()
		close(q.done)
	}()
}

func (q *workQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.completed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		p := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.handle(ctx, p)
	}
}

// post enqueues p and reports whether the queue accepted it.
func (q *workQueue) post(p *payload.Payload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return false
	}
	q.items = append(q.items, p)
	q.cond.Signal()
	return true
}

// postAfter enqueues p once delay has elapsed.
func (q *workQueue) postAfter(p *payload.Payload, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if !q.post(p) {
			level.Info(q.logger).Log("msg", "queue completed, delayed payload left for recovery", "queue", q.name, "payload", p.ID)
		}
	})
	q.timers[timer] = struct{}{}
	return true
}

// complete stops accepting work and cancels pending delayed posts. Workers exit once the queue is empty.
func (q *workQueue) complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return
	}
	q.completed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.cond.Broadcast()
}

// wait blocks until every worker has exited or ctx is done.
func (q *workQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// len returns the number of queued items plus pending delayed posts.
func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.timers)
}
