package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Job is a unit of queued notification work.
type Job interface {
	Handle(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Handle(ctx context.Context) error { return f(ctx) }

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a job is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("notification pool is shut down")

// WorkerPool runs jobs on a fixed set of lanes, one goroutine each. Jobs with
// the same key share a lane and run in submission order. Submit never waits
// for a free worker; the lane queues are unbounded.
type WorkerPool struct {
	lanes   []*lane
	pending sync.WaitGroup
	workers sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

type lane struct {
	mu    sync.Mutex
	queue []queuedJob
	wake  chan struct{}
}

type queuedJob struct {
	ctx context.Context
	job Job
}

func (l *lane) push(q queuedJob) {
	l.mu.Lock()
	l.queue = append(l.queue, q)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (queuedJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return queuedJob{}, false
	}
	q := l.queue[0]
	l.queue[0] = queuedJob{}
	l.queue = l.queue[1:]
	return q, true
}

// NewWorkerPool creates a pool with size lanes.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &WorkerPool{
		lanes:  make([]*lane, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	for i := range p.lanes {
		p.lanes[i] = &lane{wake: make(chan struct{}, 1)}
		p.workers.Add(1)
		go p.work(p.lanes[i])
	}
	return p
}

// Submit queues a job on the lane for key and returns at once. The job runs
// on a context that keeps ctx's values but not its cancellation, so a
// request that ends after queuing does not drop the job.
func (p *WorkerPool) Submit(ctx context.Context, key string, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	p.pending.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.laneFor(key).push(queuedJob{ctx: context.WithoutCancel(ctx), job: job})
	return nil
}

func (p *WorkerPool) laneFor(key string) *lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.lanes[h.Sum32()%uint32(len(p.lanes))]
}

func (p *WorkerPool) work(l *lane) {
	defer p.workers.Done()
	for {
		if q, ok := l.pop(); ok {
			p.run(q)
			continue
		}
		select {
		case <-l.wake:
		case <-p.done:
			// Nothing is pushed after done closes; drain and exit.
			for q, ok := l.pop(); ok; q, ok = l.pop() {
				p.run(q)
			}
			return
		}
	}
}

func (p *WorkerPool) run(q queuedJob) {
	atomic.AddInt64(&p.metrics.Queued, -1)
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.ErrorContext(q.ctx, "notification job panicked", "job", fmt.Sprintf("%T", q.job), "panic", r)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		p.pending.Done()
	}()

	if err := q.job.Handle(q.ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		p.logger.WarnContext(q.ctx, "notification job failed", "job", fmt.Sprintf("%T", q.job), "error", err)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Wait blocks until every submitted job has run.
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}

// Shutdown stops accepting jobs, runs the ones already queued and stops the
// lanes.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.workers.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
