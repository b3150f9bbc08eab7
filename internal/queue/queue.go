// Package queue implements the admission queue of the dispatch core: a
// bounded, priority-aware staging area that rejects work beyond capacity,
// caps concurrent execution, and enforces a per-task SLA deadline.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nadmax/dispatchcore/internal/metrics"
	"github.com/nadmax/dispatchcore/internal/notify"
)

var (
	// ErrQueueFull signals backpressure: the caller must discard or back
	// off, the queue never runs the rejected unit of work.
	ErrQueueFull = errors.New("admission queue full")

	ErrShutdown     = errors.New("admission queue is shut down")
	ErrTaskNotFound = errors.New("task not found")
)

type Config struct {
	MaxQueueSize int
	MaxRunning   int
	SLATimeout   time.Duration

	// MaxHistory caps how many terminal task records stay queryable via
	// GetStatus. Zero or negative selects the default.
	MaxHistory int
}

const defaultMaxHistory = 1024

// Metrics is a plain snapshot for the status endpoint.
type Metrics struct {
	Running      int           `json:"running"`
	Pending      int           `json:"pending"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Rejected     int           `json:"rejected"`
	SLAAborts    int           `json:"sla_aborts"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MaxQueueSize int           `json:"max_queue_size"`
	MaxRunning   int           `json:"max_running"`
}

// Archiver records terminal task outcomes for the audit trail. A nil
// archiver disables archiving.
type Archiver interface {
	RecordOutcome(ctx context.Context, t Task) error
}

// Queue admits, schedules, and supervises units of work. A Queue is safe
// for concurrent use. Shutdown is terminal; construct a new Queue to start
// over.
type Queue struct {
	cfg      Config
	sink     notify.Sink
	archiver Archiver

	gate      *semaphore.Weighted
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	accepting bool
	tasks     map[string]*taskRecord
	ready     pendingHeap
	history   []string
	seq       uint64

	running   int
	pending   int
	completed int
	failed    int
	rejected  int
	slaAborts int

	totalDuration time.Duration
	finished      int
}

// New constructs a queue. sink must not be nil; archiver may be.
func New(cfg Config, sink notify.Sink, archiver Archiver) *Queue {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		sink:      sink,
		archiver:  archiver,
		gate:      semaphore.NewWeighted(int64(cfg.MaxRunning)),
		baseCtx:   ctx,
		cancelAll: cancel,
		accepting: true,
		tasks:     make(map[string]*taskRecord),
	}
}

// Submit admits work or rejects it. On ErrQueueFull or ErrShutdown the
// supplied unit of work is discarded without ever being executed. Priority
// affects scheduling order among admitted tasks, not admission: a full
// queue rejects even privileged submissions.
func (q *Queue) Submit(name, contextID string, priority int, work UnitOfWork) (string, error) {
	q.mu.Lock()

	if !q.accepting {
		q.mu.Unlock()
		return "", ErrShutdown
	}
	if q.pending+q.running >= q.cfg.MaxQueueSize {
		q.rejected++
		metrics.RecordTaskRejected()
		q.seq++
		rejected := newTaskRecord(name, contextID, priority, q.seq, nil)
		rejected.Status = StatusRejected
		q.mu.Unlock()

		log.Printf("task %q rejected: queue full", name)
		q.archive(rejected.Task)
		return "", ErrQueueFull
	}

	q.seq++
	rec := newTaskRecord(name, contextID, priority, q.seq, work)
	q.tasks[rec.ID] = rec
	heap.Push(&q.ready, rec)
	q.pending++
	metrics.RecordTaskSubmitted(priority)

	q.schedule()
	q.updateGauges()
	q.mu.Unlock()

	return rec.ID, nil
}

// schedule starts ready tasks while run slots are free. Called with q.mu held.
func (q *Queue) schedule() {
	for q.ready.Len() > 0 && q.gate.TryAcquire(1) {
		rec := heap.Pop(&q.ready).(*taskRecord)
		q.pending--
		q.running++

		now := time.Now()
		rec.Status = StatusRunning
		rec.StartedAt = &now

		q.wg.Add(1)
		go q.run(rec)
	}
}

// run races the unit of work against the SLA deadline. Cancellation is
// acknowledged, not fire-and-forget: after signalling the context the queue
// still waits for the work function to return so that held resources are
// released deterministically.
func (q *Queue) run(rec *taskRecord) {
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.SLATimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := rec.work(ctx)
		resCh <- outcome{result: result, err: err}
	}()

	var out outcome
	interrupted := false
	select {
	case out = <-resCh:
	case <-ctx.Done():
		interrupted = true
		out = <-resCh
	}

	// A nil error wins even when the deadline fired in the same instant:
	// work that handed back a result is complete, not aborted.
	slaExceeded := interrupted && out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancelled := interrupted && out.err != nil && !slaExceeded

	q.finalize(rec, out.result, out.err, slaExceeded, cancelled)
}

func (q *Queue) finalize(rec *taskRecord, result any, err error, slaExceeded, cancelled bool) {
	q.mu.Lock()

	now := time.Now()
	rec.EndedAt = &now
	duration := now.Sub(*rec.StartedAt)

	var notifyFailure string
	var notifySuccess string

	switch {
	case slaExceeded:
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("SLA exceeded: task %q cancelled after %.2fs", rec.Name, q.cfg.SLATimeout.Seconds())
		q.failed++
		q.slaAborts++
		metrics.RecordTaskSLAAborted()
		metrics.RecordTaskFailed(duration)
		notifyFailure = fmt.Sprintf("task %q aborted: SLA of %.2fs exceeded", rec.Name, q.cfg.SLATimeout.Seconds())
	case cancelled:
		rec.Status = StatusFailed
		rec.Error = "cancelled: queue shutdown"
		q.failed++
		metrics.RecordTaskFailed(duration)
		notifyFailure = fmt.Sprintf("task %q cancelled: queue shutdown", rec.Name)
	case err != nil:
		rec.Status = StatusFailed
		rec.Error = err.Error()
		q.failed++
		metrics.RecordTaskFailed(duration)
		notifyFailure = fmt.Sprintf("task %q failed: %s", rec.Name, err.Error())
	default:
		rec.Status = StatusCompleted
		rec.Result = result
		q.completed++
		metrics.RecordTaskCompleted(duration)
		notifySuccess = fmt.Sprintf("task %q completed", rec.Name)
	}

	q.running--
	q.totalDuration += duration
	q.finished++
	q.retire(rec)
	q.gate.Release(1)
	q.schedule()
	q.updateGauges()

	snapshot := rec.Task
	contextID := rec.ContextID
	q.mu.Unlock()

	if notifyFailure != "" {
		q.sink.NotifyFailure(contextID, notifyFailure)
	}
	if notifySuccess != "" {
		q.sink.NotifySuccess(contextID, notifySuccess)
	}
	q.archive(snapshot)
}

// retire evicts the oldest terminal records once the retention cap is hit,
// so a long-running process does not hold results forever. Lifetime
// counters in GetMetrics are unaffected. Called with q.mu held after rec
// has reached a terminal status.
func (q *Queue) retire(rec *taskRecord) {
	q.history = append(q.history, rec.ID)
	for len(q.history) > q.cfg.MaxHistory {
		delete(q.tasks, q.history[0])
		q.history = q.history[1:]
	}
}

// archive records a terminal outcome if an archiver is configured. Must be
// called without q.mu held.
func (q *Queue) archive(t Task) {
	if q.archiver == nil {
		return
	}
	if err := q.archiver.RecordOutcome(context.Background(), t); err != nil {
		log.Printf("failed to archive outcome for task %s: %v", t.ID, err)
	}
}

// updateGauges is called with q.mu held.
func (q *Queue) updateGauges() {
	metrics.UpdateTaskGauges(q.running, q.pending)
}

func (q *Queue) GetStatus(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return rec.Task, nil
}

// ListActive returns snapshots of all pending and running tasks.
func (q *Queue) ListActive() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := make([]Task, 0, q.pending+q.running)
	for _, rec := range q.tasks {
		if rec.Status == StatusPending || rec.Status == StatusRunning {
			active = append(active, rec.Task)
		}
	}
	return active
}

func (q *Queue) GetMetrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg time.Duration
	if q.finished > 0 {
		avg = q.totalDuration / time.Duration(q.finished)
	}
	return Metrics{
		Running:      q.running,
		Pending:      q.pending,
		Completed:    q.completed,
		Failed:       q.failed,
		Rejected:     q.rejected,
		SLAAborts:    q.slaAborts,
		AvgDuration:  avg,
		MaxQueueSize: q.cfg.MaxQueueSize,
		MaxRunning:   q.cfg.MaxRunning,
	}
}

// Shutdown stops admission, cancels every pending and running task, and
// waits up to timeout for running work to acknowledge cancellation.
// Shutdown is terminal for this Queue.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	q.accepting = false

	// Pending tasks never started; fail them directly without running.
	var dropped []*taskRecord
	for q.ready.Len() > 0 {
		rec := heap.Pop(&q.ready).(*taskRecord)
		now := time.Now()
		rec.Status = StatusFailed
		rec.Error = "cancelled: queue shutdown"
		rec.EndedAt = &now
		q.pending--
		q.failed++
		q.retire(rec)
		dropped = append(dropped, rec)
	}
	q.updateGauges()
	q.mu.Unlock()

	for _, rec := range dropped {
		q.sink.NotifyFailure(rec.ContextID, fmt.Sprintf("task %q cancelled: queue shutdown", rec.Name))
		q.archive(rec.Task)
	}

	// Running tasks see cancellation through their context.
	q.cancelAll()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %s with tasks still running", timeout)
	}
}
