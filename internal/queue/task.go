package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Priority orders ready tasks for execution; lower is more urgent. Any int
// is accepted, these two are the built-in classes.
const (
	PriorityPrivileged = 0
	PriorityNormal     = 1
)

// UnitOfWork is the opaque work a caller submits. It must honor ctx
// cancellation and return promptly once the context is done; the queue
// waits for it to return after cancelling.
type UnitOfWork func(ctx context.Context) (any, error)

// Task is a snapshot of one admitted unit of work. Result is set only on
// completed tasks and Error only on failed ones; the queue alone mutates
// the underlying record.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ContextID string     `json:"context_id"`
	Priority  int        `json:"priority"`
	Status    Status     `json:"status"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type taskRecord struct {
	Task
	seq  uint64
	work UnitOfWork
}

func newTaskRecord(name, contextID string, priority int, seq uint64, work UnitOfWork) *taskRecord {
	return &taskRecord{
		Task: Task{
			ID:        uuid.New().String(),
			Name:      name,
			ContextID: contextID,
			Priority:  priority,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		seq:  seq,
		work: work,
	}
}

// pendingHeap orders admitted tasks by ascending priority, FIFO within a
// priority class.
type pendingHeap []*taskRecord

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(*taskRecord))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return rec
}
