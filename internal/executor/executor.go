// Package executor runs tasks one project at a time. Each project gets
// its own priority-queued worker (spec §4.4): lower priority numbers
// run first, same-priority tasks run in insertion order, and an End
// task stops the worker; tasks of lower priority still queued behind it
// are not run.
package executor

import (
	"container/heap"
	"log/slog"
	"sync"
)

// Priority values from spec §4.4's task table. Lower runs first.
// PriorityQuarantine outranks even the End sentinel: once a mirror is
// found unrecoverable nothing else should touch it, including a
// shutdown already queued behind it.
const (
	PriorityQuarantine = 0
	PriorityEnd        = 1
	PriorityAlert      = 2
	PriorityGitInit    = 4
	PrioritySync       = 4
	PriorityMerge      = 5
)

// Task is one unit of work submitted to a project's executor.
type Task interface {
	// Priority reports the task's queue priority; lower runs first.
	Priority() int
	// Run executes the task. Errors are logged by the executor and do
	// not stop the worker unless the task is an End task.
	Run() error
	// IsEnd reports whether this task is the shutdown sentinel.
	IsEnd() bool
}

// EndTask is the high-priority sentinel that stops a project's worker.
type EndTask struct{}

// Priority implements Task.
func (EndTask) Priority() int { return PriorityEnd }

// Run implements Task.
func (EndTask) Run() error { return nil }

// IsEnd implements Task.
func (EndTask) IsEnd() bool { return true }

// item is one entry in a project's priority queue: the task plus a
// monotonically increasing sequence number that breaks priority ties
// in insertion order.
type item struct {
	task Task
	seq  int
}

// taskHeap is a container/heap.Interface ordered by (priority, seq).
type taskHeap []item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority() != h[j].task.Priority() {
		return h[i].task.Priority() < h[j].task.Priority()
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	popped := old[n-1]
	*h = old[:n-1]
	return popped
}

// Executor is one cooperative worker for a single project.
type Executor struct {
	project string
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	nextSeq int
	started bool
	done    chan struct{}
}

// New creates an Executor for project. Call Start to begin consuming
// its queue.
func New(project string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{project: project, logger: logger, done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Put enqueues task, creating ordering by priority then insertion
// order among equal priorities.
func (e *Executor) Put(task Task) {
	e.mu.Lock()
	heap.Push(&e.heap, item{task: task, seq: e.nextSeq})
	e.nextSeq++
	e.mu.Unlock()
	e.cond.Signal()
}

// Start launches the worker goroutine. Safe to call once; subsequent
// calls are a no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.run()
}

// Done returns a channel closed when the worker has processed an End
// task and exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		task := e.next()

		if err := task.Run(); err != nil {
			e.logger.Error("task failed",
				slog.String("project", e.project),
				slog.String("error", err.Error()),
			)
		}

		if task.IsEnd() {
			return
		}
	}
}

// next blocks until a task is available and returns the
// highest-priority one.
func (e *Executor) next() Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.heap.Len() == 0 {
		e.cond.Wait()
	}
	it := heap.Pop(&e.heap).(item)
	return it.task
}

// QueueLen reports the number of tasks currently queued, for tests and
// diagnostics.
func (e *Executor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heap.Len()
}
