package executor

import (
	"log/slog"
	"sync"
)

// Dispatcher is the process-wide map from project name to Executor
// (spec §4.4). Put creates the project's executor on first use.
type Dispatcher struct {
	mu        sync.Mutex
	executors map[string]*Executor
	logger    *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{executors: make(map[string]*Executor), logger: logger}
}

// Put enqueues task on project's executor, creating and starting the
// executor if this is the project's first task.
func (d *Dispatcher) Put(project string, task Task) {
	d.mu.Lock()
	ex, ok := d.executors[project]
	if !ok {
		ex = New(project, d.logger)
		d.executors[project] = ex
		ex.Start()
	}
	d.mu.Unlock()

	ex.Put(task)
}

// Close pushes an End task to every executor and waits for each worker
// to exit. End outranks Alert, Sync and Merge tasks, so tasks of those
// kinds still queued when Close is called are not run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	executors := make([]*Executor, 0, len(d.executors))
	for _, ex := range d.executors {
		executors = append(executors, ex)
	}
	d.mu.Unlock()

	for _, ex := range executors {
		ex.Put(EndTask{})
	}
	for _, ex := range executors {
		<-ex.Done()
	}
}
