package exec

import (
	"context"
	"sync"

	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/metrics"
)

// Monitor runs batch poll loops in the background, one per execution.
// Stopping a task cancels its context and waits for it to return.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*monitorTask
	wg    sync.WaitGroup

	logger  *log.Logger
	metrics *metrics.Metrics
}

type monitorTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor. Tasks outlive the requests that start them
// and end on Stop or Shutdown.
func NewMonitor(logger *log.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*monitorTask),
		logger:  logger.WithGroup("monitor"),
		metrics: m,
	}
}

// Start runs fn in the background under key. It returns false when a task
// with the same key is already running or the monitor has shut down.
func (m *Monitor) Start(key string, fn func(ctx context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	if _, ok := m.tasks[key]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	task := &monitorTask{cancel: cancel, done: make(chan struct{})}
	m.tasks[key] = task
	m.wg.Add(1)
	m.metrics.MonitorStarted()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			if m.tasks[key] == task {
				delete(m.tasks, key)
			}
			m.mu.Unlock()
			m.metrics.MonitorStopped()
			close(task.done)
			m.wg.Done()
		}()
		fn(log.WithExecution(ctx, key))
	}()

	m.logger.Debug("task started", "key", key)
	return true
}

// Stop cancels the task for key and waits for it to exit.
// It reports whether a task was running. Safe on a nil Monitor.
func (m *Monitor) Stop(key string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	task, ok := m.tasks[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	<-task.done
	m.logger.Debug("task stopped", "key", key)
	return true
}

// Running reports whether a task is active for key
func (m *Monitor) Running(key string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	return ok
}

// Wait blocks until every task has returned
func (m *Monitor) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

// Shutdown cancels all tasks and waits for them until ctx is done.
// No new tasks start afterwards.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
