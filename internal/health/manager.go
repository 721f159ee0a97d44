package health

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"
)

// Manager runs registered checks in parallel, each bounded by a timeout.
type Manager struct {
	checkers []Checker
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewManager creates a manager with a 5 second per-check timeout.
func NewManager() *Manager {
	return &Manager{timeout: 5 * time.Second}
}

// WithTimeout sets the per-check timeout.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
	return m
}

// AddChecker registers a checker.
func (m *Manager) AddChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// RemoveChecker removes a checker by name.
func (m *Manager) RemoveChecker(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, checker := range m.checkers {
		if checker.Name() == name {
			m.checkers = append(m.checkers[:i], m.checkers[i+1:]...)
			return true
		}
	}
	return false
}

// Check runs all checks and returns results keyed by checker name. A checker
// that overruns the timeout is reported unhealthy without waiting for it.
func (m *Manager) Check(ctx context.Context) map[string]*Result {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	limit := m.timeout
	m.mu.RUnlock()

	guard := timeout.New[*Result](timeout.Config{DefaultTimeout: limit})

	results := make(map[string]*Result, len(checkers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			start := time.Now()
			result, err := guard.Execute(ctx, limit, func(ctx context.Context) (*Result, error) {
				return runCheck(ctx, c)
			})
			if err != nil || result == nil {
				result = Unhealthy("check did not complete")
				if err != nil {
					result.WithDetail("error", err.Error())
				}
			}
			if result.Latency == 0 {
				result.Latency = time.Since(start)
			}

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// runCheck returns when the checker does or when ctx ends. A checker that
// never returns leaks its goroutine, but the caller is released.
func runCheck(ctx context.Context, c Checker) (*Result, error) {
	done := make(chan *Result, 1)
	go func() { done <- c.Check(ctx) }()

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OverallStatus is the worst status among results; healthy when empty.
func (m *Manager) OverallStatus(results map[string]*Result) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// CheckNames returns checker names in registration order.
func (m *Manager) CheckNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.checkers))
	for i, checker := range m.checkers {
		names[i] = checker.Name()
	}
	return names
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkers)
}
