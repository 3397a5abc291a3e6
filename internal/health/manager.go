package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Manager runs registered checkers and derives readiness from their results.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *zap.Logger
}

// NewManager creates a manager that refreshes results every interval once
// started. A zero interval defaults to 30s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetDetailedHealth runs every checker concurrently and records the results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	p := pool.New()
	for i, c := range checkers {
		p.Go(func() { results[i] = runCheck(ctx, c) })
	}
	p.Wait()

	components := make(map[string]CheckResult, len(results))
	for _, r := range results {
		components[r.Component] = r
	}

	m.mu.Lock()
	for name, r := range components {
		if _, still := m.checkers[name]; still {
			m.lastResults[name] = r
		}
	}
	m.mu.Unlock()

	return detailed(components, time.Now())
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	overall := m.GetDetailedHealth(ctx).Overall
	overall.Duration = time.Since(start)
	return overall
}

// IsReady reports whether no critical component is failing.
func (m *Manager) IsReady(ctx context.Context) bool { return m.GetOverallHealth(ctx).Ready }

// IsLive only requires the process to answer.
func (m *Manager) IsLive(context.Context) bool { return true }

// GetLastResults returns the most recent results without running new checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// Start begins background health checking until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				d := m.GetDetailedHealth(ctx)
				if d.Overall.Status != StatusHealthy {
					m.logger.Warn("Health degraded",
						zap.String("status", d.Overall.Status.String()),
						zap.String("message", d.Overall.Message),
					)
				}
			}
		}
	}()
	m.logger.Info("Health manager started", zap.Duration("check_interval", m.interval))
}

// Stop stops background checking and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func detailed(components map[string]CheckResult, now time.Time) DetailedHealth {
	summary := Summary{Total: len(components)}
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	overall := overallStatus(components)
	overall.Timestamp = now
	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: now}
}

// overallStatus: a failing critical component makes the service unready;
// anything else that is not healthy only degrades it.
func overallStatus(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{Status: StatusHealthy, Message: "No health checks registered", Ready: true, Live: true}
	}

	var criticalFailures, otherFailures, degraded int
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			otherFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true,
		}
	case degraded > 0 || otherFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded+otherFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("All %d components healthy", len(components)),
			Ready:   true,
			Live:    true,
		}
	}
}
