package health

import (
	"context"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
)

const slowPing = 100 * time.Millisecond

// RedisChecker pings the Redis instance that backs caches and event replay.
// Losing it degrades the service but never takes it out of rotation.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper, timeout: 2 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Redis circuit breaker is open"}
	}
	return ping(ctx, "Redis", r.wrapper.Ping)
}

// DatabaseChecker pings the enrichment database. The database is looked up
// on every check since a config reload may replace it.
type DatabaseChecker struct {
	current func() *circuitbreaker.DatabaseWrapper
	timeout time.Duration
}

func NewDatabaseChecker(current func() *circuitbreaker.DatabaseWrapper) *DatabaseChecker {
	return &DatabaseChecker{current: current, timeout: 2 * time.Second}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return false }
func (d *DatabaseChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	db := d.current()
	if db == nil {
		return CheckResult{Status: StatusHealthy, Message: "Database not configured"}
	}
	if db.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Database circuit breaker is open"}
	}
	return ping(ctx, "Database", db.PingContext)
}

func ping(ctx context.Context, what string, fn func(context.Context) error) CheckResult {
	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)
	details := map[string]any{"latency_ms": latency.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: what + " ping failed", Details: details}
	case latency > slowPing:
		return CheckResult{Status: StatusDegraded, Message: what + " responding but with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: what + " healthy", Details: details}
	}
}

// BreakerChecker reports open agent circuit breakers. An open breaker for an
// agent that a required stage depends on makes the service unready; other
// open breakers only degrade it.
type BreakerChecker struct {
	group    *circuitbreaker.Group
	required func() []string
}

// NewBreakerChecker takes a func so the required agent set follows config reloads.
func NewBreakerChecker(group *circuitbreaker.Group, required func() []string) *BreakerChecker {
	return &BreakerChecker{group: group, required: required}
}

func (b *BreakerChecker) Name() string           { return "agent_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return true }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	open := b.group.Open()
	if len(open) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "All agent breakers closed"}
	}

	need := make(map[string]bool)
	if b.required != nil {
		for _, name := range b.required() {
			need[name] = true
		}
	}
	var blocking []string
	for _, name := range open {
		if need[name] {
			blocking = append(blocking, name)
		}
	}

	details := map[string]any{"open": open}
	if len(blocking) > 0 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "Required agents unavailable: " + strings.Join(blocking, ", "),
			Details: details,
		}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: "Optional agents unavailable: " + strings.Join(open, ", "),
		Details: details,
	}
}
