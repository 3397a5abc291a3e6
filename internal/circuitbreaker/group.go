package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ServiceAgents labels breakers that guard pipeline agents.
const ServiceAgents = "agents"

// Group lazily creates one breaker per name. Names with an override use it;
// all others share the default settings.
type Group struct {
	service   string
	defaults  Settings
	overrides map[string]Settings
	logger    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a group whose breakers report metrics under service.
func NewGroup(service string, defaults Settings, overrides map[string]Settings, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := make(map[string]Settings, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Group{
		service:   service,
		defaults:  defaults,
		overrides: o,
		logger:    logger,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker for name, creating it on first use.
func (g *Group) Breaker(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	settings := g.defaults
	if s, ok := g.overrides[name]; ok {
		settings = s
	}
	cb := NewCircuitBreaker(name, settings, g.logger.With(zap.String("service", g.service)))
	instrument(cb, g.service)
	g.breakers[name] = cb
	return cb
}

// Execute runs fn through the breaker for name.
func (g *Group) Execute(ctx context.Context, name string, fn func() error) error {
	cb := g.Breaker(name)
	err := cb.Execute(ctx, fn)
	recordRequest(cb, g.service, err)
	return err
}

// States reports the state of every breaker created so far.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		all = append(all, cb)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(all))
	for _, cb := range all {
		out[cb.Name()] = cb.State()
	}
	return out
}

// Open lists the names of open breakers in sorted order.
func (g *Group) Open() []string {
	var open []string
	for name, st := range g.States() {
		if st == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
