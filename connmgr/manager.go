package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// ConnectFunc opens one connection over route. ctx carries the per-attempt
// deadline.
type ConnectFunc[T any] func(ctx context.Context, route interfaces.ConnectionParams) (T, error)

// ConnectionManager decides, per route, whether a connection may be attempted.
// Implementations are SingleRouteThrottlingManager and MultiRouteManager; both
// are safe for concurrent use.
type ConnectionManager interface {
	// Routes returns the managed routes in priority order.
	Routes() []interfaces.ConnectionParams
	// Stats returns a snapshot of every route's state.
	Stats() []RouteStats
	// Reset clears cooldowns and cached hard errors.
	Reset()

	base() *manager
}

// Option configures a manager.
type Option func(*manager)

// WithClock replaces the clock used for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *manager) {
		m.log = log
	}
}

type manager struct {
	arena          []*routeCell
	connectTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
}

func newManager(routes []interfaces.ConnectionParams, policy interfaces.RetryPolicy, connectTimeout time.Duration, opts []Option) *manager {
	m := &manager{
		arena:          make([]*routeCell, 0, len(routes)),
		connectTimeout: connectTimeout,
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, route := range routes {
		m.arena = append(m.arena, newRouteCell(route, policy))
	}
	return m
}

func (m *manager) base() *manager { return m }

// Routes returns the managed routes in priority order.
func (m *manager) Routes() []interfaces.ConnectionParams {
	routes := make([]interfaces.ConnectionParams, len(m.arena))
	for i, cell := range m.arena {
		routes[i] = cell.route
	}
	return routes
}

// Stats returns a snapshot of every route's state.
func (m *manager) Stats() []RouteStats {
	stats := make([]RouteStats, len(m.arena))
	for i, cell := range m.arena {
		stats[i] = cell.stats()
	}
	return stats
}

// Reset clears cooldowns and cached hard errors on all routes.
func (m *manager) Reset() {
	for _, cell := range m.arena {
		cell.reset()
	}
}

// SingleRouteThrottlingManager manages exactly one route.
type SingleRouteThrottlingManager struct {
	*manager
}

// NewSingleRoute creates a manager for one route.
func NewSingleRoute(route interfaces.ConnectionParams, policy interfaces.RetryPolicy, connectTimeout time.Duration, opts ...Option) *SingleRouteThrottlingManager {
	return &SingleRouteThrottlingManager{
		manager: newManager([]interfaces.ConnectionParams{route}, policy, connectTimeout, opts),
	}
}

// MultiRouteManager fails over between routes in priority order.
type MultiRouteManager struct {
	*manager
}

// NewMultiRoute creates a failover manager. Routes are tried in the given order.
func NewMultiRoute(routes []interfaces.ConnectionParams, policy interfaces.RetryPolicy, connectTimeout time.Duration, opts ...Option) *MultiRouteManager {
	return &MultiRouteManager{
		manager: newManager(routes, policy, connectTimeout, opts),
	}
}

// NewFromRouteSet picks the single-route manager for one route and the
// multi-route manager otherwise.
func NewFromRouteSet(set RouteSet, connectTimeout time.Duration, opts ...Option) ConnectionManager {
	if len(set.Routes) == 1 {
		return NewSingleRoute(set.Routes[0], set.Policy, connectTimeout, opts...)
	}
	return NewMultiRoute(set.Routes, set.Policy, connectTimeout, opts...)
}

// Connect performs one logical connection attempt through m.
//
// Routes are considered in priority order. A route that is cooling down is
// skipped without touching the network, a route with a cached hard error
// reports it, and otherwise connect is invoked under the per-attempt deadline.
// The first successful route wins. When every route fails the result is
// StateError if any route errored, StateTimedOut if any timed out, and
// StateCooldown with the shortest remaining cooldown otherwise.
func Connect[T any](ctx context.Context, m ConnectionManager, connect ConnectFunc[T]) ServiceState[T] {
	mgr := m.base()
	if len(mgr.arena) == 0 {
		return ServiceState[T]{Kind: StateError, Cause: errors.New("no routes configured")}
	}

	var (
		errs        []error
		timedOut    bool
		minCooldown time.Duration
		last        interfaces.ConnectionParams
	)
	for _, cell := range mgr.arena {
		last = cell.route
		state := attempt(ctx, mgr, cell, connect)
		switch state.Kind {
		case StateActive:
			return state
		case StateCooldown:
			if minCooldown == 0 || state.Remaining < minCooldown {
				minCooldown = state.Remaining
			}
		case StateTimedOut:
			timedOut = true
		case StateError:
			errs = append(errs, state.Cause)
			if ctx.Err() != nil {
				// Caller gave up; do not touch the remaining routes.
				return ServiceState[T]{Kind: StateError, Cause: ctx.Err(), Route: cell.route}
			}
		}
	}

	switch {
	case len(errs) == 1:
		return ServiceState[T]{Kind: StateError, Cause: errs[0], Route: last}
	case len(errs) > 1:
		return ServiceState[T]{Kind: StateError, Cause: errors.Join(errs...), Route: last}
	case timedOut:
		return ServiceState[T]{Kind: StateTimedOut, Route: last}
	default:
		return ServiceState[T]{Kind: StateCooldown, Remaining: minCooldown, Route: last}
	}
}

func attempt[T any](ctx context.Context, m *manager, cell *routeCell, connect ConnectFunc[T]) ServiceState[T] {
	remaining, hardErr := cell.admit(m.now())
	if hardErr != nil {
		return ServiceState[T]{Kind: StateError, Cause: hardErr, Route: cell.route}
	}
	if remaining > 0 {
		m.log.Debug("Route cooling down",
			slog.String("route", cell.route.String()),
			slog.Duration("remaining", remaining))
		return ServiceState[T]{Kind: StateCooldown, Remaining: remaining, Route: cell.route}
	}

	attemptCtx := ctx
	cancel := func() {}
	if m.connectTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
	}
	defer cancel()

	cell.attempts.Inc()
	start := m.now()
	value, err := connect(attemptCtx, cell.route)
	if err == nil {
		cell.recordSuccess()
		m.log.Debug("Route connected",
			slog.String("route", cell.route.String()),
			slog.Duration("duration", m.now().Sub(start)))
		return ServiceState[T]{Kind: StateActive, Value: value, Route: cell.route}
	}

	if ctx.Err() != nil {
		return ServiceState[T]{Kind: StateError, Cause: ctx.Err(), Route: cell.route}
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		m.log.Debug("Route connection timed out",
			slog.String("route", cell.route.String()),
			slog.Duration("timeout", m.connectTimeout))
		return ServiceState[T]{Kind: StateTimedOut, Route: cell.route}
	}

	cooldown := cell.recordFailure(m.now(), err)
	m.log.Debug("Route connection failed",
		slog.String("route", cell.route.String()),
		slog.Duration("cooldown", cooldown),
		slog.Bool("fatal", IsFatal(err)),
		"err", err)
	return ServiceState[T]{Kind: StateError, Cause: err, Route: cell.route}
}
