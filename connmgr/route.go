package connmgr

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"go.uber.org/atomic"
)

// RouteSet is the static description of the endpoints serving one enclave
// replica. It is constructed once from configuration and never mutated.
type RouteSet struct {
	// Identity is the enclave measurement all routes lead to.
	Identity []byte
	// Routes in priority order.
	Routes []interfaces.ConnectionParams
	// Policy applied to every route.
	Policy interfaces.RetryPolicy
}

// RouteStats is a snapshot of one route's state.
type RouteStats struct {
	Route               interfaces.ConnectionParams
	Attempts            uint64
	Successes           uint64
	ConsecutiveFailures int
	CooldownUntil       time.Time
	LastError           error
	HardError           error
}

// routeCell holds the mutable RouteState of one route. Cells live in the
// manager's arena and are addressed by index.
type routeCell struct {
	route interfaces.ConnectionParams

	mu            sync.Mutex
	backoff       *backoff.ExponentialBackOff
	cooldownUntil time.Time
	failures      int
	lastErr       error
	hardErr       error // Cached non-retriable failure, guarded by mu.

	attempts  atomic.Uint64
	successes atomic.Uint64
}

func newRouteCell(route interfaces.ConnectionParams, policy interfaces.RetryPolicy) *routeCell {
	policy = normalizePolicy(policy)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialCooldown,
		RandomizationFactor: policy.Jitter,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxCooldown,
		MaxElapsedTime:      0, // never give up; the cooldown is capped instead
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return &routeCell{
		route:   route,
		backoff: b,
	}
}

func normalizePolicy(policy interfaces.RetryPolicy) interfaces.RetryPolicy {
	def := interfaces.DefaultRetryPolicy()
	if policy.InitialCooldown <= 0 {
		policy.InitialCooldown = def.InitialCooldown
	}
	if policy.MaxCooldown < policy.InitialCooldown {
		policy.MaxCooldown = policy.InitialCooldown
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = def.Jitter
	}
	return policy
}

// admit decides whether the route may be attempted at now. It returns the
// remaining cooldown or the cached hard error when it may not.
func (c *routeCell) admit(now time.Time) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hardErr != nil {
		return 0, c.hardErr
	}
	if now.Before(c.cooldownUntil) {
		return c.cooldownUntil.Sub(now), nil
	}
	return 0, nil
}

func (c *routeCell) recordSuccess() {
	c.successes.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastErr = nil
	c.cooldownUntil = time.Time{}
	c.backoff.Reset()
}

// recordFailure starts or extends the cooldown. Fatal errors are cached and
// reported by every later attempt until the manager is reset.
func (c *routeCell) recordFailure(now time.Time, err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = err
	if IsFatal(err) {
		c.hardErr = err
		return 0
	}

	c.failures++
	cooldown := c.backoff.NextBackOff()
	c.cooldownUntil = now.Add(cooldown)
	return cooldown
}

func (c *routeCell) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastErr = nil
	c.hardErr = nil
	c.cooldownUntil = time.Time{}
	c.backoff.Reset()
}

func (c *routeCell) stats() RouteStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RouteStats{
		Route:               c.route,
		Attempts:            c.attempts.Load(),
		Successes:           c.successes.Load(),
		ConsecutiveFailures: c.failures,
		CooldownUntil:       c.cooldownUntil,
		LastError:           c.lastErr,
		HardError:           c.hardErr,
	}
}
