package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dastarBack/internal/delivery/geo"
)

// Logger is the minimal logging interface required by the throttler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Provider computes a route between two points.
type Provider interface {
	Route(ctx context.Context, from, to geo.GeoPoint) (geo.RouteResult, error)
}

// Config holds the thresholds that bound provider traffic.
type Config struct {
	// MinMovementMeters is the displacement of either endpoint that forces
	// a refresh regardless of elapsed time.
	MinMovementMeters float64
	// MinInterval is the time-based refresh cadence while positions barely
	// move.
	MinInterval time.Duration
	// FailureCooldown delays the next attempt after a generic provider
	// failure; RateLimitCooldown applies to HTTP 429.
	FailureCooldown   time.Duration
	RateLimitCooldown time.Duration
	// QueryTimeout bounds a single provider call.
	QueryTimeout time.Duration
	// AssumedSpeedMPS feeds the straight-line fallback estimate.
	AssumedSpeedMPS float64
}

// Estimate is what callers get back. Stale marks values not produced by a
// fresh provider response (straight-line fallback or cooldown).
type Estimate struct {
	DistanceMeters int            `json:"distance_m"`
	EtaSeconds     int            `json:"eta_s"`
	Polyline       []geo.GeoPoint `json:"polyline,omitempty"`
	Stale          bool           `json:"stale"`
}

type routeState struct {
	lastFrom       geo.GeoPoint
	lastTo         geo.GeoPoint
	pendingFrom    geo.GeoPoint
	pendingTo      geo.GeoPoint
	hasResult      bool
	result         geo.RouteResult
	cooldownUntil  time.Time
	limiter        *rate.Limiter
	cancelInflight context.CancelFunc
	seq            uint64
}

// Throttler bounds the rate and volume of routing-provider calls per tracked
// route key. Every consumer shares one instance instead of re-implementing
// movement thresholds per screen. Calls never block: the caller always gets
// a usable (possibly stale or estimated) result immediately, provider
// queries run in the background.
type Throttler struct {
	provider Provider
	cfg      Config
	logger   Logger
	now      func() time.Time

	mu     sync.Mutex
	routes map[string]*routeState
}

// New constructs a Throttler.
func New(provider Provider, cfg Config, logger Logger) *Throttler {
	if cfg.MinMovementMeters <= 0 {
		cfg.MinMovementMeters = 20
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 15 * time.Second
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 30 * time.Second
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.AssumedSpeedMPS <= 0 {
		cfg.AssumedSpeedMPS = geo.DefaultAssumedSpeedMPS
	}
	return &Throttler{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		routes:   make(map[string]*routeState),
	}
}

// SetClock overrides the time source, for tests.
func (t *Throttler) SetClock(now func() time.Time) {
	t.now = now
}

// Estimate returns the best currently known route for key and, when the
// refresh policy allows, kicks off a background provider query for the new
// (from, to) pair. speedMPS is the runner's reported speed, used only for
// the fallback estimate.
func (t *Throttler) Estimate(key string, from, to geo.GeoPoint, speedMPS float64) Estimate {
	now := t.now()

	t.mu.Lock()
	st, ok := t.routes[key]
	if !ok {
		st = &routeState{limiter: rate.NewLimiter(rate.Every(t.cfg.MinInterval), 1)}
		t.routes[key] = st
	}

	if t.shouldQuery(st, from, to, now) {
		t.startQuery(key, st, from, to)
	}

	var out Estimate
	inCooldown := st.cooldownUntil.After(now)
	if st.hasResult && !inCooldown {
		out = Estimate{
			DistanceMeters: st.result.DistanceMeters,
			EtaSeconds:     st.result.EtaSeconds,
			Polyline:       st.result.Polyline,
		}
		t.mu.Unlock()
		return out
	}
	t.mu.Unlock()

	return t.fallback(from, to, speedMPS)
}

// shouldQuery applies the refresh policy. Caller holds t.mu.
func (t *Throttler) shouldQuery(st *routeState, from, to geo.GeoPoint, now time.Time) bool {
	if st.cooldownUntil.After(now) {
		return false
	}
	if st.cancelInflight != nil {
		// one query at a time: callers at the same position share the
		// in-flight one, only real movement supersedes it
		return from.DistanceTo(st.pendingFrom) >= t.cfg.MinMovementMeters ||
			to.DistanceTo(st.pendingTo) >= t.cfg.MinMovementMeters
	}
	if !st.hasResult {
		// first sight of this key still honours the interval limiter so a
		// permanently failing provider is not hammered
		return st.limiter.AllowN(now, 1)
	}
	if from.DistanceTo(st.lastFrom) >= t.cfg.MinMovementMeters || to.DistanceTo(st.lastTo) >= t.cfg.MinMovementMeters {
		return true
	}
	return st.limiter.AllowN(now, 1)
}

// startQuery launches the provider call, superseding any in-flight query
// for the same key. Caller holds t.mu.
func (t *Throttler) startQuery(key string, st *routeState, from, to geo.GeoPoint) {
	if st.cancelInflight != nil {
		st.cancelInflight()
	}
	st.seq++
	seq := st.seq
	st.pendingFrom = from
	st.pendingTo = to

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.QueryTimeout)
	st.cancelInflight = cancel

	go func() {
		result, err := t.provider.Route(ctx, from, to)
		cancel()

		t.mu.Lock()
		defer t.mu.Unlock()
		current := st.seq == seq
		if current {
			st.cancelInflight = nil
		}
		if err != nil {
			if ctx.Err() == context.Canceled {
				return
			}
			if !current && st.cancelInflight == nil {
				// a newer query already resolved, drop the stale failure
				return
			}
			cooldown := t.cfg.FailureCooldown
			if errors.Is(err, geo.ErrRateLimited) {
				cooldown = t.cfg.RateLimitCooldown
			}
			st.cooldownUntil = t.now().Add(cooldown)
			t.logger.Errorf("route %s: provider failed, cooling down %s: %v", key, cooldown, err)
			return
		}
		if !current {
			// superseded by a newer query
			return
		}
		st.result = result
		st.hasResult = true
		st.lastFrom = from
		st.lastTo = to
		st.cooldownUntil = time.Time{}
	}()
}

// fallback builds a straight-line estimate from geo utilities.
func (t *Throttler) fallback(from, to geo.GeoPoint, speedMPS float64) Estimate {
	dist := from.DistanceTo(to)
	return Estimate{
		DistanceMeters: int(dist),
		EtaSeconds:     geo.EstimateETASeconds(dist, speedMPS, t.cfg.AssumedSpeedMPS),
		Polyline:       []geo.GeoPoint{from, to},
		Stale:          true,
	}
}

// Forget drops the state for a route key, cancelling any in-flight query.
// Callers use it when their interest in the route ends.
func (t *Throttler) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.routes[key]
	if !ok {
		return
	}
	if st.cancelInflight != nil {
		st.cancelInflight()
	}
	delete(t.routes, key)
}
