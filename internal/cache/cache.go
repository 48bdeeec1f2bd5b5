// Package cache is the cache-aside layer in front of a store.Store. It owns
// freshness (per-kind TTLs evaluated against an injectable clock) and
// per-key exclusion so concurrent misses for one key run the upstream
// call once.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/area-advisor/internal/metrics"
	"github.com/sells-group/area-advisor/internal/store"
)

// DefaultFlightTimeout bounds one shared factory call.
const DefaultFlightTimeout = 30 * time.Second

// Cache wraps a backend with TTL policy and single-flight population.
type Cache struct {
	store         store.Store
	policy        Policy
	now           func() time.Time
	group         singleflight.Group
	flightTimeout time.Duration
	log           *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPolicy replaces the default TTL table.
func WithPolicy(p Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithNow injects a clock.
func WithNow(fn func() time.Time) Option {
	return func(c *Cache) { c.now = fn }
}

// WithFlightTimeout bounds each factory call shared by GetOrSet callers.
// Non-positive values keep DefaultFlightTimeout.
func WithFlightTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.flightTimeout = d
		}
	}
}

// New creates a Cache over st.
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:         st,
		policy:        DefaultPolicy(),
		now:           time.Now,
		flightTimeout: DefaultFlightTimeout,
		log:           zap.L().With(zap.String("component", "cache")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the active TTL table.
func (c *Cache) Policy() Policy { return c.policy }

// Get returns a fresh entry for key. Expired entries and backend errors
// are reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*store.Entry, bool) {
	e, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		c.log.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if e == nil || !e.Valid(c.now()) {
		return nil, false
	}
	return e, true
}

// Set writes payload under key. A non-positive ttl uses the policy TTL for
// kind. Write failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key, kind string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.policy.TTL(kind)
	}
	err := c.store.Set(ctx, store.Entry{
		Key:       key,
		Kind:      kind,
		Payload:   payload,
		FetchedAt: c.now(),
		TTL:       ttl,
	})
	if err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		c.log.Warn("cache set failed", zap.String("key", key), zap.String("kind", kind), zap.Error(err))
	}
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Sweep deletes expired entries from the backend.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		metrics.CacheErrors.WithLabelValues("sweep").Inc()
	}
	return n, err
}

// Stats reports backend contents as of now.
func (c *Cache) Stats(ctx context.Context) (store.Stats, error) {
	return c.store.Stats(ctx, c.now())
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.Sweep(ctx)
				if err != nil {
					c.log.Warn("cache sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					c.log.Debug("cache sweep", zap.Int("deleted", n))
				}
			}
		}
	}()
}

type flightResult[T any] struct {
	val T
	hit bool
}

// GetOrSet returns the cached value for key or calls factory on a miss and
// stores its result with the kind's TTL. Concurrent callers for the same
// key share one factory call. The shared call runs on a context detached
// from any single caller and bounded by the flight timeout; each caller
// stops waiting when its own ctx ends. Factory errors are returned and
// never cached. The boolean reports whether the value came from the cache.
func GetOrSet[T any](ctx context.Context, c *Cache, key, kind string, factory func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if v, ok := lookup[T](ctx, c, key); ok {
		metrics.RecordCacheLookup(kind, true)
		return v, true, nil
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordCacheLookup(kind, false)
		return zero, false, err
	}

	flight := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(flight, c.flightTimeout)
		defer cancel()

		// Another flight may have populated the key since the first check.
		if v, ok := lookup[T](fctx, c, key); ok {
			return flightResult[T]{val: v, hit: true}, nil
		}
		v, err := factory(fctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			c.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		} else {
			c.Set(fctx, key, kind, payload, 0)
		}
		return flightResult[T]{val: v}, nil
	})

	select {
	case <-ctx.Done():
		metrics.RecordCacheLookup(kind, false)
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			metrics.RecordCacheLookup(kind, false)
			return zero, false, r.Err
		}
		fr := r.Val.(flightResult[T])
		metrics.RecordCacheLookup(kind, fr.hit)
		return fr.val, fr.hit, nil
	}
}

func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	e, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		c.log.Warn("cache decode failed, treating as miss", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}
	return v, true
}
