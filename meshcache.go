// Package meshcache is a multi-tier, mesh-coherent cache: an in-process L1
// (package store) optionally mirrored to a remote KV store (package l2) and
// kept coherent across processes over a pub/sub invalidation channel
// (package backplane). It plays the role the original tiered
// L1-then-L2-then-loader cache played, generalized to typed values,
// pattern-based removal, and cross-process invalidation.
package meshcache

import (
	"context"
	"time"

	"github.com/Keksclan/meshcache/adminrpc"
	"github.com/Keksclan/meshcache/backplane"
	"github.com/Keksclan/meshcache/entry"
	"github.com/Keksclan/meshcache/l2"
	"github.com/Keksclan/meshcache/metrics"
	"github.com/Keksclan/meshcache/store"
	"github.com/Keksclan/meshcache/tracing"
)

// ChangeKind classifies a ChangeEvent, mirroring store.ChangeKind across the
// package boundary so callers of WithValueChangeListener never need to
// import package store directly.
type ChangeKind = store.ChangeKind

const (
	KindAddOrUpdate = store.KindAddOrUpdate
	KindRemove      = store.KindRemove
	KindExpire      = store.KindExpire
)

// ChangeEvent describes one observable mutation of the local store. Removals
// applied from incoming backplane messages do not produce one.
type ChangeEvent = store.ChangeEvent

// Statistics reports the current L1 entry count and serialized size.
type Statistics = store.Stats

// Cache is the mesh-coherent, multi-tier cache described by the package
// doc. Construct one with New.
type Cache struct {
	cfg   Config
	s     *store.Store
	mir   *l2.Mirror
	adptr *backplane.Adapter

	cancel context.CancelFunc
}

// New constructs a Cache scoped to applicationCachePrefix, which namespaces
// both the backplane channel and the L2 keyspace. Passing WithRemote enables
// the L2 mirror and cross-process backplane invalidation; without it, New
// returns a purely local, single-process cache.
func New(applicationCachePrefix string, opts ...Option) (*Cache, error) {
	cfg, err := newConfig(applicationCachePrefix, opts...)
	if err != nil {
		return nil, err
	}

	c := &Cache{cfg: cfg}

	if cfg.remoteClient != nil {
		c.mir = l2.New(l2.Config{
			KeyPrefix:    cfg.applicationCachePrefix,
			Retry:        cfg.l2Retry,
			Breaker:      cfg.l2Breaker,
			BatchLimiter: cfg.batchLimiter,
			Recorder:     cfg.recorder,
			Tracing:      cfg.tracing,
			Log:          cfg.log,
		}, l2.NewStore(cfg.remoteClient))

		c.adptr = backplane.New(
			cfg.applicationCachePrefix,
			backplane.NewRedisTransport(cfg.remoteClient),
			nil,
			backplane.WithInstanceID(cfg.instanceID),
			backplane.WithLogger(cfg.log),
			backplane.WithRecorder(cfg.recorder),
			backplane.WithTracing(cfg.tracing),
		)
	}

	c.s = store.New(store.Config{
		CleanupInterval:      cfg.cleanupInterval,
		DefaultTTL:           cfg.defaultTTL,
		EvictionPolicy:       cfg.evictionPolicy,
		NotificationType:     cfg.notificationType,
		CompressionThreshold: cfg.compressionThreshold,
		LockPoolSize:         cfg.lockPoolSize,
		OnChange:             c.onChange,
		OnSerialized:         c.onSerialized,
	})

	if c.adptr != nil {
		c.adptr.SetStore(c.s)
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		if err := c.adptr.Start(ctx); err != nil {
			cancel()
			_ = c.s.Close(context.Background())
			return nil, err
		}
	}

	return c, nil
}

// onChange fans a store.ChangeEvent out to the user's listener, the
// backplane publisher, and the L2 mirror's delete path. This is the closure
// New builds to break the circular dependency: the store needs the hook at
// construction time, but the adapter and mirror need a live *store.Store.
func (c *Cache) onChange(ev store.ChangeEvent) {
	if c.cfg.valueChangeListener != nil {
		c.cfg.valueChangeListener(ev)
	}
	if c.adptr != nil {
		c.adptr.OnChange(ev)
	}
	if c.mir != nil {
		c.mir.OnChange(ev)
	}
}

func (c *Cache) onSerialized(e *entry.Entry, envelope []byte) {
	if c.mir != nil {
		c.mir.OnSerialized(e, envelope)
	}
}

// InstanceID reports the identity this Cache stamps on outgoing backplane
// messages and filters on incoming ones.
func (c *Cache) InstanceID() string { return c.cfg.instanceID }

func (c *Cache) span(ctx context.Context, name string) (context.Context, func(*error)) {
	ctx, span := tracing.StartSpan(ctx, c.cfg.tracing, name)
	return ctx, func(err *error) { tracing.EndSpan(span, err) }
}

// Get returns the value for key if a live entry exists and T matches its
// stored type, else the zero value and false.
func Get[T any](c *Cache, key string) (T, bool) {
	start := time.Now()
	v, ok := store.Get[T](c.s, key)
	outcome := metrics.OutcomeMiss
	if ok {
		outcome = metrics.OutcomeHit
	}
	c.cfg.recorder.ObserveOp("Get", outcome, time.Since(start).Seconds())
	return v, ok
}

// Set installs value under key with the given ttl (ttl <= 0 uses the
// configured default).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	start := time.Now()
	c.s.Set(key, value, ttl)
	c.cfg.recorder.ObserveOp("Set", metrics.OutcomeHit, time.Since(start).Seconds())
}

// GetOrSet returns the cached value for key, consulting the L2 mirror on a
// local miss (when enabled) before invoking factory. A value rehydrated
// from L2 is installed and returned directly — it is not re-Set, so it
// keeps the creation time, ttl, and fingerprint the original writer gave it,
// and neither the backplane nor the L2 mirror is notified of it again.
// maxFactoryWait <= 0 uses DefaultMaxFactoryWait.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl, maxFactoryWait time.Duration, factory func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, end := c.span(ctx, "meshcache.GetOrSet")
	if maxFactoryWait <= 0 {
		maxFactoryWait = DefaultMaxFactoryWait
	}

	var rehydrate func(context.Context) bool
	if c.mir != nil {
		rehydrate = func(ctx context.Context) bool {
			rtCtx, cancel := context.WithTimeout(ctx, DefaultRemoteCallTimeout)
			defer cancel()
			return c.mir.ReadThrough(rtCtx, c.s, key)
		}
	}

	v, err := store.GetOrSet(ctx, c.s, key, ttl, maxFactoryWait, rehydrate, factory)
	outcome := metrics.OutcomeHit
	if err != nil {
		outcome = metrics.OutcomeError
	}
	c.cfg.recorder.ObserveOp("GetOrSet", outcome, time.Since(start).Seconds())
	end(&err)
	return v, err
}

// GetOrSetBatch partitions keys into local hits and misses, consults the L2
// mirror for the misses (when enabled), and invokes batchFactory with
// whatever remains missing. Results are aligned to the input key order.
// Keys the L2 mirror rehydrates are never re-Set, for the same reason
// GetOrSet's single-key rehydration path isn't: they already carry their
// original creation time and fingerprint.
func GetOrSetBatch[T any](ctx context.Context, c *Cache, keys []string, ttl time.Duration, batchFactory func(context.Context, []string) (map[string]T, error)) ([]T, error) {
	start := time.Now()
	var rehydrate func(context.Context, []string) []string
	if c.mir != nil {
		rehydrate = func(ctx context.Context, missing []string) []string {
			rtCtx, cancel := context.WithTimeout(ctx, DefaultRemoteCallTimeout)
			defer cancel()
			return c.mir.BatchReadThrough(rtCtx, c.s, missing)
		}
	}

	results, err := store.GetOrSetBatch(ctx, c.s, keys, ttl, rehydrate, batchFactory)
	outcome := metrics.OutcomeHit
	if err != nil {
		outcome = metrics.OutcomeError
	}
	c.cfg.recorder.ObserveOp("GetOrSetBatch", outcome, time.Since(start).Seconds())
	return results, err
}

// RemoveKey deletes key, notifying the value-change listener, the
// backplane, and the L2 mirror.
func (c *Cache) RemoveKey(key string) bool {
	return c.s.Remove(key, true, nil)
}

// RemoveMatching removes every key matching pattern (see
// store.MatchPattern), publishing a single aggregated invalidation.
func (c *Cache) RemoveMatching(pattern string) int {
	return c.s.RemoveByPattern(pattern, true)
}

// ClearAll drains the entire local store and publishes an aggregated
// invalidation matching every key.
func (c *Cache) ClearAll() int {
	return c.s.Clear()
}

// EvictExpired runs one pass of the expiration sweeper immediately, in
// addition to its normal background schedule.
func (c *Cache) EvictExpired() int {
	return c.s.EvictExpired()
}

// Statistics returns the current L1 statistics.
func (c *Cache) Statistics() Statistics {
	stats := c.s.Statistics()
	c.cfg.recorder.SetEntryCount(stats.Count)
	c.cfg.recorder.SetSizeBytes(stats.SizeBytes)
	return stats
}

// Close stops the expiration sweeper, the serialization pipeline, and (if
// enabled) the backplane subscription.
func (c *Cache) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.adptr != nil {
		_ = c.adptr.Close()
	}
	return c.s.Close(ctx)
}

var _ adminrpc.Handler = (*Cache)(nil)

// Ping implements adminrpc.Handler.
func (c *Cache) Ping(_ context.Context, req *adminrpc.PingRequest) (*adminrpc.PingResponse, error) {
	return &adminrpc.PingResponse{Message: req.Message, ServerTimeUnix: time.Now().Unix()}, nil
}

// Stats implements adminrpc.Handler.
func (c *Cache) Stats(_ context.Context, _ *adminrpc.StatsRequest) (*adminrpc.StatsResponse, error) {
	stats := c.Statistics()
	return &adminrpc.StatsResponse{Count: stats.Count, SizeBytes: stats.SizeBytes}, nil
}

// Remove implements adminrpc.Handler.
func (c *Cache) Remove(_ context.Context, req *adminrpc.RemoveRequest) (*adminrpc.RemoveResponse, error) {
	return &adminrpc.RemoveResponse{Removed: c.RemoveKey(req.Key)}, nil
}

// RemoveByPattern implements adminrpc.Handler.
func (c *Cache) RemoveByPattern(_ context.Context, req *adminrpc.RemoveByPatternRequest) (*adminrpc.RemoveByPatternResponse, error) {
	return &adminrpc.RemoveByPatternResponse{Removed: c.RemoveMatching(req.Pattern)}, nil
}

// Clear implements adminrpc.Handler.
func (c *Cache) Clear(_ context.Context, _ *adminrpc.ClearRequest) (*adminrpc.ClearResponse, error) {
	return &adminrpc.ClearResponse{Removed: c.ClearAll()}, nil
}
