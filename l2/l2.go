// Package l2 implements the remote mirror (C7): on local mutation the
// serialized envelope is mirrored to (or removed from) a remote key/value
// store, and on a local miss the mirror is consulted before falling back to
// the caller's factory. The mirror never arbitrates coherence — the
// backplane does that — it only makes cold starts and L1 evictions cheap.
package l2

import (
	"context"
	"log/slog"
	"time"

	"github.com/Keksclan/meshcache/breaker"
	"github.com/Keksclan/meshcache/entry"
	"github.com/Keksclan/meshcache/metrics"
	"github.com/Keksclan/meshcache/ratelimit"
	"github.com/Keksclan/meshcache/retry"
	"github.com/Keksclan/meshcache/store"
	"github.com/Keksclan/meshcache/tracing"
)

// RemoteStore is the minimal contract the mirror needs from a remote KV
// store. redis.Store is the production implementation.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Config controls a Mirror's behavior.
type Config struct {
	// KeyPrefix namespaces every remote key as "{KeyPrefix}:{cacheKey}".
	KeyPrefix string

	// Retry governs how remote calls are retried. A zero-value Config (no
	// Retryable) performs no retries.
	Retry retry.Config

	// Breaker, if non-nil, short-circuits remote calls while the backing
	// store looks unhealthy. Writes and deletes skip the call entirely
	// when the breaker is open; a read-through miss just falls through to
	// the caller's factory.
	Breaker *breaker.Breaker

	// BatchLimiter, if non-nil, throttles the rate of batch read-through
	// calls (one token per GetOrSetBatch miss-set), bounding how hard a
	// cold L1 can hammer the remote store on a thundering herd of batch
	// requests.
	BatchLimiter *ratelimit.Limiter

	// Recorder reports mirror-write, mirror-delete, and read-through
	// round trips. Defaults to metrics.NoOp.
	Recorder metrics.Recorder

	// Tracing, if non-nil, is used to start a span around every remote
	// round trip (mirror write, mirror delete, read-through, batch
	// read-through). A nil Tracing uses the global tracer provider, same
	// as [tracing.StartSpan]'s own nil-config fallback.
	Tracing *tracing.TracingConfig

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = slog.New(slog.DiscardHandler)
	}
	if c.Recorder == nil {
		c.Recorder = metrics.NoOp
	}
	return c
}

// Mirror binds a [*store.Store] to a RemoteStore. Wire its methods into the
// store's Config.OnSerialized/OnChange hooks and call ReadThrough from the
// cache engine's miss path.
type Mirror struct {
	cfg    Config
	remote RemoteStore
}

// New creates a Mirror. It does not itself touch the store; the caller wires
// Mirror.OnSerialized and Mirror.OnChange into store.Config, and calls
// Mirror.ReadThrough / Mirror.BatchReadThrough from the miss path.
func New(cfg Config, remote RemoteStore) *Mirror {
	return &Mirror{cfg: cfg.withDefaults(), remote: remote}
}

func (m *Mirror) remoteKey(key string) string { return m.cfg.KeyPrefix + ":" + key }

func (m *Mirror) allowed() bool { return m.cfg.Breaker == nil || m.cfg.Breaker.Allow() }

func (m *Mirror) recordOutcome(err error) {
	if m.cfg.Breaker == nil {
		return
	}
	if err != nil {
		m.cfg.Breaker.OnFailure()
	} else {
		m.cfg.Breaker.OnSuccess()
	}
}

func (m *Mirror) withRetry(ctx context.Context, fn func(context.Context) error) error {
	_, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// OnSerialized is the store.Config.OnSerialized hook: mirror-on-write. The
// remote key is set with a TTL equal to the entry's remaining lifetime.
// Failures are logged, never surfaced — C7 prefers availability over strict
// L2 consistency.
func (m *Mirror) OnSerialized(e *entry.Entry, envelope []byte) {
	if !m.allowed() {
		return
	}
	ttl := time.Until(time.UnixMilli(e.ExpireAtMs()))
	if ttl <= 0 {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, m.cfg.Tracing, "l2.mirror_set")

	err := m.withRetry(ctx, func(ctx context.Context) error {
		return m.remote.Set(ctx, m.remoteKey(e.Key()), envelope, ttl)
	})
	tracing.EndSpan(span, &err)
	m.recordOutcome(err)
	m.observe("mirror_set", err, start)
	if err != nil {
		m.cfg.Log.Warn("l2: mirror-on-write failed", "key", e.Key(), "error", err)
	}
}

func (m *Mirror) observe(kind string, err error, start time.Time) {
	outcome := metrics.OutcomeHit
	if err != nil {
		outcome = metrics.OutcomeError
	}
	m.observeOutcome(kind, outcome, start)
}

func (m *Mirror) observeOutcome(kind string, outcome metrics.Outcome, start time.Time) {
	m.cfg.Recorder.ObserveL2(kind, outcome, time.Since(start).Seconds())
}

// OnChange is the store.Config.OnChange hook: mirror-on-delete. Explicit
// single-key removes and expirations delete the corresponding remote key;
// pattern removes (including Clear, which publishes key "*") run a
// server-side pattern delete so the node never round-trips a SCAN itself.
func (m *Mirror) OnChange(ev store.ChangeEvent) {
	if ev.Kind != store.KindRemove && ev.Kind != store.KindExpire {
		return
	}
	if !m.allowed() {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	kind := "mirror_delete"
	if ev.IsPattern {
		kind = "mirror_delete_pattern"
	}
	ctx, span := tracing.StartSpan(ctx, m.cfg.Tracing, "l2."+kind)
	if ev.IsPattern {
		err = m.withRetry(ctx, func(ctx context.Context) error {
			return m.remote.DeleteByPattern(ctx, m.remoteKey(ev.Key))
		})
	} else {
		err = m.withRetry(ctx, func(ctx context.Context) error {
			return m.remote.Delete(ctx, m.remoteKey(ev.Key))
		})
	}
	tracing.EndSpan(span, &err)
	m.recordOutcome(err)
	m.observe(kind, err, start)
	if err != nil {
		m.cfg.Log.Warn("l2: mirror-on-delete failed", "key", ev.Key, "error", err)
	}
}

// ReadThrough consults the remote store for key and, if present, rehydrates
// and installs an Entry into s without firing a change event. It reports
// whether a value was installed.
func (m *Mirror) ReadThrough(ctx context.Context, s *store.Store, key string) bool {
	if !m.allowed() {
		return false
	}
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, m.cfg.Tracing, "l2.read_through")
	var payload []byte
	var found bool
	err := m.withRetry(ctx, func(ctx context.Context) error {
		var err error
		payload, found, err = m.remote.Get(ctx, m.remoteKey(key))
		return err
	})
	tracing.EndSpan(span, &err)
	m.recordOutcome(err)
	if err != nil {
		m.observeOutcome("read_through", metrics.OutcomeError, start)
		m.cfg.Log.Warn("l2: read-through failed", "key", key, "error", err)
		return false
	}
	if !found {
		m.observeOutcome("read_through", metrics.OutcomeMiss, start)
		return false
	}
	e, err := entry.FromRemoteBytes(key, payload)
	if err != nil {
		m.observeOutcome("read_through", metrics.OutcomeError, start)
		m.cfg.Log.Warn("l2: corrupt envelope", "key", key, "error", err)
		return false
	}
	if e.IsExpired() {
		m.observeOutcome("read_through", metrics.OutcomeMiss, start)
		return false
	}
	s.InstallRehydrated(e)
	m.observeOutcome("read_through", metrics.OutcomeHit, start)
	return true
}

// BatchReadThrough performs a single MGET over keys and rehydrates every hit
// into s without firing change events. It returns the subset of keys that
// remained misses after the attempt — the caller's batch factory should be
// invoked with exactly that list.
func (m *Mirror) BatchReadThrough(ctx context.Context, s *store.Store, keys []string) []string {
	if len(keys) == 0 || !m.allowed() {
		return keys
	}
	if m.cfg.BatchLimiter != nil && !m.cfg.BatchLimiter.Allow() {
		return keys
	}

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, m.cfg.Tracing, "l2.batch_read_through")
	remoteKeys := make([]string, len(keys))
	byRemote := make(map[string]string, len(keys))
	for i, k := range keys {
		rk := m.remoteKey(k)
		remoteKeys[i] = rk
		byRemote[rk] = k
	}

	var found map[string][]byte
	err := m.withRetry(ctx, func(ctx context.Context) error {
		var err error
		found, err = m.remote.MGet(ctx, remoteKeys)
		return err
	})
	tracing.EndSpan(span, &err)
	m.recordOutcome(err)
	if err != nil {
		m.observeOutcome("batch_read_through", metrics.OutcomeError, start)
		m.cfg.Log.Warn("l2: batch read-through failed", "error", err)
		return keys
	}

	var misses []string
	for _, k := range keys {
		rk := m.remoteKey(k)
		payload, ok := found[rk]
		if !ok {
			misses = append(misses, k)
			continue
		}
		e, err := entry.FromRemoteBytes(k, payload)
		if err != nil || e.IsExpired() {
			misses = append(misses, k)
			continue
		}
		s.InstallRehydrated(e)
	}
	outcome := metrics.OutcomeHit
	if len(misses) == len(keys) {
		outcome = metrics.OutcomeMiss
	}
	m.observeOutcome("batch_read_through", outcome, start)
	return misses
}
