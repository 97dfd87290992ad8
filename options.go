package meshcache

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Keksclan/meshcache/breaker"
	"github.com/Keksclan/meshcache/metrics"
	"github.com/Keksclan/meshcache/ratelimit"
	"github.com/Keksclan/meshcache/retry"
	"github.com/Keksclan/meshcache/store"
	"github.com/Keksclan/meshcache/tracing"
)

// Option configures a Cache at construction time.
type Option func(*Config)

// WithInstanceID overrides the random instance identifier used to suppress
// backplane loopback. Two Cache instances must never share one.
func WithInstanceID(id string) Option {
	return func(c *Config) { c.instanceID = id }
}

// WithCleanupInterval sets the expiration sweeper period. Defaults to 1s.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) { c.cleanupInterval = d }
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
// Defaults to 5 minutes.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Config) { c.defaultTTL = d }
}

// WithEvictionPolicy selects LRU or FIFO. Defaults to LRU.
func WithEvictionPolicy(p store.EvictionPolicy) Option {
	return func(c *Config) { c.evictionPolicy = p }
}

// WithNotificationType selects Async, Sync, or None serialization. Defaults
// to Async.
func WithNotificationType(n store.NotificationType) Option {
	return func(c *Config) { c.notificationType = n }
}

// WithCompressionThreshold sets the serialized-size threshold (bytes) at or
// above which a payload is compressed before mirroring.
func WithCompressionThreshold(bytes int) Option {
	return func(c *Config) { c.compressionThreshold = bytes }
}

// WithLockPoolSize sizes the per-key lock table GetOrSet coordinates
// through. Defaults to keylock.DefaultPoolSize.
func WithLockPoolSize(n int) Option {
	return func(c *Config) { c.lockPoolSize = n }
}

// WithValueChangeListener registers a callback invoked for every mutation the
// local store reports: writes (once serialized; never under None
// notification), removes, pattern removes, clears, and expirations.
// Removals applied from incoming backplane messages are not reported to it.
func WithValueChangeListener(fn func(ChangeEvent)) Option {
	return func(c *Config) { c.valueChangeListener = fn }
}

// WithRemote enables the L2 mirror and the backplane, both built on top of
// client: the same connection pool serves the remote KV store and the
// pub/sub invalidation channel. Passing this option is what turns
// useRemoteAsSecondLevel on.
func WithRemote(client redis.UniversalClient) Option {
	return func(c *Config) { c.remoteClient = client }
}

// WithRemoteRetry configures retry-with-backoff around every L2 call to
// client. Backplane publishes are not retried. A zero-value Config performs
// no retries.
func WithRemoteRetry(cfg retry.Config) Option {
	return func(c *Config) { c.l2Retry = cfg }
}

// WithRemoteBreaker installs a circuit breaker guarding L2 calls: once
// tripped, read-through misses fall straight to the caller's factory and
// writes/deletes are skipped rather than blocking on a store that looks
// down.
func WithRemoteBreaker(b *breaker.Breaker) Option {
	return func(c *Config) { c.l2Breaker = b }
}

// WithBatchReadThroughLimiter throttles GetOrSetBatch's L2 round trips,
// bounding how hard a cold L1 can hammer the remote store during a
// thundering herd of batch requests.
func WithBatchReadThroughLimiter(l *ratelimit.Limiter) Option {
	return func(c *Config) { c.batchLimiter = l }
}

// WithMetrics attaches a Recorder every operation reports through. Defaults
// to a no-op recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Config) { c.recorder = r }
}

// WithTracing attaches an OpenTelemetry tracer used for direct spans around
// GetOrSet factory calls and L2 round trips.
func WithTracing(t *tracing.TracingConfig) Option {
	return func(c *Config) { c.tracing = t }
}

// WithLogger attaches a logger for the diagnostics C6/C7 swallow after
// logging (mirror failures, malformed backplane messages, corrupt
// envelopes). Defaults to discarding output.
func WithLogger(log *slog.Logger) Option {
	return func(c *Config) { c.log = log }
}
