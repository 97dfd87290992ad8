package meshcache

import (
	"errors"
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

// ErrConfigurationError is returned by New when the configuration is
// invalid, which is when the required application cache prefix is empty. It
// is fatal at construction time; nothing else in this package ever returns
// it.
var ErrConfigurationError = errors.New("meshcache: configuration error")

// Config is the value object assembled by New's functional options. Its zero
// value plus a required application cache prefix is a usable, L1-only
// configuration.
type Config struct {
	applicationCachePrefix string
	instanceID             string

	cleanupInterval      time.Duration
	defaultTTL           time.Duration
	evictionPolicy       store.EvictionPolicy
	notificationType     store.NotificationType
	compressionThreshold int
	lockPoolSize         int
	valueChangeListener  func(ChangeEvent)

	remoteClient redis.UniversalClient
	l2Retry      retry.Config
	l2Breaker    *breaker.Breaker
	batchLimiter *ratelimit.Limiter

	recorder metrics.Recorder
	tracing  *tracing.TracingConfig
	log      *slog.Logger
}

func newConfig(applicationCachePrefix string, opts ...Option) (Config, error) {
	if applicationCachePrefix == "" {
		return Config{}, errors.Join(ErrConfigurationError, errors.New("applicationCachePrefix is required"))
	}
	cfg := Config{
		applicationCachePrefix: applicationCachePrefix,
		recorder:               metrics.NoOp,
		log:                    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.instanceID == "" {
		cfg.instanceID = newInstanceID()
	}
	return cfg, nil
}
