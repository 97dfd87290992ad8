package server

import (
	"net/http"

	"google.golang.org/grpc"

	"github.com/Keksclan/meshcache/tracing"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor

	tracingConfig  *tracing.TracingConfig
	metricsHandler http.Handler

	disableRecovery  bool
	disableRequestID bool
}

// Option configures a Server.
type Option func(*config)

// WithUnaryInterceptor appends a unary server interceptor to the chain,
// running after the built-in recovery/request-id/tracing interceptors.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(c *config) {
		c.unaryInterceptors = append(c.unaryInterceptors, i)
	}
}

// WithStreamInterceptor appends a stream server interceptor to the chain.
func WithStreamInterceptor(i grpc.StreamServerInterceptor) Option {
	return func(c *config) {
		c.streamInterceptors = append(c.streamInterceptors, i)
	}
}

// WithTracing installs OpenTelemetry span creation on every unary and stream
// call, ahead of any user interceptors.
func WithTracing(tc *tracing.TracingConfig) Option {
	return func(c *config) { c.tracingConfig = tc }
}

// WithMetricsHandler sets the http.Handler served at the metrics endpoint,
// typically a [github.com/Keksclan/meshcache/metrics/prom.Recorder]'s
// Handler(). Defaults to promhttp.Handler() over the global registry when
// unset.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *config) { c.metricsHandler = h }
}

// WithoutRecovery disables the built-in panic-recovery interceptor. Only
// useful in tests that want to observe a raw panic.
func WithoutRecovery() Option {
	return func(c *config) { c.disableRecovery = true }
}

// WithoutRequestID disables the built-in request-ID interceptor.
func WithoutRequestID() Option {
	return func(c *config) { c.disableRequestID = true }
}
