// Package server wraps a gRPC server with the ambient interceptor stack
// (panic recovery, request-id, tracing) and an HTTP metrics endpoint,
// assembled from functional options.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/Keksclan/meshcache/internal/core"
	"github.com/Keksclan/meshcache/interceptors"
	"github.com/Keksclan/meshcache/tracing"
)

// Interceptor ordering: recovery must run outermost so it catches panics
// from every interceptor beneath it, request-id next so every later stage
// (including tracing) can read it, then tracing, then whatever the caller
// supplied.
const (
	orderRecovery = iota * 10
	orderRequestID
	orderTracing
	orderUser
)

// Server is a gRPC server with the built-in interceptor stack and an
// optional Prometheus metrics endpoint.
type Server struct {
	grpcServer     *grpc.Server
	metricsHandler http.Handler
}

// NewServer creates a Server by applying functional options and wiring the
// resulting interceptor chain into grpc.NewServer.
func NewServer(opts ...Option) *Server {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	var b core.MiddlewareBuilder
	if !cfg.disableRecovery {
		b.Add(orderRecovery, interceptors.RecoveryUnary(), interceptors.RecoveryStream())
	}
	if !cfg.disableRequestID {
		b.Add(orderRequestID, interceptors.RequestIDUnary(), interceptors.RequestIDStream())
	}
	if cfg.tracingConfig != nil {
		b.Add(orderTracing, tracing.UnaryServerInterceptor(cfg.tracingConfig), tracing.StreamServerInterceptor(cfg.tracingConfig))
	}
	for _, u := range cfg.unaryInterceptors {
		b.Add(orderUser, u, nil)
	}
	for _, s := range cfg.streamInterceptors {
		b.Add(orderUser, nil, s)
	}

	unary, stream := b.Build()
	serverOpts := core.BuildServerOptions(unary, stream, interceptors.ChainUnary, interceptors.ChainStream)

	metricsHandler := cfg.metricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	return &Server{
		grpcServer:     grpc.NewServer(serverOpts...),
		metricsHandler: metricsHandler,
	}
}

// GRPC returns the underlying *grpc.Server so callers can register services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// MetricsHandler returns the http.Handler serving Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.metricsHandler
}
