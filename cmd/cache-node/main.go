// Command cache-node runs a standalone meshcache node: a gRPC admin surface
// (ping, stats, remove, remove-by-pattern, clear) backed by a Cache, plus an
// HTTP endpoint serving its Prometheus metrics. When REDIS_ADDR is set, the
// node mirrors writes to Redis and joins the CACHE_PREFIX backplane channel
// so its L1 stays coherent with every other node pointed at the same Redis.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Keksclan/meshcache"
	"github.com/Keksclan/meshcache/adminrpc"
	"github.com/Keksclan/meshcache/breaker"
	"github.com/Keksclan/meshcache/metrics/prom"
	"github.com/Keksclan/meshcache/ratelimit"
	"github.com/Keksclan/meshcache/retry"
	"github.com/Keksclan/meshcache/server"
	"github.com/Keksclan/meshcache/tracing"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	grpcAddr := envOr("GRPC_ADDR", "127.0.0.1:9090")
	httpAddr := envOr("HTTP_ADDR", "127.0.0.1:9091")
	prefix := envOr("CACHE_PREFIX", "cache-node")

	tracingConfig := &tracing.TracingConfig{}
	var tp *sdktrace.TracerProvider
	if os.Getenv("TRACE_STDOUT") != "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Error("failed to create stdout trace exporter", "error", err)
			os.Exit(1)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		tracingConfig.TracerProvider = tp
		log.Info("stdout span exporter enabled")
	}

	opts := []meshcache.Option{
		meshcache.WithLogger(log),
		meshcache.WithTracing(tracingConfig),
	}

	recorder := prom.New()
	opts = append(opts, meshcache.WithMetrics(recorder))

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		opts = append(opts,
			meshcache.WithRemote(client),
			meshcache.WithRemoteRetry(retry.Config{
				MaxAttempts: 3,
				BaseDelay:   20 * time.Millisecond,
				MaxDelay:    500 * time.Millisecond,
				Jitter:      0.2,
				Retryable:   func(error) bool { return true },
			}),
			meshcache.WithRemoteBreaker(breaker.New(breaker.Config{
				FailureThreshold:   5,
				OpenTimeout:        10 * time.Second,
				HalfOpenMaxSuccess: 2,
			})),
			meshcache.WithBatchReadThroughLimiter(ratelimit.NewLimiter(200, 50)),
		)
		log.Info("remote tier enabled", "redis_addr", addr)
	}

	c, err := meshcache.New(prefix, opts...)
	if err != nil {
		log.Error("failed to construct cache", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(
		server.WithTracing(tracingConfig),
		server.WithMetricsHandler(recorder.Handler()),
	)
	adminrpc.Register(srv.GRPC(), c)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("failed to listen", "addr", grpcAddr, "error", err)
		os.Exit(1)
	}

	go func() {
		log.Info("grpc admin server listening", "addr", grpcAddr)
		if err := srv.GRPC().Serve(lis); err != nil {
			log.Error("grpc server stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		log.Info("metrics server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.GRPC().GracefulStop()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := c.Close(shutdownCtx); err != nil {
		log.Error("cache close error", "error", err)
	}
	if tp != nil {
		_ = tp.Shutdown(shutdownCtx)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
