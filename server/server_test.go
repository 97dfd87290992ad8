package server

import (
	"context"
	"testing"

	"google.golang.org/grpc"

	"github.com/Keksclan/meshcache/adminrpc"
)

type stubHandler struct{}

func (stubHandler) Ping(_ context.Context, req *adminrpc.PingRequest) (*adminrpc.PingResponse, error) {
	return &adminrpc.PingResponse{Message: req.Message}, nil
}
func (stubHandler) Stats(context.Context, *adminrpc.StatsRequest) (*adminrpc.StatsResponse, error) {
	return &adminrpc.StatsResponse{}, nil
}
func (stubHandler) Remove(context.Context, *adminrpc.RemoveRequest) (*adminrpc.RemoveResponse, error) {
	return &adminrpc.RemoveResponse{}, nil
}
func (stubHandler) RemoveByPattern(context.Context, *adminrpc.RemoveByPatternRequest) (*adminrpc.RemoveByPatternResponse, error) {
	return &adminrpc.RemoveByPatternResponse{}, nil
}
func (stubHandler) Clear(context.Context, *adminrpc.ClearRequest) (*adminrpc.ClearResponse, error) {
	return &adminrpc.ClearResponse{}, nil
}

func TestNewServerAppliesInterceptorChainWithoutPanicking(t *testing.T) {
	var called []string
	track := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			called = append(called, name)
			return handler(ctx, req)
		}
	}

	s := NewServer(WithUnaryInterceptor(track("user")))
	adminrpc.Register(s.GRPC(), stubHandler{})

	if s.GRPC() == nil {
		t.Fatal("expected a non-nil underlying grpc.Server")
	}
	if s.MetricsHandler() == nil {
		t.Fatal("expected a default metrics handler when none is configured")
	}
}

func TestWithoutRecoveryAndRequestIDDisableDefaults(t *testing.T) {
	s := NewServer(WithoutRecovery(), WithoutRequestID())
	if s.GRPC() == nil {
		t.Fatal("expected server construction to succeed with defaults disabled")
	}
}
