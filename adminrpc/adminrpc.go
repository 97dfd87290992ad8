// Package adminrpc exposes a small administrative gRPC surface (liveness
// ping, statistics, remove, remove-by-pattern, clear) over a cache instance.
// It uses [grpc.ServiceDesc] registration directly, the same trick the
// original built-in health-check RPC used, so none of these plain Go request
// and response structs need protoc-generated code: a thin codec JSON-encodes
// them and delegates any real protobuf message to the standard codec.
package adminrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	grpcEncoding "google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // ensure default proto codec is registered first
	"google.golang.org/protobuf/proto"
)

// PingRequest is the input for the Ping liveness check.
type PingRequest struct {
	Message string `json:"message"`
}

// PingResponse echoes the request and reports the server's time.
type PingResponse struct {
	Message        string `json:"message"`
	ServerTimeUnix int64  `json:"server_time_unix"`
}

// StatsRequest has no fields; it exists for symmetry with the other RPCs.
type StatsRequest struct{}

// StatsResponse reports the current L1 statistics.
type StatsResponse struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// RemoveRequest identifies a single key to remove.
type RemoveRequest struct {
	Key string `json:"key"`
}

// RemoveResponse reports whether a live entry was actually removed.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// RemoveByPatternRequest identifies a glob pattern (see store.MatchPattern)
// whose matching keys should be removed.
type RemoveByPatternRequest struct {
	Pattern string `json:"pattern"`
}

// RemoveByPatternResponse reports how many keys were removed.
type RemoveByPatternResponse struct {
	Removed int `json:"removed"`
}

// ClearRequest has no fields.
type ClearRequest struct{}

// ClearResponse reports how many entries were removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// adminMsg marks every plain-struct message the codec below must handle.
type adminMsg interface{ isAdminMsg() }

func (*PingRequest) isAdminMsg()             {}
func (*PingResponse) isAdminMsg()            {}
func (*StatsRequest) isAdminMsg()            {}
func (*StatsResponse) isAdminMsg()           {}
func (*RemoveRequest) isAdminMsg()           {}
func (*RemoveResponse) isAdminMsg()          {}
func (*RemoveByPatternRequest) isAdminMsg()  {}
func (*RemoveByPatternResponse) isAdminMsg() {}
func (*ClearRequest) isAdminMsg()            {}
func (*ClearResponse) isAdminMsg()           {}

// Handler is the interface an admin service implementation must satisfy. The
// root Cache type implements it directly.
type Handler interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
	Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error)
	RemoveByPattern(ctx context.Context, req *RemoveByPatternRequest) (*RemoveByPatternResponse, error)
	Clear(ctx context.Context, req *ClearRequest) (*ClearResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc for the meshcache.Admin service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "meshcache.Admin",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Remove", Handler: removeHandler},
		{MethodName: "RemoveByPattern", Handler: removeByPatternHandler},
		{MethodName: "Clear", Handler: clearHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshcache/admin.proto",
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PingRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Ping(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshcache.Admin/Ping"}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Ping(ctx, r.(*PingRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(StatsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Stats(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshcache.Admin/Stats"}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Stats(ctx, r.(*StatsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func removeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RemoveRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Remove(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshcache.Admin/Remove"}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Remove(ctx, r.(*RemoveRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func removeByPatternHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RemoveByPatternRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).RemoveByPattern(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshcache.Admin/RemoveByPattern"}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).RemoveByPattern(ctx, r.(*RemoveByPatternRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func clearHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ClearRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Clear(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/meshcache.Admin/Clear"}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Clear(ctx, r.(*ClearRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers an admin Handler on the given gRPC server.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// ---------- codec wrapper ----------

func init() {
	// Replace the default proto codec with a thin wrapper that JSON-encodes
	// the admin plain-struct messages and delegates everything else
	// (ordinary protobuf messages) to proto.Marshal/Unmarshal.
	grpcEncoding.RegisterCodec(adminCodec{})
}

type adminCodec struct{}

func (adminCodec) Name() string { return "proto" }

func (adminCodec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(adminMsg); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("adminrpc codec: unsupported message type %T", v)
}

func (adminCodec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(adminMsg); ok {
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("adminrpc codec: unsupported message type %T", v)
}
