// Package grpcsurface exposes registered functions over gRPC without a
// compiled proto contract per function: the service and method named in a
// request are runtime data looked up against the function configuration,
// not a statically generated stub. grpc.UnknownServiceHandler combined
// with a server-wide raw codec makes this proxying possible: every request,
// regardless of declared service, lands in the same handler as opaque
// bytes.
package grpcsurface

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/invocation"
	"github.com/oriys/nova/internal/wire"
)

// rawCodec passes message bytes through unchanged instead of marshaling a
// proto message, since the gateway never needs to understand a function's
// request/response shape.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, status.Error(codes.Internal, "grpcsurface: codec given a non-[]byte value")
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return status.Error(codes.Internal, "grpcsurface: codec given a non-[]byte value")
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }

// NewServer builds a grpc.Server that resolves every incoming call against
// fc and routes it through eng exactly as the HTTP surface does.
func NewServer(eng *engine.Engine, fc *funcconfig.Config) *grpc.Server {
	return grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(handler(eng, fc)),
	)
}

func handler(eng *engine.Engine, fc *funcconfig.Config) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		fullMethod, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "grpcsurface: could not determine method from stream")
		}
		service, method := splitFullMethod(fullMethod)

		entry, ok := fc.FindByFuncName("grpc:" + service)
		if !ok {
			return status.Errorf(codes.NotFound, "unknown service %q", service)
		}
		methodID, ok := entry.GRPCMethods[method]
		if !ok {
			return status.Errorf(codes.NotFound, "unknown method %q for service %q", method, service)
		}

		var reqBody []byte
		if err := stream.RecvMsg(&reqBody); err != nil {
			return status.Errorf(codes.Internal, "recv: %v", err)
		}

		var respBody []byte
		var rpcErr error
		sink := invocation.NewGRPCSink(
			func(body []byte) error { respBody = body; return nil },
			func(code codes.Code, msg string) { rpcErr = status.Error(code, msg) },
		)
		call := wire.FuncCall{FuncID: entry.FuncID, MethodID: methodID, CallID: eng.NextCallID()}
		ctx := invocation.New(call, sink, reqBody, eng.InflightCounter())

		eng.NewExternalFuncCall(ctx)

		select {
		case <-sink.Done():
		case <-stream.Context().Done():
			ctx.MarkDisconnected()
			return status.FromContextError(stream.Context().Err()).Err()
		}

		if rpcErr != nil {
			return rpcErr
		}
		return stream.SendMsg(&respBody)
	}
}

// splitFullMethod splits a gRPC FullMethod of the form "/service/method"
// into its two parts.
func splitFullMethod(fullMethod string) (service, method string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}
