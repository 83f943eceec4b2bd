package rpcapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// jsonCodec carries plain JSON on the wire instead of protobuf, using the
// same field names as the HTTP JSON bodies.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

// unary adapts one typed handler into a grpc.methodHandler.
func unary[Req any, Resp any](call func(*Server, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*Server), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/"}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(*Server), ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unary((*Server).execute)},
		{MethodName: "Upload", Handler: unary((*Server).upload)},
		{MethodName: "Download", Handler: unary((*Server).download)},
		{MethodName: "Expire", Handler: unary((*Server).expire)},
		{MethodName: "ParseCustomTool", Handler: unary((*Server).parseCustomTool)},
		{MethodName: "ExecuteCustomTool", Handler: unary((*Server).executeCustomTool)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "codebroker/v1/broker.json",
}
