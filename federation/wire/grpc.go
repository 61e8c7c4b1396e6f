package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName selects this codec via the grpc content subtype. Both ends
// register it by importing this package.
const CodecName = "aswarm-wire"

// Codec round-trips wire.Message values through grpc.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire codec: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// Full method names.
const (
	ServiceName         = "aswarm.federation.v1.Federator"
	MethodShareSketch   = "/" + ServiceName + "/ShareSketch"
	MethodRequestSketch = "/" + ServiceName + "/RequestSketch"
	MethodReportHealth  = "/" + ServiceName + "/ReportHealth"
)

// FederatorServer is implemented by the federation server.
type FederatorServer interface {
	ShareSketch(ctx context.Context, req *ShareSketchRequest) (*ShareSketchResponse, error)
	RequestSketch(ctx context.Context, req *RequestSketchRequest) (*RequestSketchResponse, error)
	ReportHealth(ctx context.Context, req *HealthReportRequest) (*HealthReportResponse, error)
}

// RegisterFederatorServer attaches the service to a grpc server.
func RegisterFederatorServer(s grpc.ServiceRegistrar, srv FederatorServer) {
	s.RegisterService(&FederatorServiceDesc, srv)
}

func shareSketchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShareSketchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).ShareSketch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodShareSketch}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederatorServer).ShareSketch(ctx, req.(*ShareSketchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func requestSketchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestSketchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).RequestSketch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRequestSketch}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederatorServer).RequestSketch(ctx, req.(*RequestSketchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHealthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthReportRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).ReportHealth(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReportHealth}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederatorServer).ReportHealth(ctx, req.(*HealthReportRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// FederatorServiceDesc is the hand-written service descriptor for the
// contract in federation/proto/federation.proto.
var FederatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FederatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShareSketch", Handler: shareSketchHandler},
		{MethodName: "RequestSketch", Handler: requestSketchHandler},
		{MethodName: "ReportHealth", Handler: reportHealthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "federation/proto/federation.proto",
}

// FederatorClient calls a peer's Federator service.
type FederatorClient struct {
	cc grpc.ClientConnInterface
}

// NewFederatorClient wraps a client connection.
func NewFederatorClient(cc grpc.ClientConnInterface) *FederatorClient {
	return &FederatorClient{cc: cc}
}

func (c *FederatorClient) ShareSketch(ctx context.Context, req *ShareSketchRequest, opts ...grpc.CallOption) (*ShareSketchResponse, error) {
	out := new(ShareSketchResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, MethodShareSketch, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FederatorClient) RequestSketch(ctx context.Context, req *RequestSketchRequest, opts ...grpc.CallOption) (*RequestSketchResponse, error) {
	out := new(RequestSketchResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, MethodRequestSketch, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FederatorClient) ReportHealth(ctx context.Context, req *HealthReportRequest, opts ...grpc.CallOption) (*HealthReportResponse, error) {
	out := new(HealthReportResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, MethodReportHealth, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
