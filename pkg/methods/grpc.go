package methods

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

const (
	serviceName      = "devicemethods.v1.DeviceMethods"
	invokeFullMethod = "/" + serviceName + "/Invoke"
)

// DeviceMethodsServer is the server side of the DeviceMethods gRPC service.
type DeviceMethodsServer interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// RegisterDeviceMethodsServer registers srv on a gRPC server.
func RegisterDeviceMethodsServer(s grpc.ServiceRegistrar, srv DeviceMethodsServer) {
	s.RegisterService(&deviceMethodsServiceDesc, srv)
}

var deviceMethodsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DeviceMethodsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "devicemethods/v1/devicemethods.proto",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, raw interface{}) (interface{}, error) {
		req, err := requestFromStruct(raw.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(DeviceMethodsServer).Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		return responseToStruct(resp)
	}

	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeFullMethod,
	}
	return interceptor(ctx, in, info, handle)
}

// GRPCConfig holds the settings for a gRPC control-plane connection.
type GRPCConfig struct {
	Address     string
	DialOptions []grpc.DialOption // TLS, interceptors, etc.
}

// GRPCInvoker calls DeviceMethods/Invoke on a hub.
type GRPCInvoker struct {
	conn *grpc.ClientConn
}

// NewGRPCInvoker creates the client connection. The connection is
// established lazily on the first call.
func NewGRPCInvoker(config *GRPCConfig) (*GRPCInvoker, error) {
	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{grpc.WithKeepaliveParams(kacp)}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub client: %w", err)
	}
	klog.InfoS("Control plane client created", "address", config.Address)

	return &GRPCInvoker{conn: conn}, nil
}

func (i *GRPCInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	out := new(structpb.Struct)
	if err := i.conn.Invoke(ctx, invokeFullMethod, in, out); err != nil {
		return nil, fmt.Errorf("invoke %q on device %s: %w", req.MethodName, req.DeviceID, err)
	}

	resp, err := responseFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("invoke %q on device %s: %w", req.MethodName, req.DeviceID, err)
	}
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (i *GRPCInvoker) Close() error {
	return i.conn.Close()
}
