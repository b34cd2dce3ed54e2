package observerrpc

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server is implemented by *Service; separated so the hand-authored
// ServiceDesc below can reference it without a protoc-generated stub.
type Server interface {
	Watch(*emptypb.Empty, Observer_WatchServer) error
	SubmitCommands(Observer_SubmitCommandsServer) error
}

// Observer_WatchServer is the server-streaming handle for Watch, matching
// the shape protoc would generate for `rpc Watch(Empty) returns (stream
// Struct)`.
type Observer_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type observerWatchServer struct {
	grpc.ServerStream
}

func (x *observerWatchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// Observer_SubmitCommandsServer is the client-streaming handle for
// SubmitCommands, matching `rpc SubmitCommands(stream Struct) returns
// (Struct)`.
type Observer_SubmitCommandsServer interface {
	SendAndClose(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type observerSubmitCommandsServer struct {
	grpc.ServerStream
}

func (x *observerSubmitCommandsServer) SendAndClose(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *observerSubmitCommandsServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func observerWatchHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(Server).Watch(m, &observerWatchServer{stream})
}

func observerSubmitCommandsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Server).SubmitCommands(&observerSubmitCommandsServer{stream})
}

// ServiceDesc registers the observer service by hand, since this
// environment cannot run protoc/buf to generate a stub. Both Watch and
// SubmitCommands exchange only well-known protobuf types
// (structpb.Struct, emptypb.Empty), so the wire format is authentic
// protobuf even without generated message types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "worldbus.observer.v1.Observer",
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       observerWatchHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "SubmitCommands",
			Handler:       observerSubmitCommandsHandler,
			ClientStreams: true,
		},
	},
	Metadata: "observerrpc",
}
