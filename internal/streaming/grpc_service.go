package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "teststand.v1.Telemetry"

	snapshotMethod = "/" + ServiceName + "/Snapshot"
	watchMethod    = "/" + ServiceName + "/Watch"
)

// SnapshotSource returns the current stand state as a JSON-encodable value.
type SnapshotSource interface {
	SnapshotView(ctx context.Context) (any, error)
}

// TelemetryServer is the server API for the teststand.v1.Telemetry service.
type TelemetryServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// TelemetryServiceDesc describes the service for grpc.Server.RegisterService.
// Messages are well-known protobuf types, so no generated code is needed.
var TelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Snapshot",
			Handler:    snapshotHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "teststand/v1/telemetry.proto",
}

func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&TelemetryServiceDesc, srv)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryServer).Watch(in, stream)
}

// TelemetryService streams stand events to gRPC clients.
type TelemetryService struct {
	streamer *EventStreamer
	source   SnapshotSource
}

func NewTelemetryService(streamer *EventStreamer, source SnapshotSource) *TelemetryService {
	return &TelemetryService{
		streamer: streamer,
		source:   source,
	}
}

func (s *TelemetryService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view, err := s.source.SnapshotView(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "snapshot: %v", err)
	}
	out, err := toStruct(view)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return out, nil
}

// Watch sends every event whose type is listed in the request's "types"
// field, or all events when the field is absent.
func (s *TelemetryService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	filter, err := typeFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, eventCh := s.streamer.Subscribe()
	defer s.streamer.Unsubscribe(id)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			if filter != nil && !filter[event.Type] {
				continue
			}

			msg, err := toStruct(map[string]any{
				"type": string(event.Type),
				"time": event.Time.UTC().Format(time.RFC3339Nano),
				"data": event.Data,
			})
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func typeFilter(req *structpb.Struct) (map[EventType]bool, error) {
	v, ok := req.GetFields()["types"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("types must be a list of strings")
	}
	filter := make(map[EventType]bool, len(list.Values))
	for _, item := range list.Values {
		name, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("types must be a list of strings")
		}
		filter[EventType(name.StringValue)] = true
	}
	return filter, nil
}

// toStruct round-trips v through JSON so typed values become the plain
// maps and slices structpb accepts.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// TelemetryClient is a thin client for the service.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

func (c *TelemetryClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens the event stream. Call RecvMsg with a *structpb.Struct.
func (c *TelemetryClient) Watch(ctx context.Context, types []EventType, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if len(types) > 0 {
		values := make([]*structpb.Value, len(types))
		for i, t := range types {
			values[i] = structpb.NewStringValue(string(t))
		}
		req.Fields["types"] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}

	stream, err := c.cc.NewStream(ctx, &TelemetryServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
