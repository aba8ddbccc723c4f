package streaming

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type staticSource struct{ view any }

func (s staticSource) SnapshotView(context.Context) (any, error) { return s.view, nil }

func TestEventStreamer_BroadcastAndUnsubscribe(t *testing.T) {
	s := NewEventStreamer()
	id, ch := s.Subscribe()
	assert.Equal(t, 1, s.SubscriberCount())

	s.Publish(EventLog, "[12:00:00] Sent: SEQ_SHUTDOWN")
	evt := <-ch
	assert.Equal(t, EventLog, evt.Type)

	s.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, s.SubscriberCount())
}

func TestEventStreamer_FullSubscriberDropsEvents(t *testing.T) {
	s := NewEventStreamer()
	_, _ = s.Subscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		s.Publish(EventFrame, i)
	}
	assert.Equal(t, uint64(5), s.Dropped())
}

func startServer(t *testing.T, svc TelemetryServer, h *Health) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTelemetryServer(srv, svc)
	healthpb.RegisterHealthServer(srv, h.Server())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTelemetryService_Snapshot(t *testing.T) {
	svc := NewTelemetryService(NewEventStreamer(), staticSource{view: map[string]any{
		"connected": true,
		"interlock": "ARMED",
	}})
	conn := startServer(t, svc, NewHealth())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := NewTelemetryClient(conn).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ARMED", out.Fields["interlock"].GetStringValue())
	assert.True(t, out.Fields["connected"].GetBoolValue())
}

func TestTelemetryService_WatchFiltersTypes(t *testing.T) {
	streamer := NewEventStreamer()
	conn := startServer(t, NewTelemetryService(streamer, staticSource{}), NewHealth())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewTelemetryClient(conn).Watch(ctx, []EventType{EventInterlock})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return streamer.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	streamer.Publish(EventFrame, map[string]any{"pt1": 10})
	streamer.Publish(EventInterlock, map[string]any{"state": "TRIPPED"})

	msg := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(msg))
	assert.Equal(t, "interlock", msg.Fields["type"].GetStringValue())
	assert.Equal(t, "TRIPPED", msg.Fields["data"].GetStructValue().Fields["state"].GetStringValue())
}

func TestHealth_ReflectsStandState(t *testing.T) {
	h := NewHealth()
	conn := startServer(t, NewTelemetryService(NewEventStreamer(), staticSource{}), h)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	h.Update(true, false)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	h.Update(true, true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
