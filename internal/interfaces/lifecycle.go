package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenTestStand/internal/config"
	"github.com/KevinKickass/OpenTestStand/internal/engine"
	"github.com/KevinKickass/OpenTestStand/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string `json:"state"`
	Link              string `json:"link"`
	Endpoint          string `json:"endpoint,omitempty"`
	Interlock         string `json:"interlock"`
	ActiveSequence    string `json:"active_sequence,omitempty"`
	Recording         bool   `json:"recording"`
	WebSocketClients  int    `json:"websocket_clients"`
	StreamSubscribers int    `json:"stream_subscribers"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// ArchiveReader queries the telemetry archive.
type ArchiveReader interface {
	RecentSequenceRuns(ctx context.Context, limit int) ([]storage.SequenceRunRecord, error)
	RecentCommands(ctx context.Context, limit int) ([]storage.CommandRecord, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Engine() *engine.Engine
	// Archive is nil when the database is disabled.
	Archive() ArchiveReader
	GetCurrentStatus(ctx context.Context) SystemStatus
	Shutdown(ctx context.Context) error
}
