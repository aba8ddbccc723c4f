package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/api/rest"
	"github.com/KevinKickass/OpenTestStand/internal/api/websocket"
	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/config"
	"github.com/KevinKickass/OpenTestStand/internal/engine"
	"github.com/KevinKickass/OpenTestStand/internal/estop"
	"github.com/KevinKickass/OpenTestStand/internal/interfaces"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/metrics"
	"github.com/KevinKickass/OpenTestStand/internal/mqtt"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/storage"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

// LifecycleManager builds the stand from configuration, runs the servers and
// shuts everything down in order.
type LifecycleManager struct {
	config      *config.Config
	logger      *zap.Logger
	engine      *engine.Engine
	metrics     *metrics.Metrics
	streamer    *streaming.EventStreamer
	health      *streaming.Health
	wsHub       *websocket.Hub
	authService *auth.AuthService

	// optional outputs, nil when disabled
	db         *storage.PostgresClient
	writer     *storage.Writer
	mqttBridge *mqtt.Bridge
	estopIn    estop.Reader

	restServer *rest.Server
	grpcServer *grpc.Server

	group  *errgroup.Group
	cancel context.CancelFunc

	tripped   atomic.Bool
	startedAt time.Time

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewLifecycleManager builds the engine and its in-process observers. Nothing
// touches the network or hardware until Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	valves, err := cfg.Actuators.ValveSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build valve set: %w", err)
	}
	motors, err := cfg.Actuators.MotorSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build motor set: %w", err)
	}

	catalog, err := buildCatalog(cfg, valves, motors, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	eng := engine.New(engine.Options{
		Valves:  valves,
		Motors:  motors,
		Catalog: catalog,
		Interlock: interlock.Config{
			Limit:      cfg.Interlock.PressureLimit,
			ResetLimit: cfg.Interlock.ResetLimit,
			Channels:   cfg.Interlock.InterlockChannels(),
			Sequence:   cfg.Interlock.Sequence,
		},
		HistorySize:           cfg.Telemetry.HistorySize,
		ValidateMotorCommands: cfg.Protocol.ValidateMotorCommands,
		RecordingDir:          cfg.Recording.Directory,
		Metrics:               m,
	}, logger.Named("engine"))

	authService := auth.NewAuthService(cfg.Auth, logger.Named("auth"))

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		engine:       eng,
		metrics:      m,
		streamer:     streaming.NewEventStreamer(),
		health:       streaming.NewHealth(),
		wsHub:        websocket.NewHub(logger.Named("websocket"), authService),
		authService:  authService,
		currentState: StateInitializing,
	}
	lm.wsHub.SetSnapshotProvider(eng)

	eng.AddObserver(lm.streamer)
	eng.AddObserver(lm.wsHub)
	eng.AddObserver(engine.ObserverFunc(lm.updateHealth))

	return lm, nil
}

func buildCatalog(cfg *config.Config, valves []actuator.Valve, motors []actuator.Motor, logger *zap.Logger) (*sequence.Catalog, error) {
	catalog := sequence.NewCatalog(sequence.Builtins(valves, motors, cfg.Actuators.MotorInitialAngle)...)

	loader, err := sequence.NewLoader(cfg.Sequences.SearchPaths, logger.Named("sequences"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence loader: %w", err)
	}
	defs, err := loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load sequences: %w", err)
	}
	for _, def := range defs {
		if err := catalog.Add(def); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.Source, err)
		}
	}

	logger.Info("Sequence catalog ready",
		zap.Int("sequences", len(catalog.List())),
		zap.Int("from_files", len(defs)))
	return catalog, nil
}

// updateHealth runs on the engine loop and must not block.
func (lm *LifecycleManager) updateHealth(evt streaming.Event) {
	switch evt.Type {
	case streaming.EventInterlock:
		if ie, ok := evt.Data.(interlock.Event); ok {
			lm.tripped.Store(ie.State == interlock.StateTripped)
		}
	case streaming.EventLink:
	default:
		return
	}
	lm.health.Update(lm.engine.Connected(), lm.tripped.Load())
}

// Start brings up optional outputs, the engine and all servers. Serving
// errors surface through Wait.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenTestStand")
	lm.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel
	lm.group, runCtx = errgroup.WithContext(runCtx)

	if err := lm.startOutputs(ctx); err != nil {
		lm.setState(StateError)
		return err
	}

	lm.engine.Start()

	// gRPC Server (telemetry watch + health)
	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	// REST API Server
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService, lm.metrics.Handler())
	lm.group.Go(lm.restServer.ListenAndServe)

	lm.group.Go(func() error {
		lm.wsHub.Run(runCtx)
		return nil
	})

	if lm.estopIn != nil {
		watcher := estop.NewWatcher(lm.estopIn, lm.config.EStop.PollInterval, func() {
			lm.engine.EmergencyStop("gpio")
		}, lm.logger.Named("estop"))
		lm.group.Go(func() error { return watcher.Run(runCtx) })
	}

	lm.setState(StateRunning)
	lm.autoStart(ctx)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("archive", lm.writer != nil),
		zap.Bool("mqtt", lm.mqttBridge != nil),
		zap.Bool("estop", lm.estopIn != nil))

	return nil
}

// startOutputs connects the archive and the broker. Both are optional: a
// failure is logged and the stand runs without them. A configured E-stop
// that cannot be opened is fatal.
func (lm *LifecycleManager) startOutputs(ctx context.Context) error {
	if lm.config.Database.Enabled {
		if err := lm.startArchive(ctx); err != nil {
			lm.logger.Warn("Telemetry archive disabled", zap.Error(err))
		}
	}

	if lm.config.MQTT.Enabled {
		pub, err := mqtt.NewRealPublisher(lm.config.MQTT)
		if err != nil {
			lm.logger.Warn("MQTT bridge disabled", zap.String("broker", lm.config.MQTT.Broker), zap.Error(err))
		} else {
			lm.mqttBridge = mqtt.NewBridge(pub, 0, lm.logger.Named("mqtt"))
			lm.mqttBridge.Start()
			lm.engine.AddObserver(lm.mqttBridge)
		}
	}

	if lm.config.EStop.Enabled {
		reader, err := estop.NewRealReader(lm.config.EStop.Chip, lm.config.EStop.Pin, lm.config.EStop.ActiveLow)
		if err != nil {
			return fmt.Errorf("failed to open e-stop input %s/%d: %w", lm.config.EStop.Chip, lm.config.EStop.Pin, err)
		}
		lm.estopIn = reader
	}
	return nil
}

func (lm *LifecycleManager) startArchive(ctx context.Context) error {
	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migration failed: %w", err)
	}

	lm.db = db
	lm.writer = storage.NewWriter(db, lm.config.Database.BatchSize, lm.config.Database.FlushInterval, lm.logger.Named("archive"))
	lm.writer.Start()
	lm.engine.AddObserver(lm.writer)
	return nil
}

func (lm *LifecycleManager) autoStart(ctx context.Context) {
	if lm.config.Serial.AutoConnect {
		target := lm.config.Serial.Target()
		if err := target.Validate(); err != nil {
			lm.logger.Warn("Auto-connect skipped", zap.Error(err))
		} else if err := lm.engine.Connect(ctx, target); err != nil {
			lm.logger.Warn("Auto-connect failed", zap.String("endpoint", target.String()), zap.Error(err))
		}
	}

	if lm.config.Recording.AutoStart {
		if _, err := lm.engine.StartRecording(ctx); err != nil {
			lm.logger.Warn("Auto-record failed", zap.Error(err))
		}
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()

	streaming.RegisterTelemetryServer(lm.grpcServer, streaming.NewTelemetryService(lm.streamer, lm.engine))
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health.Server())
	lm.logger.Info("Telemetry gRPC service registered")

	lm.group.Go(func() error {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})

	return nil
}

// Wait blocks until a server fails or Shutdown completes.
func (lm *LifecycleManager) Wait() error {
	if lm.group == nil {
		return nil
	}
	return lm.group.Wait()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		lm.shutdownErr = lm.gracefulShutdown(ctx)

		if lm.shutdownErr != nil {
			lm.setState(StateError)
		}
		lm.setState(StateStopped)
	})

	return lm.shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.cancel != nil {
		lm.cancel()
	}

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	// 2. gRPC: end watch streams, then stop
	lm.health.Shutdown()
	lm.streamer.Close()
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.grpcServer.Stop()
		}
	}

	// 3. Engine: pending steps, recording, link
	if err := lm.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine stop failed: %w", err))
	}

	// 4. Optional outputs drain last so they see the final events
	if lm.mqttBridge != nil {
		if err := lm.mqttBridge.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt stop failed: %w", err))
		}
	}
	if lm.writer != nil {
		lm.writer.Stop()
	}
	if lm.db != nil {
		lm.db.Close()
	}
	if lm.estopIn != nil {
		if err := lm.estopIn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("e-stop close failed: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:             lm.State().String(),
		Link:              string(link.StatusDisconnected),
		WebSocketClients:  lm.wsHub.GetClientCount(),
		StreamSubscribers: lm.streamer.SubscriberCount(),
	}
	if !lm.startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(lm.startedAt).Seconds())
	}

	snap, err := lm.engine.Snapshot(ctx)
	if err != nil {
		lm.logger.Debug("Status without engine snapshot", zap.Error(err))
		return status
	}
	status.Link = string(snap.Link.Status)
	status.Endpoint = snap.Link.Target.String()
	status.Interlock = string(snap.Interlock.State)
	status.Recording = snap.Recording.Active
	if snap.ActiveSequence != nil {
		status.ActiveSequence = snap.ActiveSequence.Name
	}
	return status
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Engine() *engine.Engine {
	return lm.engine
}

func (lm *LifecycleManager) Archive() interfaces.ArchiveReader {
	if lm.db == nil {
		return nil
	}
	return lm.db
}
