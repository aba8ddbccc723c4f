// Package engine owns the stand state and runs every mutation on a single
// goroutine. Telemetry lines, sequence timers and operator requests are
// queued onto that loop and processed one at a time.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/dispatch"
	"github.com/KevinKickass/OpenTestStand/internal/eventlog"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/metrics"
	"github.com/KevinKickass/OpenTestStand/internal/recorder"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

var ErrStopped = errors.New("engine stopped")

// The operator log is the journal of every component that reports to it.
var (
	_ dispatch.Journal  = (*eventlog.Log)(nil)
	_ sequence.Journal  = (*eventlog.Log)(nil)
	_ interlock.Journal = (*eventlog.Log)(nil)
)

// Observer receives every engine event on the loop goroutine. Observe must
// not block.
type Observer interface {
	Observe(evt streaming.Event)
}

type ObserverFunc func(evt streaming.Event)

func (f ObserverFunc) Observe(evt streaming.Event) { f(evt) }

type Options struct {
	Valves    []actuator.Valve
	Motors    []actuator.Motor
	Catalog   *sequence.Catalog
	Interlock interlock.Config

	HistorySize           int
	ValidateMotorCommands bool
	RecordingDir          string

	// Timers defaults to wall clock timers that fire on the loop.
	Timers sequence.Timers
	// Dial defaults to link.Dial.
	Dial    link.DialFunc
	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     *eventlog.Log
}

type Engine struct {
	logger  *zap.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool

	obsMu     sync.RWMutex
	observers []Observer

	// loop-owned state
	store      *telemetry.Store
	actuators  *actuator.Reconciler
	scheduler  *sequence.Scheduler
	monitor    *interlock.Monitor
	dispatcher *dispatch.Dispatcher
	catalog    *sequence.Catalog
	recorder   *recorder.Recorder

	// safe for concurrent use
	log  *eventlog.Log
	link *link.Manager
}

func New(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = eventlog.New()
	}
	if opts.Interlock.Sequence == "" {
		opts.Interlock.Sequence = sequence.EmergencyShutdown
	}
	if opts.Catalog == nil {
		opts.Catalog = sequence.NewCatalog(sequence.Builtins(opts.Valves, opts.Motors, 90)...)
	}

	e := &Engine{
		logger:  logger,
		now:     opts.Now,
		metrics: opts.Metrics,
		ops:     make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		store:   telemetry.NewStore(opts.HistorySize),
		catalog: opts.Catalog,
		log:     opts.Log,
	}

	timers := opts.Timers
	if timers == nil {
		timers = loopTimers{e: e}
	}

	e.actuators = actuator.NewReconciler(opts.Valves, opts.Motors)
	e.link = link.NewManager(opts.Dial, e.onLinkEvent, logger.Named("link"))
	e.recorder = recorder.New(opts.RecordingDir, logger.Named("recorder"))
	e.dispatcher = dispatch.New(e.link, e.log, logger.Named("dispatch"), dispatch.Options{
		ValidateMotorCommands: opts.ValidateMotorCommands,
		OnSent:                e.onSent,
	})
	e.scheduler = sequence.NewScheduler(timers, e.log, logger.Named("sequence"), sequence.Hooks{
		OnStart:    e.onRunStarted,
		OnStep:     e.onRunStep,
		OnComplete: e.onRunCompleted,
	})
	e.monitor = interlock.NewMonitor(opts.Interlock, interlockStarter{e: e}, e.log, logger.Named("interlock"), e.onInterlock)

	e.log.Subscribe(func(entry eventlog.Entry) {
		e.emit(streaming.EventLog, entry)
	})

	return e
}

// AddObserver registers o for all later events.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) emit(typ streaming.EventType, data any) {
	evt := streaming.Event{Type: typ, Time: e.now(), Data: data}

	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, o := range e.observers {
		o.Observe(evt)
	}
}

// Start launches the loop goroutine.
func (e *Engine) Start() {
	e.started = true
	go e.run()
	e.logger.Info("Engine started",
		zap.Int("valves", len(e.actuators.Valves())),
		zap.Int("motors", len(e.actuators.Motors())),
		zap.Float64("pressure_limit", e.monitor.Config().Limit))
}

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.quit:
			return
		}
	}
}

// Stop cancels pending sequence steps, closes the recording and the link and
// ends the loop. It must not be called from the loop.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}

	var errs []error
	if err := e.Do(ctx, func() {
		e.scheduler.CancelAll()
		if e.recorder.Active() {
			if err := e.recorder.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}); err != nil && !errors.Is(err, ErrStopped) {
		errs = append(errs, err)
	}

	if err := e.link.Close(); err != nil {
		errs = append(errs, err)
	}

	e.once.Do(func() { close(e.quit) })

	select {
	case <-e.stopped:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

// Do runs fn on the loop and waits for it. Calling Do from the loop
// deadlocks.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case e.ops <- op:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Work posted after Stop is discarded.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.stopped:
	}
}

// loopTimers are wall clock timers whose callbacks run on the loop.
type loopTimers struct {
	e *Engine
}

func (t loopTimers) AfterFunc(d time.Duration, fn func()) sequence.Timer {
	return time.AfterFunc(d, func() { t.e.post(fn) })
}
