package sequence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step is a compiled, runnable sequence step. Delay is relative to the
// previous step; the scheduler turns it into an absolute offset.
type Step struct {
	Message string
	Delay   time.Duration
	Action  func() error
}

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Timers is the scheduler's time source. Callbacks must be delivered on the
// goroutine that owns the scheduler.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Journal receives operator-visible sequence log lines.
type Journal interface {
	Append(msg string)
	Clear()
}

// Run describes one started sequence.
type Run struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// Hooks are optional observers of scheduler transitions.
type Hooks struct {
	OnStart    func(Run)
	OnStep     func(Run, int, Step, error)
	OnComplete func(Run)
}

// Scheduler runs at most one sequence at a time. It is not safe for
// concurrent use; the engine loop owns it and Timers must call back on that
// loop.
type Scheduler struct {
	timers  Timers
	journal Journal
	logger  *zap.Logger
	hooks   Hooks
	now     func() time.Time

	generation uint64
	active     *Run
	pending    []Timer
}

func NewScheduler(timers Timers, journal Journal, logger *zap.Logger, hooks Hooks) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		timers:  timers,
		journal: journal,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}
}

// Active returns the name of the running sequence, or "".
func (s *Scheduler) Active() string {
	if s.active == nil {
		return ""
	}
	return s.active.Name
}

// ActiveRun returns the running sequence, if any.
func (s *Scheduler) ActiveRun() (Run, bool) {
	if s.active == nil {
		return Run{}, false
	}
	return *s.active, true
}

// Start schedules steps at cumulative offsets from now. It returns a
// *ConflictError if another sequence is still active; in that case nothing
// already scheduled is touched.
func (s *Scheduler) Start(name string, steps []Step) (Run, error) {
	if s.active != nil {
		return Run{}, &ConflictError{Active: s.active.Name}
	}

	s.CancelAll()
	s.journal.Clear()

	run := Run{
		ID:        uuid.New(),
		Name:      name,
		Steps:     len(steps),
		StartedAt: s.now(),
	}
	s.active = &run
	gen := s.generation

	s.journal.Append(fmt.Sprintf("Initiating sequence: %s", name))
	s.logger.Info("Sequence started",
		zap.String("sequence", name),
		zap.String("run_id", run.ID.String()),
		zap.Int("steps", len(steps)))

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(run)
	}

	if len(steps) == 0 {
		s.complete(run)
		return run, nil
	}

	var offset time.Duration
	for i, step := range steps {
		offset += step.Delay
		index, step := i, step
		last := i == len(steps)-1
		s.pending = append(s.pending, s.timers.AfterFunc(offset, func() {
			s.fire(gen, run, index, step, last)
		}))
	}

	return run, nil
}

func (s *Scheduler) fire(gen uint64, run Run, index int, step Step, last bool) {
	if gen != s.generation {
		return
	}

	s.journal.Append(step.Message)

	var err error
	if step.Action != nil {
		err = step.Action()
		if err != nil {
			s.journal.Append(fmt.Sprintf("Step failed: %v", err))
			s.logger.Warn("Sequence step action failed",
				zap.String("sequence", run.Name),
				zap.Int("step", index),
				zap.Error(err))
		}
	}

	if s.hooks.OnStep != nil {
		s.hooks.OnStep(run, index, step, err)
	}

	// the action may have cancelled this run
	if gen != s.generation {
		return
	}
	if last {
		s.complete(run)
	}
}

func (s *Scheduler) complete(run Run) {
	s.journal.Append(fmt.Sprintf("Sequence %s complete.", run.Name))
	s.active = nil
	s.pending = nil

	s.logger.Info("Sequence complete",
		zap.String("sequence", run.Name),
		zap.String("run_id", run.ID.String()))

	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(run)
	}
}

// CancelAll stops every pending step without running it. Already fired
// actions are not undone and the journal is kept. The active marker is
// released so a later Start can succeed.
func (s *Scheduler) CancelAll() {
	s.generation++
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = nil

	if s.active != nil {
		s.logger.Info("Sequence cancelled", zap.String("sequence", s.active.Name))
		s.active = nil
	}
}
