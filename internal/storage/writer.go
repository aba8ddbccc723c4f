package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

// Archive is the persistence surface used by Writer.
type Archive interface {
	InsertFrames(ctx context.Context, frames []FrameRecord) error
	InsertCommand(ctx context.Context, rec CommandRecord) error
	InsertSequenceRun(ctx context.Context, rec SequenceRunRecord) error
	CompleteSequenceRun(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	InsertInterlockEvent(ctx context.Context, rec InterlockRecord) error
}

// FrameFromSensor converts a merged frame into its archive row.
func FrameFromSensor(f telemetry.SensorFrame) FrameRecord {
	rec := FrameRecord{RecordedAt: f.Timestamp}
	dst := map[telemetry.Channel]**float64{
		telemetry.PT1: &rec.PT1, telemetry.PT2: &rec.PT2, telemetry.PT3: &rec.PT3, telemetry.PT4: &rec.PT4,
		telemetry.Flow1: &rec.Flow1, telemetry.Flow2: &rec.Flow2, telemetry.TC1: &rec.TC1,
	}
	for ch, ptr := range dst {
		if v, ok := f.Reading(ch); ok {
			v := v
			*ptr = &v
		}
	}
	return rec
}

type writeOp func(ctx context.Context, a Archive) error

// Writer archives asynchronously so the engine loop never waits on the
// database. Frames are batched; everything else is written in order.
// When the queue is full, new items are dropped and counted.
type Writer struct {
	archive       Archive
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	frames   chan FrameRecord
	ops      chan writeOp
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	dropped atomic.Uint64
}

func NewWriter(archive Archive, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		archive:       archive,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		frames:        make(chan FrameRecord, batchSize*4),
		ops:           make(chan writeOp, 256),
		stopChan:      make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("Archive writer started",
		zap.Int("batch_size", w.batchSize),
		zap.Duration("flush_interval", w.flushInterval))
}

// Stop drains the queues and waits for the last flush.
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Archive writer stopped", zap.Uint64("dropped", w.dropped.Load()))
	})
}

func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Writer) RecordFrame(f telemetry.SensorFrame) {
	select {
	case w.frames <- FrameFromSensor(f):
	default:
		w.dropped.Add(1)
	}
}

func (w *Writer) RecordCommand(cmd string, at time.Time) {
	w.enqueue(func(ctx context.Context, a Archive) error {
		return a.InsertCommand(ctx, CommandRecord{SentAt: at, Command: cmd})
	})
}

func (w *Writer) RecordRunStarted(id uuid.UUID, name string, steps int, at time.Time) {
	w.enqueue(func(ctx context.Context, a Archive) error {
		return a.InsertSequenceRun(ctx, SequenceRunRecord{ID: id, Name: name, Steps: steps, StartedAt: at})
	})
}

func (w *Writer) RecordRunCompleted(id uuid.UUID, at time.Time) {
	w.enqueue(func(ctx context.Context, a Archive) error {
		return a.CompleteSequenceRun(ctx, id, at)
	})
}

func (w *Writer) RecordInterlock(rec InterlockRecord) {
	w.enqueue(func(ctx context.Context, a Archive) error {
		return a.InsertInterlockEvent(ctx, rec)
	})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		w.dropped.Add(1)
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]FrameRecord, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.run(func(ctx context.Context, a Archive) error { return a.InsertFrames(ctx, batch) })
		batch = batch[:0]
	}

	for {
		select {
		case <-w.stopChan:
			w.drain(&batch)
			flush()
			return
		case f := <-w.frames:
			batch = append(batch, f)
			if len(batch) >= w.batchSize {
				flush()
			}
		case op := <-w.ops:
			flush()
			w.run(op)
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) drain(batch *[]FrameRecord) {
	for {
		select {
		case f := <-w.frames:
			*batch = append(*batch, f)
		case op := <-w.ops:
			w.run(op)
		default:
			return
		}
	}
}

func (w *Writer) run(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx, w.archive); err != nil {
		w.logger.Error("Archive write failed", zap.Error(err))
	}
}
