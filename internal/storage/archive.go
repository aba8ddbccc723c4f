package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertFrames stores a batch of frames in one round trip.
func (p *PostgresClient) InsertFrames(ctx context.Context, frames []FrameRecord) error {
	if len(frames) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, []any{f.RecordedAt, f.PT1, f.PT2, f.PT3, f.PT4, f.Flow1, f.Flow2, f.TC1})
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry_frames"},
		[]string{"recorded_at", "pt1", "pt2", "pt3", "pt4", "flow1", "flow2", "tc1"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert frames: %w", err)
	}
	return nil
}

func (p *PostgresClient) InsertCommand(ctx context.Context, rec CommandRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sent_commands (sent_at, command)
		VALUES ($1, $2)
	`, rec.SentAt, rec.Command)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (p *PostgresClient) InsertSequenceRun(ctx context.Context, rec SequenceRunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sequence_runs (id, name, steps, started_at)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.Name, rec.Steps, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sequence run: %w", err)
	}
	return nil
}

func (p *PostgresClient) CompleteSequenceRun(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sequence_runs SET completed_at = $2 WHERE id = $1
	`, id, completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete sequence run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sequence run not found: %s", id)
	}
	return nil
}

func (p *PostgresClient) InsertInterlockEvent(ctx context.Context, rec InterlockRecord) error {
	readings, err := json.Marshal(rec.Readings)
	if err != nil {
		return fmt.Errorf("failed to marshal readings: %w", err)
	}

	var startErr *string
	if rec.StartError != "" {
		startErr = &rec.StartError
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO interlock_events (occurred_at, state, readings, start_error)
		VALUES ($1, $2, $3, $4)
	`, rec.OccurredAt, rec.State, readings, startErr)
	if err != nil {
		return fmt.Errorf("failed to insert interlock event: %w", err)
	}
	return nil
}

// RecentSequenceRuns returns the newest runs first.
func (p *PostgresClient) RecentSequenceRuns(ctx context.Context, limit int) ([]SequenceRunRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, steps, started_at, completed_at
		FROM sequence_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequence runs: %w", err)
	}
	defer rows.Close()

	var runs []SequenceRunRecord
	for rows.Next() {
		var r SequenceRunRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Steps, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sequence run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecentCommands returns the newest sent commands first.
func (p *PostgresClient) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sent_at, command
		FROM sent_commands
		ORDER BY sent_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var c CommandRecord
		if err := rows.Scan(&c.ID, &c.SentAt, &c.Command); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
