package convstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpipe/chatpipe/internal/task"
)

// DeadLetterRow is one dead-lettered envelope as read back for
// operational tooling.
type DeadLetterRow struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason"`
	Attempt        int       `json:"attempt"`
	Envelope       string    `json:"envelope"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeadLetters records dead-lettered envelopes in Postgres alongside the
// DLQ topic, so operators can list and replay them without a queue
// consumer.
type DeadLetters struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewDeadLetters(pool *pgxpool.Pool, timeout time.Duration) *DeadLetters {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DeadLetters{pool: pool, timeout: timeout}
}

// Record inserts one dead letter. Duplicate task ids are ignored so a
// redelivered envelope that dead-letters twice stays a single row.
func (d *DeadLetters) Record(ctx context.Context, dl task.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	envJSON, err := json.Marshal(dl.Task)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO chatpipe.dead_letters(task_id, conversation_id, reason, attempt, envelope)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (task_id) DO NOTHING`,
		dl.Task.TaskID, dl.Task.ConversationID, dl.Reason, dl.Attempt, string(envJSON),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]DeadLetterRow, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := d.pool.Query(ctx, `
		SELECT task_id, conversation_id, reason, attempt, envelope::text, created_at
		FROM chatpipe.dead_letters
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterRow
	for rows.Next() {
		var r DeadLetterRow
		if err := rows.Scan(&r.TaskID, &r.ConversationID, &r.Reason, &r.Attempt, &r.Envelope, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes one dead letter. Called after a successful replay so
// the same task cannot be re-enqueued twice from the operator API.
func (d *DeadLetters) Delete(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.pool.Exec(ctx, `
		DELETE FROM chatpipe.dead_letters WHERE task_id = $1`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// GetEnvelope loads the stored envelope for one dead-lettered task, for
// operator replay.
func (d *DeadLetters) GetEnvelope(ctx context.Context, taskID string) (task.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var envJSON []byte
	err := d.pool.QueryRow(ctx, `
		SELECT envelope FROM chatpipe.dead_letters WHERE task_id = $1`,
		taskID,
	).Scan(&envJSON)
	if err != nil {
		return task.Envelope{}, fmt.Errorf("dead letter not found: %w", err)
	}

	var env task.Envelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return task.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
