package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpipe/chatpipe/internal/metrics"
)

// PG is the Postgres-backed conversation store. Every call carries a
// hard deadline so a stalled database never wedges a worker.
type PG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPG(pool *pgxpool.Pool, timeout time.Duration) *PG {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PG{pool: pool, timeout: timeout}
}

func (s *PG) Get(ctx context.Context, conversationID string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var historyJSON []byte
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT history, updated_at
		FROM chatpipe.conversations
		WHERE conversation_id = $1`,
		conversationID,
	).Scan(&historyJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("load conversation: %w", err)
	}

	var history []Turn
	if err := json.Unmarshal(historyJSON, &history); err != nil {
		return Record{}, false, fmt.Errorf("decode history: %w", err)
	}

	return Record{
		ConversationID: conversationID,
		History:        history,
		UpdatedAt:      updatedAt,
	}, true, nil
}

func (s *PG) PutIfUnchanged(ctx context.Context, rec Record, expected time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	historyJSON, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	start := time.Now()
	defer func() { metrics.ObserveStoreWrite(time.Since(start)) }()

	if expected.IsZero() {
		// First write for this conversation. A concurrent creator wins
		// the insert race; the loser sees zero rows and reloads.
		ct, err := s.pool.Exec(ctx, `
			INSERT INTO chatpipe.conversations(conversation_id, history, updated_at)
			VALUES ($1, $2::jsonb, now())
			ON CONFLICT (conversation_id) DO NOTHING`,
			rec.ConversationID, string(historyJSON),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if ct.RowsAffected() == 0 {
			metrics.RecordStoreConflict()
			return ErrConflict
		}
		return nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE chatpipe.conversations
		SET history = $2::jsonb, updated_at = now()
		WHERE conversation_id = $1 AND updated_at = $3`,
		rec.ConversationID, string(historyJSON), expected,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		metrics.RecordStoreConflict()
		return ErrConflict
	}
	return nil
}
