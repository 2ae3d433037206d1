package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
)

// ErrNotFound is returned when a lookup by chunk_id or pi finds no row.
var ErrNotFound = errors.New("store: not found")

// GetChunkState reads the chunk row, or ErrNotFound if none exists.
func (c *Client) GetChunkState(ctx context.Context, chunkID string) (*chunkmodel.ChunkState, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT batch_id, chunk_id, prefix, custom_prompt, institution, phase,
		       started_at, completed_at, callback_retry_count, global_error
		FROM chunk_state WHERE chunk_id = $1`, chunkID)

	var cs chunkmodel.ChunkState
	var completedAt sql.NullTime
	err := row.Scan(&cs.BatchID, &cs.ChunkID, &cs.Prefix, &cs.CustomPrompt, &cs.Institution,
		&cs.Phase, &cs.StartedAt, &completedAt, &cs.CallbackRetryCount, &cs.GlobalError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk state %s: %w", chunkID, err)
	}
	if completedAt.Valid {
		cs.CompletedAt = &completedAt.Time
	}
	return &cs, nil
}

// ListActiveChunkIDs returns every chunk_id not in DONE or ERROR, for the
// startup-recovery sweep (spec §9 "single-writer actor keyed by chunk id" —
// a restart must re-arm a worker for each chunk still in flight).
func (c *Client) ListActiveChunkIDs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT chunk_id FROM chunk_state WHERE phase NOT IN ($1, $2)`,
		chunkmodel.PhaseDone, chunkmodel.PhaseError)
	if err != nil {
		return nil, fmt.Errorf("list active chunks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunk removes every durable row for chunkID (chunk state, pi list,
// pi state, context files and meta) via the cascading foreign keys (spec §3
// invariant 6 / §4.4 cleanup).
func (c *Client) DeleteChunk(ctx context.Context, chunkID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM chunk_state WHERE chunk_id = $1`, chunkID)
	if err != nil {
		return fmt.Errorf("delete chunk %s: %w", chunkID, err)
	}
	return nil
}

// AdmitChunk deletes any stale rows for chunkID, then inserts a fresh chunk
// row in PROCESSING plus one pending PI row per input PI (spec §4.4
// "Admission"). The whole operation runs in a single transaction so a crash
// mid-admission never leaves a half-admitted chunk.
func (c *Client) AdmitChunk(ctx context.Context, cs chunkmodel.ChunkState, pis []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admission tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_state WHERE chunk_id = $1`, cs.ChunkID); err != nil {
		return fmt.Errorf("delete stale chunk %s: %w", cs.ChunkID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunk_state (batch_id, chunk_id, prefix, custom_prompt, institution,
		                          phase, started_at, callback_retry_count, global_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,'')`,
		cs.BatchID, cs.ChunkID, cs.Prefix, cs.CustomPrompt, cs.Institution, cs.Phase, cs.StartedAt)
	if err != nil {
		return fmt.Errorf("insert chunk %s: %w", cs.ChunkID, err)
	}

	for i, pi := range pis {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pi_list (chunk_id, pi, idx) VALUES ($1,$2,$3)`,
			cs.ChunkID, pi, i); err != nil {
			return fmt.Errorf("insert pi_list %s/%s: %w", cs.ChunkID, pi, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pi_state (chunk_id, pi, status, retry_count) VALUES ($1,$2,$3,0)`,
			cs.ChunkID, pi, chunkmodel.PIStatusPending); err != nil {
			return fmt.Errorf("insert pi_state %s/%s: %w", cs.ChunkID, pi, err)
		}
	}

	return tx.Commit()
}

// SetPhase transitions the chunk to phase.
func (c *Client) SetPhase(ctx context.Context, chunkID string, phase chunkmodel.Phase) error {
	_, err := c.db.ExecContext(ctx, `UPDATE chunk_state SET phase = $1 WHERE chunk_id = $2`, phase, chunkID)
	if err != nil {
		return fmt.Errorf("set phase %s: %w", chunkID, err)
	}
	return nil
}

// SetGlobalError records global_error and transitions to CALLBACK (spec §4.4
// "Any uncaught exception during a phase").
func (c *Client) SetGlobalError(ctx context.Context, chunkID, message string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE chunk_state SET global_error = $1, phase = $2 WHERE chunk_id = $3`,
		message, chunkmodel.PhaseCallback, chunkID)
	if err != nil {
		return fmt.Errorf("set global error %s: %w", chunkID, err)
	}
	return nil
}

// MarkDone sets phase DONE and stamps completed_at.
func (c *Client) MarkDone(ctx context.Context, chunkID string) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx,
		`UPDATE chunk_state SET phase = $1, completed_at = $2 WHERE chunk_id = $3`,
		chunkmodel.PhaseDone, now, chunkID)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", chunkID, err)
	}
	return nil
}

// IncrementCallbackRetry increments callback_retry_count and returns the new
// value.
func (c *Client) IncrementCallbackRetry(ctx context.Context, chunkID string) (int, error) {
	row := c.db.QueryRowContext(ctx, `
		UPDATE chunk_state SET callback_retry_count = callback_retry_count + 1
		WHERE chunk_id = $1 RETURNING callback_retry_count`, chunkID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("increment callback retry %s: %w", chunkID, err)
	}
	return n, nil
}
