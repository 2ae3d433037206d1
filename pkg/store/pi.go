package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
)

// ListPIsByStatus returns every PI row for chunkID in the given status,
// ordered by pi_list.idx (spec §4.4 "Select all PI rows with status = ...").
func (c *Client) ListPIsByStatus(ctx context.Context, chunkID string, status chunkmodel.PIStatus) ([]chunkmodel.PIState, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.pi, s.status, s.retry_count, s.pinax_record, s.pinax_cid,
		       s.new_tip, s.new_version, s.error
		FROM pi_state s
		JOIN pi_list l ON l.chunk_id = s.chunk_id AND l.pi = s.pi
		WHERE s.chunk_id = $1 AND s.status = $2
		ORDER BY l.idx`, chunkID, status)
	if err != nil {
		return nil, fmt.Errorf("list pis by status %s/%s: %w", chunkID, status, err)
	}
	defer rows.Close()
	return scanPIStates(rows)
}

// ListPublishedWithoutCID returns done PIs that have not yet been uploaded
// (spec §4.4 "Select all PI rows with status = done and pinax_cid IS NULL").
func (c *Client) ListPublishedWithoutCID(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.pi, s.status, s.retry_count, s.pinax_record, s.pinax_cid,
		       s.new_tip, s.new_version, s.error
		FROM pi_state s
		JOIN pi_list l ON l.chunk_id = s.chunk_id AND l.pi = s.pi
		WHERE s.chunk_id = $1 AND s.status = $2 AND (s.pinax_cid IS NULL OR s.pinax_cid = '')
		ORDER BY l.idx`, chunkID, chunkmodel.PIStatusDone)
	if err != nil {
		return nil, fmt.Errorf("list unpublished pis %s: %w", chunkID, err)
	}
	defer rows.Close()
	return scanPIStates(rows)
}

// ListAllPIs returns every PI row for chunkID, in admission order — used to
// assemble the callback payload (spec §4.4 "CALLBACK pass") and the status
// endpoint's progress counts (spec §4.5).
func (c *Client) ListAllPIs(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.pi, s.status, s.retry_count, s.pinax_record, s.pinax_cid,
		       s.new_tip, s.new_version, s.error
		FROM pi_state s
		JOIN pi_list l ON l.chunk_id = s.chunk_id AND l.pi = s.pi
		WHERE s.chunk_id = $1
		ORDER BY l.idx`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list all pis %s: %w", chunkID, err)
	}
	defer rows.Close()
	return scanPIStates(rows)
}

func scanPIStates(rows *sql.Rows) ([]chunkmodel.PIState, error) {
	var out []chunkmodel.PIState
	for rows.Next() {
		var ps chunkmodel.PIState
		var record sql.NullString
		if err := rows.Scan(&ps.PI, &ps.Status, &ps.RetryCount, &record,
			&ps.PinaxCID, &ps.NewTip, &ps.NewVersion, &ps.Error); err != nil {
			return nil, fmt.Errorf("scan pi_state row: %w", err)
		}
		if record.Valid {
			ps.PinaxRecord = json.RawMessage(record.String)
		}
		ps.HasNewVersion = ps.NewTip != ""
		out = append(out, ps)
	}
	return out, rows.Err()
}

// MarkProcessing flips a pending PI to processing (spec §4.4 "PROCESSING
// pass").
func (c *Client) MarkProcessing(ctx context.Context, chunkID, pi string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE pi_state SET status = $1 WHERE chunk_id = $2 AND pi = $3`,
		chunkmodel.PIStatusProcessing, chunkID, pi)
	if err != nil {
		return fmt.Errorf("mark processing %s/%s: %w", chunkID, pi, err)
	}
	return nil
}

// CompletePI stores the extracted record and marks the PI done, then
// deletes its cached context (spec §4.4 "success ->").
func (c *Client) CompletePI(ctx context.Context, chunkID, pi string, record json.RawMessage) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete-pi tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE pi_state SET status = $1, pinax_record = $2 WHERE chunk_id = $3 AND pi = $4`,
		chunkmodel.PIStatusDone, []byte(record), chunkID, pi); err != nil {
		return fmt.Errorf("complete pi %s/%s: %w", chunkID, pi, err)
	}
	if err := deleteCachedContextTx(ctx, tx, chunkID, pi); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryOrFailPI increments retry_count; if it reaches maxRetries the PI is
// marked terminal error with message and its cached context is deleted,
// otherwise it's set back to pending (spec §4.4 "failure ->").
func (c *Client) RetryOrFailPI(ctx context.Context, chunkID, pi, message string, maxRetries int) error {
	row := c.db.QueryRowContext(ctx, `
		UPDATE pi_state SET retry_count = retry_count + 1
		WHERE chunk_id = $1 AND pi = $2 RETURNING retry_count`, chunkID, pi)
	var retries int
	if err := row.Scan(&retries); err != nil {
		return fmt.Errorf("increment retry %s/%s: %w", chunkID, pi, err)
	}

	status := chunkmodel.PIStatusPending
	if retries >= maxRetries {
		status = chunkmodel.PIStatusError
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE pi_state SET status = $1, error = $2 WHERE chunk_id = $3 AND pi = $4`,
		status, message, chunkID, pi)
	if err != nil {
		return fmt.Errorf("set retry status %s/%s: %w", chunkID, pi, err)
	}
	if status == chunkmodel.PIStatusError {
		if err := c.DeleteCachedContext(ctx, chunkID, pi); err != nil {
			return err
		}
	}
	return nil
}

// FailPublish marks a PI terminal error after publishing's inner CAS
// retries are exhausted (spec §4.4 "PUBLISHING pass").
func (c *Client) FailPublish(ctx context.Context, chunkID, pi, message string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE pi_state SET status = $1, error = $2 WHERE chunk_id = $3 AND pi = $4`,
		chunkmodel.PIStatusError, message, chunkID, pi)
	if err != nil {
		return fmt.Errorf("fail publish %s/%s: %w", chunkID, pi, err)
	}
	return nil
}

// SetPublished records pinax_cid, new_tip and new_version after a
// successful upload+CAS-append (spec §3 invariant 2).
func (c *Client) SetPublished(ctx context.Context, chunkID, pi, cid, newTip string, newVersion int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE pi_state SET pinax_cid = $1, new_tip = $2, new_version = $3
		WHERE chunk_id = $4 AND pi = $5`,
		cid, newTip, newVersion, chunkID, pi)
	if err != nil {
		return fmt.Errorf("set published %s/%s: %w", chunkID, pi, err)
	}
	return nil
}
