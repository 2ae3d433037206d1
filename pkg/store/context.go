package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
)

// GetCachedContext returns the cached bundle for pi, or ErrNotFound if none
// has been fetched yet (spec §4.4 "load cached context if present").
func (c *Client) GetCachedContext(ctx context.Context, chunkID, pi string) (*chunkmodel.CachedContext, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT directory_name, existing_pinax_json
		FROM context_meta WHERE chunk_id = $1 AND pi = $2`, chunkID, pi)

	var cc chunkmodel.CachedContext
	var existing sql.NullString
	if err := row.Scan(&cc.DirectoryName, &existing); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cached context meta %s/%s: %w", chunkID, pi, err)
	}
	if existing.Valid {
		cc.ExistingPinax = json.RawMessage(existing.String)
	}
	cc.PI = pi

	rows, err := c.db.QueryContext(ctx, `
		SELECT filename, content FROM context_files
		WHERE chunk_id = $1 AND pi = $2 ORDER BY idx`, chunkID, pi)
	if err != nil {
		return nil, fmt.Errorf("get cached context files %s/%s: %w", chunkID, pi, err)
	}
	defer rows.Close()
	for rows.Next() {
		var f chunkmodel.ContextFile
		if err := rows.Scan(&f.Name, &f.Content); err != nil {
			return nil, fmt.Errorf("scan cached context file %s/%s: %w", chunkID, pi, err)
		}
		cc.Files = append(cc.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cc, nil
}

// SaveCachedContext persists a freshly fetched bundle so a restart doesn't
// re-fetch it (spec §4.4 "persist cache").
func (c *Client) SaveCachedContext(ctx context.Context, chunkID, pi string, bundle *chunkmodel.ContextBundle) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save-context tx: %w", err)
	}
	defer tx.Rollback()

	var existing any
	if len(bundle.ExistingPinax) > 0 {
		existing = []byte(bundle.ExistingPinax)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO context_meta (chunk_id, pi, directory_name, existing_pinax_json)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (chunk_id, pi) DO UPDATE SET
			directory_name = EXCLUDED.directory_name,
			existing_pinax_json = EXCLUDED.existing_pinax_json`,
		chunkID, pi, bundle.DirectoryName, existing)
	if err != nil {
		return fmt.Errorf("upsert context meta %s/%s: %w", chunkID, pi, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_files WHERE chunk_id = $1 AND pi = $2`, chunkID, pi); err != nil {
		return fmt.Errorf("clear context files %s/%s: %w", chunkID, pi, err)
	}
	for i, f := range bundle.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_files (chunk_id, pi, idx, filename, content)
			VALUES ($1,$2,$3,$4,$5)`, chunkID, pi, i, f.Name, f.Content); err != nil {
			return fmt.Errorf("insert context file %s/%s[%d]: %w", chunkID, pi, i, err)
		}
	}

	return tx.Commit()
}

// DeleteCachedContext deletes a PI's cached bundle once it reaches a
// terminal status (spec §3 "Lifecycles").
func (c *Client) DeleteCachedContext(ctx context.Context, chunkID, pi string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete-context tx: %w", err)
	}
	defer tx.Rollback()
	if err := deleteCachedContextTx(ctx, tx, chunkID, pi); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteCachedContextTx(ctx context.Context, tx *sql.Tx, chunkID, pi string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_files WHERE chunk_id = $1 AND pi = $2`, chunkID, pi); err != nil {
		return fmt.Errorf("delete context files %s/%s: %w", chunkID, pi, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_meta WHERE chunk_id = $1 AND pi = $2`, chunkID, pi); err != nil {
		return fmt.Errorf("delete context meta %s/%s: %w", chunkID, pi, err)
	}
	return nil
}
