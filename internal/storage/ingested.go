package storage

import (
	"context"
	"fmt"
)

// FileAlreadyIngested reports whether a conversation file with this
// content hash has been imported before for the user. A changed hash
// for a known path means the file grew and should be re-processed.
func (db *DB) FileAlreadyIngested(ctx context.Context, userID, path, sha256 string) (bool, error) {
	var match bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM ingested_files
		   WHERE user_id = $1 AND file_path = $2 AND sha256 = $3)`,
		userID, path, sha256,
	).Scan(&match)
	if err != nil {
		return false, fmt.Errorf("storage: check ingested file: %w", err)
	}
	return match, nil
}

// RecordIngestedFile stores (or refreshes) the content hash of an
// imported file.
func (db *DB) RecordIngestedFile(ctx context.Context, userID, path, sha256 string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ingested_files (user_id, file_path, sha256, ingested_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, file_path) DO UPDATE SET
		   sha256 = EXCLUDED.sha256, ingested_at = now()`,
		userID, path, sha256,
	)
	if err != nil {
		return fmt.Errorf("storage: record ingested file: %w", err)
	}
	return nil
}
