package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncedFile is an upstream file as listed when a sync last applied it.
type SyncedFile struct {
	Name         string
	Size         int64
	LastModified time.Time
	Fingerprint  string
	SyncedAt     time.Time
}

// SyncedFiles returns the files last applied from source, keyed by name.
func (s *Store) SyncedFiles(ctx context.Context, source string) (map[string]SyncedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, size, last_modified, fingerprint, synced_at
		FROM sync_files WHERE source = ?
	`, source)
	if err != nil {
		return nil, fmt.Errorf("query sync files: %w", err)
	}
	defer rows.Close()

	files := make(map[string]SyncedFile)
	for rows.Next() {
		var f SyncedFile
		var modified sql.NullTime
		if err := rows.Scan(&f.Name, &f.Size, &modified, &f.Fingerprint, &f.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan sync file: %w", err)
		}
		if modified.Valid {
			f.LastModified = modified.Time
		}
		files[f.Name] = f
	}
	return files, rows.Err()
}

// RecordSyncedFile marks f as applied from source.
func (t *SyncTx) RecordSyncedFile(ctx context.Context, source string, f SyncedFile) error {
	var modified sql.NullTime
	if !f.LastModified.IsZero() {
		modified = sql.NullTime{Time: f.LastModified.UTC(), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_files (source, name, size, last_modified, fingerprint, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, name) DO UPDATE SET
			size = excluded.size,
			last_modified = excluded.last_modified,
			fingerprint = excluded.fingerprint,
			synced_at = excluded.synced_at
	`, source, f.Name, f.Size, modified, f.Fingerprint, t.now)
	if err != nil {
		return fmt.Errorf("record sync file %s: %w", f.Name, err)
	}
	return nil
}

// ForgetSyncedFilesExcept drops the records of files from source that are
// no longer listed upstream, so a file that reappears is applied again.
func (t *SyncTx) ForgetSyncedFilesExcept(ctx context.Context, source string, keep map[string]bool) (int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT name FROM sync_files WHERE source = ?`, source)
	if err != nil {
		return 0, fmt.Errorf("query sync files: %w", err)
	}
	var gone []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[name] {
			gone = append(gone, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, name := range gone {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_files WHERE source = ? AND name = ?`, source, name); err != nil {
			return 0, fmt.Errorf("forget sync file %s: %w", name, err)
		}
	}
	return len(gone), nil
}
