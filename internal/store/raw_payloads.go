package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is a stored upstream document, such as a station manifest.
type RawPayload struct {
	ID                int64
	SyncRunID         sql.NullString
	FetchedAt         time.Time
	Source            string
	Resource          string
	PayloadCompressed []byte
	PayloadHash       string
}

// StoreRawPayload stores a gzip-compressed copy of payload as part of the
// sync. Returns the payload ID, or 0 if the payload was a duplicate.
func (t *SyncTx) StoreRawPayload(ctx context.Context, runID, source, resource string, payload []byte) (int64, error) {
	compressed, hashHex, err := compressPayload(payload)
	if err != nil {
		return 0, err
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(sync_run_id, fetched_at, source, resource, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, nullString(runID), t.now, source, resource, compressed, hashHex)
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

func compressPayload(payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, "", fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("close gzip: %w", err)
	}
	hash := sha256.Sum256(payload)
	return buf.Bytes(), hex.EncodeToString(hash[:]), nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// LatestRawPayload returns the most recently stored payload for a source
// resource, or nil.
func (s *Store) LatestRawPayload(ctx context.Context, source, resource string) (*RawPayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sync_run_id, fetched_at, source, resource, payload_compressed, payload_hash
		FROM raw_payloads
		WHERE source = ? AND resource = ?
		ORDER BY id DESC
		LIMIT 1
	`, source, resource)

	var p RawPayload
	err := row.Scan(&p.ID, &p.SyncRunID, &p.FetchedAt, &p.Source, &p.Resource, &p.PayloadCompressed, &p.PayloadHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CleanupOldRawPayloads deletes raw payloads older than the specified number of days.
// Returns the number of deleted records.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM raw_payloads
		WHERE fetched_at < ?
	`, time.Now().UTC().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
