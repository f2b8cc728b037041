package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rebaser/apperror"
	"rebaser/cas"
)

// BlobKind names the family of a stored blob.
type BlobKind string

const (
	BlobSnapshot    BlobKind = "snapshot"
	BlobUpdates     BlobKind = "updates"
	BlobChangeBatch BlobKind = "change_batch"
)

// PutBlob stores data under the BLAKE3 hash of its bytes and returns that
// address. Writing the same bytes again keeps the stored copy and restarts
// its eviction grace period.
func (db *DB) PutBlob(ctx context.Context, kind BlobKind, data []byte) (cas.Hash, error) {
	addr := cas.Sum(data)
	compressed := db.enc.EncodeAll(data, nil)
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO blobs (address, kind, size, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET created_at = excluded.created_at`,
		addr, kind, len(data), compressed, db.now(),
	)
	if err != nil {
		return cas.ZeroHash, apperror.Store("inserting blob", err)
	}
	return addr, nil
}

// GetBlob reads the blob stored under addr and verifies its address.
func (db *DB) GetBlob(ctx context.Context, addr cas.Hash) ([]byte, error) {
	var compressed []byte
	var size int
	err := db.conn.QueryRowContext(ctx,
		`SELECT size, data FROM blobs WHERE address = ?`, addr,
	).Scan(&size, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", addr.Short(), ErrBlobNotFound)
	}
	if err != nil {
		return nil, apperror.Store("querying blob", err)
	}

	data, err := db.dec.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, apperror.Serialization("decompressing blob "+addr.Short(), err)
	}
	if got := cas.Sum(data); got != addr {
		return nil, apperror.InvariantViolation("blob %s hashes to %s", addr.Short(), got.Short())
	}
	return data, nil
}

// HasBlob reports whether addr is stored.
func (db *DB) HasBlob(ctx context.Context, addr cas.Hash) (bool, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blobs WHERE address = ?`, addr,
	).Scan(&count); err != nil {
		return false, apperror.Store("checking blob", err)
	}
	return count > 0, nil
}

// EvictSnapshot deletes the snapshot stored under addr when no change set
// points at it and it is older than grace. It reports whether a blob was
// deleted.
func (db *DB) EvictSnapshot(ctx context.Context, addr cas.Hash, grace time.Duration) (bool, error) {
	cutoff := db.now() - grace.Milliseconds()
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM blobs
		 WHERE address = ? AND kind = ? AND created_at <= ?
		   AND NOT EXISTS (SELECT 1 FROM change_sets WHERE snapshot = blobs.address)`,
		addr, BlobSnapshot, cutoff,
	)
	if err != nil {
		return false, apperror.Store("evicting snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperror.Store("evicting snapshot", err)
	}
	return n > 0, nil
}

// CollectSnapshots evicts every unreferenced snapshot older than grace and
// returns how many were deleted.
func (db *DB) CollectSnapshots(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := db.now() - grace.Milliseconds()
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM blobs
		 WHERE kind = ? AND created_at <= ?
		   AND NOT EXISTS (SELECT 1 FROM change_sets WHERE snapshot = blobs.address)`,
		BlobSnapshot, cutoff,
	)
	if err != nil {
		return 0, apperror.Store("collecting snapshots", err)
	}
	return res.RowsAffected()
}
