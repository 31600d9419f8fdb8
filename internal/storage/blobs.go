package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// PutBlob stores data under bucket/key, replacing any existing value in a
// single statement so readers see either the old or the new bytes.
func (db *DB) PutBlob(ctx context.Context, bucket, key string, data []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (bucket, key, data, updated_at) VALUES (?, ?, ?, datetime('now'))`,
		bucket, key, data)
	if err != nil {
		return fmt.Errorf("put blob %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetBlob returns the bytes stored under bucket/key or ErrNotFound.
func (db *DB) GetBlob(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE bucket = ? AND key = ?`, bucket, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// ListBlobs returns keys in bucket starting with prefix, in key order.
func (db *DB) ListBlobs(ctx context.Context, bucket, prefix string) ([]string, error) {
	query := `SELECT key FROM blobs WHERE bucket = ? AND key >= ?`
	args := []any{bucket, prefix}
	if upper, ok := prefixUpperBound(prefix); ok {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	rows, err := db.QueryContext(ctx, query+` ORDER BY key`, args...)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteBlob removes bucket/key, or returns ErrNotFound if it does not exist.
func (db *DB) DeleteBlob(ctx context.Context, bucket, key string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM blobs WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete blob %s/%s: %w", bucket, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blob %s/%s: %w", bucket, key, ErrNotFound)
	}
	return nil
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix under byte-wise comparison. It reports false when no
// such bound exists (empty prefix or all 0xff bytes).
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
