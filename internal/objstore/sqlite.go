package objstore

import (
	"context"
	"errors"

	"busdelay/internal/storage"
)

// SQLiteBucket stores objects in the service database's blobs table.
// Suitable for single-node deployments without an object store.
type SQLiteBucket struct {
	db     *storage.DB
	bucket string
}

// NewSQLiteBucket returns a bucket named name inside db.
func NewSQLiteBucket(db *storage.DB, name string) *SQLiteBucket {
	return &SQLiteBucket{db: db, bucket: name}
}

func (b *SQLiteBucket) Put(ctx context.Context, key string, data []byte) error {
	return b.db.PutBlob(ctx, b.bucket, key, data)
}

func (b *SQLiteBucket) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.db.GetBlob(ctx, b.bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *SQLiteBucket) List(ctx context.Context, prefix string) ([]string, error) {
	return b.db.ListBlobs(ctx, b.bucket, prefix)
}

func (b *SQLiteBucket) Delete(ctx context.Context, key string) error {
	err := b.db.DeleteBlob(ctx, b.bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
