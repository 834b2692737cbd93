// Package objstore archives ingested source files so a failed batch can be
// replayed from the original bytes.
package objstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
)

// ObjectStore is the archive surface the upload path needs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
}

// MinioObjStore backs the archive with a MinIO (or S3-compatible) endpoint.
type MinioObjStore struct {
	client *minio.Client
}

func NewMinioObjectStore(client *minio.Client) *MinioObjStore {
	return &MinioObjStore{client: client}
}

func (s *MinioObjStore) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, obj, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *MinioObjStore) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, obj, minio.GetObjectOptions{})
}

// ArchiveKey names an archived source file by batch so operators can find
// the exact bytes a batch processed.
func ArchiveKey(batchID, filename string) string {
	return fmt.Sprintf("intake/%s/%s/%s", time.Now().UTC().Format("2006-01-02"), batchID, filename)
}
