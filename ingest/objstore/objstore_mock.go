package objstore

import (
	"context"
	"io"
)

// ObjectStoreMock is a test double for the ObjectStore interface.
type ObjectStoreMock struct {
	PutFunc func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	GetFunc func(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
}

func (m *ObjectStoreMock) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	return m.PutFunc(ctx, bucket, obj, reader, size, contentType)
}

func (m *ObjectStoreMock) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return m.GetFunc(ctx, bucket, obj)
}

// GenerateObjectStoreMock returns a mock whose operations succeed.
func GenerateObjectStoreMock() *ObjectStoreMock {
	return &ObjectStoreMock{
		PutFunc: func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
			return nil
		},
		GetFunc: func(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
			return nil, nil
		},
	}
}
