package logstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectStore is a generic interface for object store operations.
type ObjectStore interface {
	Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
	GetRange(ctx context.Context, bucket, obj string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, obj string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// MinioObjStore is an implementation of ObjectStore using Minio.
type MinioObjStore struct {
	client *minio.Client
}

// NewMinioObjectStore creates a new instance of MinioObjStore with the provided Minio client.
func NewMinioObjectStore(client *minio.Client) *MinioObjStore {
	return &MinioObjStore{client: client}
}

// Put uploads an object to Minio.
func (s *MinioObjStore) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, obj, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Get retrieves an object from Minio.
func (s *MinioObjStore) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, obj, minio.GetObjectOptions{})
}

// GetRange retrieves length bytes of an object starting at offset.
func (s *MinioObjStore) GetRange(ctx context.Context, bucket, obj string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	return s.client.GetObject(ctx, bucket, obj, opts)
}

// Delete removes an object from Minio.
func (s *MinioObjStore) Delete(ctx context.Context, bucket, obj string) error {
	return s.client.RemoveObject(ctx, bucket, obj, minio.RemoveObjectOptions{})
}

// DeletePrefix removes every object under prefix.
func (s *MinioObjStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	objCh := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for info := range objCh {
		if info.Err != nil {
			return info.Err
		}
		if err := s.client.RemoveObject(ctx, bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
