package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ObjectStoreMock is a mock implementation of the ObjectStore interface.
// The zero-value callbacks read and write an in-memory map, so tests can
// use it as a tiny object store without wiring every hook.
type ObjectStoreMock struct {
	PutFunc      func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	GetFunc      func(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
	GetRangeFunc func(ctx context.Context, bucket, obj string, offset, length int64) (io.ReadCloser, error)
	DeleteFunc   func(ctx context.Context, bucket, obj string) error

	mu      sync.Mutex
	objects map[string][]byte
}

// Put is a mock implementation of the Put method.
func (m *ObjectStoreMock) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, bucket, obj, reader, size, contentType)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+obj] = data
	return nil
}

// Get is a mock implementation of the Get method.
func (m *ObjectStoreMock) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, bucket, obj)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+obj]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, obj)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetRange is a mock implementation of the GetRange method.
func (m *ObjectStoreMock) GetRange(ctx context.Context, bucket, obj string, offset, length int64) (io.ReadCloser, error) {
	if m.GetRangeFunc != nil {
		return m.GetRangeFunc(ctx, bucket, obj, offset, length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+obj]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, obj)
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, fmt.Errorf("range out of bounds for %s/%s", bucket, obj)
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

// Delete is a mock implementation of the Delete method.
func (m *ObjectStoreMock) Delete(ctx context.Context, bucket, obj string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, bucket, obj)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+obj)
	return nil
}

// DeletePrefix removes every stored object under prefix.
func (m *ObjectStoreMock) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

// GenerateObjectStoreMock generates a new mock instance of the ObjectStore interface.
func GenerateObjectStoreMock() *ObjectStoreMock {
	return &ObjectStoreMock{objects: make(map[string][]byte)}
}
