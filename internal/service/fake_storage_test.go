package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helioform/polyscape/internal/storage"
)

// fakeStore is an in-memory ObjectStorage for service tests.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
}

func (f *fakeStore) put(key string, data []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
}

func (f *fakeStore) keysWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.put(key, data, contentType)
	return nil
}

func (f *fakeStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return &storage.ObjectInfo{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: f.types[key],
	}, nil
}

func (f *fakeStore) GetURL(key string) string {
	return "http://fake-store/" + key
}

func (f *fakeStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return "http://fake-store/put/" + key, nil
}

func (f *fakeStore) PresignGet(ctx context.Context, key, filename, disposition string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("http://fake-store/get/%s?disposition=%s&filename=%s", key, disposition, filename), nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.types, key)
	return nil
}

// DeletePrefix walks matching keys in pages of 1000, like a real object
// store listing would.
func (f *fakeStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	for {
		keys := f.keysWithPrefix(prefix)
		if len(keys) == 0 {
			return deleted, nil
		}
		if len(keys) > 1000 {
			keys = keys[:1000]
		}
		f.mu.Lock()
		for _, k := range keys {
			delete(f.objects, k)
			delete(f.types, k)
			deleted++
		}
		f.mu.Unlock()
	}
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) EnsureBucket(ctx context.Context) error {
	return nil
}

var _ storage.ObjectStorage = (*fakeStore)(nil)
