package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process Client used by tests and single-binary demos.
type Memory struct {
	bucket string
	now    func() time.Time

	mu      sync.Mutex
	objects map[string]memoryObject
}

func NewMemory(bucket string) *Memory {
	if strings.TrimSpace(bucket) == "" {
		bucket = "memory"
	}
	return &Memory{
		bucket:  bucket,
		now:     time.Now,
		objects: make(map[string]memoryObject),
	}
}

func (m *Memory) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (PresignedRequest, error) {
	if ttl <= 0 {
		return PresignedRequest{}, fmt.Errorf("objectstore: presign ttl must be positive")
	}
	expiresAt := m.now().UTC().Add(ttl)
	target := url.URL{
		Scheme:   "memory",
		Host:     m.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(expiresAt.Unix())}}.Encode(),
	}
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	return PresignedRequest{URL: target.String(), Method: http.MethodPut, Headers: headers, ExpiresAt: expiresAt}, nil
}

func (m *Memory) Download(ctx context.Context, key, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	object, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: %w", key, ErrNotFound)
	}
	return os.WriteFile(dstPath, object.data, 0o600)
}

func (m *Memory) Upload(ctx context.Context, key, srcPath, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	m.Put(key, data, contentType)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Keys(prefix), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PublicURL(key string) string {
	return joinURL("memory://"+m.bucket, key)
}

// Put stores an object directly, standing in for a client-side upload.
func (m *Memory) Put(key string, data []byte, contentType string) {
	m.mu.Lock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	m.mu.Unlock()
}

// Object returns the stored bytes and content type for key.
func (m *Memory) Object(key string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	object, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), object.data...), object.contentType, true
}

// Keys lists stored keys under prefix in lexical order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
