// Package memory keeps job history and converted artifacts in process memory
// for development and tests.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore is a convert.BlobStore backed by a map. Keys are cleaned
// slash paths; URIs use the memory:// scheme.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

var _ convert.BlobStore = (*BlobStore)(nil)

// NewBlobStore returns an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: map[string]object{}}
}

// PutObject buffers data and stores it under key, replacing any previous
// object.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, data io.Reader) (string, error) {
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return "", fmt.Errorf("buffer %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[name] = object{data: buf.Bytes(), contentType: contentType}
	s.mu.Unlock()
	return "memory://" + name, nil
}

// Object returns a copy of the object stored under key.
func (s *BlobStore) Object(key string) ([]byte, string, bool) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.data), obj.contentType, true
}

// Keys lists stored keys in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	name := strings.TrimPrefix(path.Clean("/"+key), "/")
	if name == "" {
		return "", fmt.Errorf("object key %q is empty after cleaning", key)
	}
	return name, nil
}
