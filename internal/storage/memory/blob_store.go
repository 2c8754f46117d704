// Package memory provides in-process stores for development and local mode.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

type blob struct {
	contentType string
	data        []byte
}

// BlobStore keeps page bodies in a map. Like the durable stores it writes each
// path at most once; later puts to the same path are no-ops.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject stores a copy of data under path and returns a memory:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", errors.New("memory: path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		s.blobs[path] = blob{contentType: contentType, data: append([]byte(nil), data...)}
	}
	return "memory://" + path, nil
}

// Get returns a copy of the body stored at path.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

// ContentType reports the content type recorded for path.
func (s *BlobStore) ContentType(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b.contentType, ok
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
