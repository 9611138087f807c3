// Package storage offloads record content that is too large to travel
// inline in a JetStream message.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a referenced blob does not exist.
var ErrNotFound = errors.New("blob not found")

// ContentStore uploads and downloads opaque content.
type ContentStore interface {
	// UploadContent stores data under blobPath and returns a reference URL.
	UploadContent(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)

	// DownloadContent returns the data behind a reference returned by UploadContent.
	DownloadContent(ctx context.Context, reference string) ([]byte, error)
}

// MemoryStore is an in-process ContentStore for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	baseURL  string
	blobs    map[string][]byte
	metadata map[string]map[string]string
}

var _ ContentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. References look like
// "memory://<container>/<path>".
func NewMemoryStore(container string) *MemoryStore {
	if container == "" {
		container = "records"
	}
	return &MemoryStore{
		baseURL:  "memory://" + container,
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

// UploadContent implements ContentStore.
func (s *MemoryStore) UploadContent(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	blobPath = strings.TrimPrefix(blobPath, "/")
	if blobPath == "" {
		return "", fmt.Errorf("blob path is required")
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[blobPath] = append([]byte(nil), data...)
	s.metadata[blobPath] = md
	return s.baseURL + "/" + blobPath, nil
}

// DownloadContent implements ContentStore.
func (s *MemoryStore) DownloadContent(ctx context.Context, reference string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blobPath := strings.TrimPrefix(strings.TrimPrefix(reference, s.baseURL), "/")

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[blobPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, blobPath)
	}
	return append([]byte(nil), data...), nil
}

// Metadata returns the metadata stored with a blob.
func (s *MemoryStore) Metadata(blobPath string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[blobPath]
}

// Paths returns all stored blob paths in sorted order.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
