// Package memstore provides an in-memory object store for development and
// tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

type object struct {
	data        []byte
	contentType string
}

// Storage keeps objects in memory.
type Storage struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

var _ outbound.ObjectStoragePort = (*Storage)(nil)

// New creates an in-memory store whose URLs start with baseURL.
func New(baseURL string) *Storage {
	if baseURL == "" {
		baseURL = "memory://objects"
	}
	return &Storage{
		objects: make(map[string]object),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// URL returns the stable URL for key.
func (s *Storage) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Put stores the object.
func (s *Storage) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	s.mu.Lock()
	s.objects[key] = object{data: data, contentType: contentType}
	s.mu.Unlock()

	return s.URL(key), nil
}

// Get returns the object.
func (s *Storage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, outbound.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes the object.
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
