package storage

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strconv"
	"sync"
)

// MemHandle is the handle type of the in-memory backend
type MemHandle string

// ID implements Handle
func (h MemHandle) ID() string { return string(h) }

type inMemBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
	count int
}

// NewInMemBackend creates an in-mem blob backend - use this _only_ for testing - it will eat ur RAMz
func NewInMemBackend() Backend {
	return &inMemBackend{blobs: make(map[string][]byte)}
}

func (s *inMemBackend) Name() string { return "inmem" }

// Allocate implements Backend
func (s *inMemBackend) Allocate(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewAllocationError(s.Name(), err, false)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strconv.Itoa(s.count)
	s.count++
	return MemHandle(id), nil
}

// Read implements Backend
func (s *inMemBackend) Read(ctx context.Context, h Handle) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[h.ID()]

	if !ok {
		return nil, NewDownloadError(s.Name(), h, ErrBlobNotFound, false)
	}

	return ioutil.NopCloser(bytes.NewReader(blob)), nil
}

// Write implements Backend
func (s *inMemBackend) Write(ctx context.Context, h Handle, contentType string, data io.Reader) error {
	buf := bytes.Buffer{}
	if _, err := buf.ReadFrom(data); err != nil {
		return NewUploadError(s.Name(), h, err, false)
	}
	if err := ctx.Err(); err != nil {
		return NewUploadError(s.Name(), h, err, false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[h.ID()] = buf.Bytes()
	return nil
}

// Handle implements Backend
func (s *inMemBackend) Handle(id string) (Handle, error) {
	if _, err := strconv.Atoi(id); err != nil {
		return nil, ErrInvalidHandle
	}
	return MemHandle(id), nil
}
