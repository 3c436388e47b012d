// Package storage defines the contract between resources and the blob
// backends that hold their bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Handle identifies an allocated location in a blob backend.
// The ID is what gets persisted with the resource metadata.
type Handle interface {
	ID() string
}

// Backend is an abstraction over a remote blob store. A backend only knows
// about opaque blobs; it performs no permission checks.
type Backend interface {
	// Name identifies the backend kind (e.g. "seaweed")
	Name() string

	// Allocate reserves a new location for a blob
	Allocate(ctx context.Context) (Handle, error)

	// Read opens a single-pass stream over the blob at h
	Read(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Write stores content at h, replacing anything already there
	Write(ctx context.Context, h Handle, contentType string, content io.Reader) error

	// Handle rebuilds a handle from its persisted ID
	Handle(id string) (Handle, error)
}

// ErrBlobNotFound is returned when reading a location that holds no data
var ErrBlobNotFound = errors.New("blob not found")

// ErrInvalidHandle is returned when a handle does not belong to a backend
var ErrInvalidHandle = errors.New("invalid storage handle")

// AllocationError is returned when a backend cannot produce a new location
type AllocationError struct {
	Backend   string
	Err       error
	retryable bool
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: allocation failed: %v", e.Backend, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed
func (e *AllocationError) Retryable() bool { return e.retryable }

// UploadError is returned when writing a blob fails
type UploadError struct {
	Backend   string
	HandleID  string
	Err       error
	retryable bool
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: upload of %s failed: %v", e.Backend, e.HandleID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed
func (e *UploadError) Retryable() bool { return e.retryable }

// DownloadError is returned when reading a blob fails
type DownloadError struct {
	Backend   string
	HandleID  string
	Err       error
	retryable bool
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: download of %s failed: %v", e.Backend, e.HandleID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed
func (e *DownloadError) Retryable() bool { return e.retryable }

// NewAllocationError wraps err as an allocation failure of backend
func NewAllocationError(backend string, err error, retryable bool) error {
	return &AllocationError{Backend: backend, Err: err, retryable: retryable}
}

// NewUploadError wraps err as an upload failure of h on backend
func NewUploadError(backend string, h Handle, err error, retryable bool) error {
	return &UploadError{Backend: backend, HandleID: handleID(h), Err: err, retryable: retryable}
}

// NewDownloadError wraps err as a download failure of h on backend
func NewDownloadError(backend string, h Handle, err error, retryable bool) error {
	return &DownloadError{Backend: backend, HandleID: handleID(h), Err: err, retryable: retryable}
}

// IsRetryable reports whether err is a backend failure that may succeed on retry
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

func handleID(h Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.ID()
}
