// Package metadata persists resources and user accounts. Blob bytes never go
// through this package; resources only carry the persisted id of their
// storage handle.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/resource"
	"github.com/MalauD/Pixure/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("logger", "metadata")

const (
	// MinBatchSize bounds below how many documents a listing cursor fetches per round trip
	MinBatchSize = 50

	// MaxPageSize caps the page size of FindOwnedResources
	MaxPageSize = 100
)

var (
	// ErrResourceNotFound is returned when no resource has the requested id
	ErrResourceNotFound = errors.New("resource not found")
	// ErrUserNotFound is returned when no user has the requested name
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when saving a user whose name is taken
	ErrUserExists = errors.New("user already exists")
	// ErrMissingIdentifier is returned when updating a resource that was never saved
	ErrMissingIdentifier = errors.New("resource has no identifier")
)

// DatabaseError wraps any failure of the underlying database
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func dbError(op string, err error) error {
	log.WithField("op", op).WithError(err).Error("Database call failed")
	return &DatabaseError{Op: op, Err: err}
}

// Handles rebuilds storage handles from their persisted ids; every storage.Backend is one
type Handles interface {
	Handle(id string) (storage.Handle, error)
}

// Store persists resources and users
type Store interface {
	// SaveResource inserts r as a new record and sets r.ID. r must be allocated.
	SaveResource(ctx context.Context, r *resource.Resource) error

	FindResource(ctx context.Context, id string) (*resource.Resource, error)

	// FindOwnedResources lists owner's resources in insertion order, pageSize at a time
	FindOwnedResources(ctx context.Context, owner string, page, pageSize int) ([]*resource.Resource, error)

	// UpdateResource replaces the stored record with r
	UpdateResource(ctx context.Context, r *resource.Resource) error

	GetUserByName(ctx context.Context, username string) (*account.User, error)

	// SaveUser inserts u, failing with ErrUserExists when the name is taken
	SaveUser(ctx context.Context, u *account.User) error

	UserExists(ctx context.Context, username string) (bool, error)

	Close() error
}

// MaxSkip bounds the offset of a listing so page*limit cannot overflow
const MaxSkip = math.MaxInt32

// Page turns a page number and requested size into skip and limit,
// clamping the size to [1, MaxPageSize] and the skip to [0, MaxSkip]
func Page(page, pageSize int) (skip, limit int) {
	limit = pageSize
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if page < 0 {
		page = 0
	}
	if page > MaxSkip/limit {
		return MaxSkip, limit
	}
	return page * limit, limit
}

// BatchSize is the cursor batch size used to fetch a page of limit documents
func BatchSize(limit int) int {
	if limit < MinBatchSize {
		return MinBatchSize
	}
	return limit
}

func checkSavable(r *resource.Resource) error {
	if !r.IsAllocated() {
		return resource.ErrNotAllocated
	}
	return nil
}

func storageID(r *resource.Resource) string {
	if r.Storage == nil {
		return ""
	}
	return r.Storage.ID()
}

func rebuildHandle(handles Handles, id string) (storage.Handle, error) {
	if id == "" {
		return nil, nil
	}
	h, err := handles.Handle(id)
	if err != nil {
		return nil, fmt.Errorf("stored handle %q: %w", id, err)
	}
	return h, nil
}
