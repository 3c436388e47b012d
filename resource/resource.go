// Package resource is the permission-gated facade over a stored blob. A
// Resource couples the metadata of an upload (owner, content type, access
// list) with the backend handle that locates its bytes, and checks every read
// and write against its access policy.
package resource

import (
	"context"
	"errors"
	"io"
	"mime"
	"strings"

	"github.com/MalauD/Pixure/storage"
)

// DefaultContentType is used for submissions that do not declare one
const DefaultContentType = "application/octet-stream"

// Operations named by InsufficientPermissionsError
const (
	OpReading = "reading"
	OpWriting = "writing"
	OpSharing = "sharing"
)

var (
	// ErrNotAllocated is returned when reading or saving a resource without a storage handle
	ErrNotAllocated = errors.New("resource has no storage allocated")

	// ErrInvalidUser is returned when granting access to an empty username
	ErrInvalidUser = errors.New("invalid user")

	// ErrOwnerAccess is returned when revoking the owner's access entry
	ErrOwnerAccess = errors.New("the owner's access cannot be revoked")
)

// InsufficientPermissionsError is returned when the access policy denies an operation
type InsufficientPermissionsError struct {
	Operation string
}

func (e *InsufficientPermissionsError) Error() string {
	return "insufficient permissions for " + e.Operation
}

// IsInsufficientPermissions reports whether err is a policy denial
func IsInsufficientPermissions(err error) bool {
	var permErr *InsufficientPermissionsError
	return errors.As(err, &permErr)
}

// AccessRight lists a user on a resource. Being listed grants read access;
// CanWrite additionally grants write access.
type AccessRight struct {
	User     string `json:"user" bson:"user"`
	CanWrite bool   `json:"write" bson:"write"`
}

// Resource is an uploaded blob and its access policy. Requesters are
// usernames; the empty string is an anonymous requester.
type Resource struct {
	// ID is assigned by the metadata store on first save
	ID string
	// Storage is set once by Allocate
	Storage     storage.Handle
	ContentType string
	Owner       string
	Access      []AccessRight
	ReadPublic  bool
	WritePublic bool
}

// New creates a private, unallocated resource for a submission by owner
func New(contentType string, owner string) *Resource {
	return &Resource{
		ContentType: Essence(contentType),
		Owner:       owner,
		Access:      []AccessRight{{User: owner, CanWrite: true}},
	}
}

// Essence strips parameters from a MIME type, leaving "type/subtype"
func Essence(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	if mediaType == "" {
		return DefaultContentType
	}
	return mediaType
}

// IsAllocated reports whether the resource has a storage handle
func (r *Resource) IsAllocated() bool {
	return r.Storage != nil
}

// Allocate reserves a backend location for the resource unless it already
// has one. It does not persist anything.
func (r *Resource) Allocate(ctx context.Context, backend storage.Backend) error {
	if r.Storage != nil {
		return nil
	}
	h, err := backend.Allocate(ctx)
	if err != nil {
		return err
	}
	r.Storage = h
	return nil
}

// CanRead reports whether requester may read the resource
func (r *Resource) CanRead(requester string) bool {
	if r.ReadPublic {
		return true
	}
	if requester == "" {
		return false
	}
	if requester == r.Owner {
		return true
	}
	_, ok := r.entry(requester)
	return ok
}

// CanWrite reports whether requester may overwrite the resource's bytes. Only
// the requester's own access entry is considered.
func (r *Resource) CanWrite(requester string) bool {
	if r.WritePublic {
		return true
	}
	if requester == "" {
		return false
	}
	if requester == r.Owner {
		return true
	}
	i, ok := r.entry(requester)
	return ok && r.Access[i].CanWrite
}

// Read opens the resource's bytes for requester
func (r *Resource) Read(ctx context.Context, backend storage.Backend, requester string) (io.ReadCloser, error) {
	if !r.CanRead(requester) {
		return nil, &InsufficientPermissionsError{Operation: OpReading}
	}
	if r.Storage == nil {
		return nil, ErrNotAllocated
	}
	return backend.Read(ctx, r.Storage)
}

// Save replaces the resource's bytes with data on behalf of requester
func (r *Resource) Save(ctx context.Context, backend storage.Backend, requester string, data io.Reader) error {
	if !r.CanWrite(requester) {
		return &InsufficientPermissionsError{Operation: OpWriting}
	}
	if r.Storage == nil {
		return ErrNotAllocated
	}
	return backend.Write(ctx, r.Storage, r.ContentType, data)
}

// UpdatePublicAccess sets the public flags; a nil flag is left unchanged
func (r *Resource) UpdatePublicAccess(readPublic, writePublic *bool) {
	if readPublic != nil {
		r.ReadPublic = *readPublic
	}
	if writePublic != nil {
		r.WritePublic = *writePublic
	}
}

// Grant adds user to the access list, or updates the existing entry in place
func (r *Resource) Grant(user string, canWrite bool) error {
	if user == "" {
		return ErrInvalidUser
	}
	if user == r.Owner {
		canWrite = true
	}
	if i, ok := r.entry(user); ok {
		r.Access[i].CanWrite = canWrite
		return nil
	}
	r.Access = append(r.Access, AccessRight{User: user, CanWrite: canWrite})
	return nil
}

// Revoke removes user from the access list. Revoking an unlisted user is a no-op.
func (r *Resource) Revoke(user string) error {
	if user == r.Owner {
		return ErrOwnerAccess
	}
	if i, ok := r.entry(user); ok {
		r.Access = append(r.Access[:i], r.Access[i+1:]...)
	}
	return nil
}

// MigrateLegacyAccess replaces the access list with one built from the older
// parallel reader and writer lists. Readers keep their order, writers missing
// from the reader list follow, and the owner is always listed first with
// write access.
func (r *Resource) MigrateLegacyAccess(readers, writers []string) {
	canWrite := make(map[string]bool, len(writers))
	for _, w := range writers {
		canWrite[w] = true
	}

	access := []AccessRight{{User: r.Owner, CanWrite: true}}
	seen := map[string]bool{r.Owner: true}
	add := func(user string) {
		if user == "" || seen[user] {
			return
		}
		seen[user] = true
		access = append(access, AccessRight{User: user, CanWrite: canWrite[user]})
	}
	for _, u := range readers {
		add(u)
	}
	for _, u := range writers {
		add(u)
	}
	r.Access = access
}

func (r *Resource) entry(user string) (int, bool) {
	for i, a := range r.Access {
		if a.User == user {
			return i, true
		}
	}
	return -1, false
}
