// Package media orchestrates uploads and downloads across the blob backend
// and the metadata store, and owns account registration and login.
package media

import (
	"context"
	"errors"
	"io"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/credential"
	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/resource"
	"github.com/MalauD/Pixure/session"
	"github.com/MalauD/Pixure/storage"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("logger", "media")

// ErrUnauthenticated is returned when an operation needs a logged in requester
var ErrUnauthenticated = errors.New("authentication required")

// Service is the entry point for every media and account operation
type Service struct {
	backend  storage.Backend
	store    metadata.Store
	sessions *session.Directory
}

// NewService creates a service storing bytes in backend and metadata in store
func NewService(backend storage.Backend, store metadata.Store, sessions *session.Directory) *Service {
	return &Service{
		backend:  backend,
		store:    store,
		sessions: sessions,
	}
}

// Upload stores data as a new private resource owned by requester. The
// metadata is persisted only once the bytes are written, so an aborted upload
// leaves no record behind.
func (s *Service) Upload(ctx context.Context, requester string, contentType string, data io.Reader) (*resource.Resource, error) {
	if requester == "" {
		return nil, ErrUnauthenticated
	}
	r := resource.New(contentType, requester)
	if err := r.Allocate(ctx, s.backend); err != nil {
		return nil, err
	}
	if err := r.Save(ctx, s.backend, requester, data); err != nil {
		log.WithField("owner", requester).WithField("storage_id", r.Storage.ID()).WithError(err).Warn("Upload failed, not persisting resource")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.SaveResource(ctx, r); err != nil {
		return nil, err
	}
	log.WithField("owner", requester).WithField("resource_id", r.ID).WithField("content_type", r.ContentType).Info("Created resource")
	return r, nil
}

// Fetch opens resource id for requester
func (s *Service) Fetch(ctx context.Context, requester string, id string) (*resource.Resource, io.ReadCloser, error) {
	r, err := s.store.FindResource(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	body, err := r.Read(ctx, s.backend, requester)
	if err != nil {
		return nil, nil, err
	}
	return r, body, nil
}

// Overwrite replaces the bytes of resource id on behalf of requester
func (s *Service) Overwrite(ctx context.Context, requester string, id string, data io.Reader) (*resource.Resource, error) {
	r, err := s.store.FindResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Save(ctx, s.backend, requester, data); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateAccess changes the public flags of resource id; only its owner may
func (s *Service) UpdateAccess(ctx context.Context, requester string, id string, readPublic, writePublic *bool) (*resource.Resource, error) {
	return s.updateOwned(ctx, requester, id, func(r *resource.Resource) error {
		r.UpdatePublicAccess(readPublic, writePublic)
		return nil
	})
}

// Grant gives user access to resource id; only its owner may
func (s *Service) Grant(ctx context.Context, requester string, id string, user string, canWrite bool) (*resource.Resource, error) {
	return s.updateOwned(ctx, requester, id, func(r *resource.Resource) error {
		return r.Grant(user, canWrite)
	})
}

// Revoke removes user's access to resource id; only its owner may
func (s *Service) Revoke(ctx context.Context, requester string, id string, user string) (*resource.Resource, error) {
	return s.updateOwned(ctx, requester, id, func(r *resource.Resource) error {
		return r.Revoke(user)
	})
}

// ListOwned lists owner's resources a page at a time
func (s *Service) ListOwned(ctx context.Context, owner string, page, pageSize int) ([]*resource.Resource, error) {
	if owner == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.FindOwnedResources(ctx, owner, page, pageSize)
}

func (s *Service) updateOwned(ctx context.Context, requester string, id string, update func(*resource.Resource) error) (*resource.Resource, error) {
	r, err := s.store.FindResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if requester == "" || requester != r.Owner {
		return nil, &resource.InsufficientPermissionsError{Operation: resource.OpSharing}
	}
	if err := update(r); err != nil {
		return nil, err
	}
	if err := s.store.UpdateResource(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register creates an account and logs it in. It fails with
// metadata.ErrUserExists when the name is taken.
func (s *Service) Register(ctx context.Context, username, password string) (*account.User, error) {
	u, err := account.New(username, password)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	s.sessions.Put(u)
	log.WithField("username", username).Info("Registered user")
	return u, nil
}

// Login checks username and password and logs the user in. Unknown users and
// wrong passwords both fail with credential.ErrMismatchingCredential.
func (s *Service) Login(ctx context.Context, username, password string) (*account.User, error) {
	u, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, metadata.ErrUserNotFound) {
		// spend the same derivation time as a real check
		credential.Derive(username, password)
		return nil, credential.ErrMismatchingCredential
	}
	if err != nil {
		return nil, err
	}
	if err := u.Login(password); err != nil {
		return nil, err
	}
	s.sessions.Put(u)
	return u, nil
}

// Logout forgets username's session
func (s *Service) Logout(username string) {
	s.sessions.Remove(username)
}

// Authenticated returns the logged in user named username
func (s *Service) Authenticated(username string) (*account.User, bool) {
	if username == "" {
		return nil, false
	}
	return s.sessions.Get(username)
}
