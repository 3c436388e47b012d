package metadata

import (
	"context"
	"sync"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/resource"
	"github.com/google/uuid"
)

type inMemStore struct {
	mu        sync.RWMutex
	resources []*resource.Resource
	byID      map[string]int
	users     map[string]*account.User
}

// NewInMemStore creates an in-memory store - use this _only_ for testing
func NewInMemStore() Store {
	log.Info("Creating in-memory metadata store")
	return &inMemStore{
		byID:  make(map[string]int),
		users: make(map[string]*account.User),
	}
}

func (s *inMemStore) SaveResource(ctx context.Context, r *resource.Resource) error {
	if err := checkSavable(r); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return dbError("save_resource", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New().String()
	s.byID[r.ID] = len(s.resources)
	s.resources = append(s.resources, copyResource(r))
	return nil
}

func (s *inMemStore) FindResource(ctx context.Context, id string) (*resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return copyResource(s.resources[i]), nil
}

func (s *inMemStore) FindOwnedResources(ctx context.Context, owner string, page, pageSize int) ([]*resource.Resource, error) {
	skip, limit := Page(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*resource.Resource
	for _, r := range s.resources {
		if r.Owner != owner {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		result = append(result, copyResource(r))
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *inMemStore) UpdateResource(ctx context.Context, r *resource.Resource) error {
	if r.ID == "" {
		return ErrMissingIdentifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[r.ID]
	if !ok {
		return ErrResourceNotFound
	}
	s.resources[i] = copyResource(r)
	return nil
}

func (s *inMemStore) GetUserByName(ctx context.Context, username string) (*account.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	found := *u
	return &found, nil
}

func (s *inMemStore) SaveUser(ctx context.Context, u *account.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return ErrUserExists
	}
	saved := *u
	s.users[u.Username] = &saved
	return nil
}

func (s *inMemStore) UserExists(ctx context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok, nil
}

func (s *inMemStore) Close() error {
	return nil
}

func copyResource(r *resource.Resource) *resource.Resource {
	c := *r
	c.Access = append([]resource.AccessRight(nil), r.Access...)
	return &c
}
