package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/MalauD/Pixure/credential"
	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/resource"
	"github.com/MalauD/Pixure/session"
	"github.com/MalauD/Pixure/storage"
	"github.com/MalauD/Pixure/storage/seaweed"
	"github.com/MalauD/Pixure/storage/seaweed/seaweedtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpeg = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00 some jpeg payload \xff\xd9")

func withService(t *testing.T, testFunc func(s *Service, store metadata.Store)) {
	store := metadata.NewInMemStore()
	testFunc(NewService(storage.NewInMemBackend(), store, session.NewDirectory()), store)
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// cancellingReader cancels its context once the upload has started reading
type cancellingReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	c.cancel()
	return c.r.Read(p)
}

func TestAliceUploadsAndBobIsDenied(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		r, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
		require.NoError(t, err)
		assert.Equal(t, "alice", r.Owner)
		assert.False(t, r.ReadPublic)
		assert.Equal(t, "image/jpeg", r.ContentType)

		_, _, err = s.Fetch(context.Background(), "bob", r.ID)
		assert.True(t, resource.IsInsufficientPermissions(err))

		found, body, err := s.Fetch(context.Background(), "alice", r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, found.ID)
		assert.Equal(t, jpeg, readAll(t, body))
	})
}

func TestAnonymousUploadIsRejected(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		_, err := s.Upload(context.Background(), "", "image/jpeg", bytes.NewReader(jpeg))
		assert.Equal(t, ErrUnauthenticated, err)
	})
}

func TestCancelledUploadPersistsNothing(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Upload(ctx, "alice", "image/jpeg", bytes.NewReader(jpeg))
		require.Error(t, err)

		owned, err := store.FindOwnedResources(context.Background(), "alice", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})
}

func TestUploadCancelledMidStreamPersistsNothing(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := s.Upload(ctx, "alice", "image/jpeg", &cancellingReader{r: bytes.NewReader(jpeg), cancel: cancel})
		assert.True(t, errors.Is(err, context.Canceled))

		owned, err := store.FindOwnedResources(context.Background(), "alice", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})
}

func TestFetchUnknownResource(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		_, _, err := s.Fetch(context.Background(), "alice", "nope")
		assert.Equal(t, metadata.ErrResourceNotFound, err)
	})
}

func TestPublicResourceIsFetchedAnonymously(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		r, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
		require.NoError(t, err)

		public := true
		_, err = s.UpdateAccess(context.Background(), "alice", r.ID, &public, nil)
		require.NoError(t, err)

		_, body, err := s.Fetch(context.Background(), "", r.ID)
		require.NoError(t, err)
		assert.Equal(t, jpeg, readAll(t, body))
	})
}

func TestOnlyOwnerChangesAccess(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		r, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
		require.NoError(t, err)
		_, err = s.Grant(context.Background(), "alice", r.ID, "bob", true)
		require.NoError(t, err)

		public := true
		_, err = s.UpdateAccess(context.Background(), "bob", r.ID, &public, &public)
		assert.True(t, resource.IsInsufficientPermissions(err))
		_, err = s.Grant(context.Background(), "bob", r.ID, "carol", true)
		assert.True(t, resource.IsInsufficientPermissions(err))
		_, err = s.Revoke(context.Background(), "", r.ID, "bob")
		assert.True(t, resource.IsInsufficientPermissions(err))

		found, err := store.FindResource(context.Background(), r.ID)
		require.NoError(t, err)
		assert.False(t, found.ReadPublic)
		assert.False(t, found.CanRead("carol"))
	})
}

func TestGrantedWriterOverwritesAndRevokedLosesAccess(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		r, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
		require.NoError(t, err)

		_, err = s.Overwrite(context.Background(), "bob", r.ID, strings.NewReader("defaced"))
		assert.True(t, resource.IsInsufficientPermissions(err))

		_, err = s.Grant(context.Background(), "alice", r.ID, "bob", true)
		require.NoError(t, err)
		_, err = s.Overwrite(context.Background(), "bob", r.ID, strings.NewReader("edited"))
		require.NoError(t, err)

		_, body, err := s.Fetch(context.Background(), "alice", r.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited", string(readAll(t, body)))

		_, err = s.Revoke(context.Background(), "alice", r.ID, "bob")
		require.NoError(t, err)
		_, _, err = s.Fetch(context.Background(), "bob", r.ID)
		assert.True(t, resource.IsInsufficientPermissions(err))
	})
}

func TestListOwnedPages(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		for i := 0; i < 12; i++ {
			_, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
			require.NoError(t, err)
		}
		_, err := s.Upload(context.Background(), "bob", "image/png", bytes.NewReader(jpeg))
		require.NoError(t, err)

		first, err := s.ListOwned(context.Background(), "alice", 0, 10)
		require.NoError(t, err)
		second, err := s.ListOwned(context.Background(), "alice", 1, 10)
		require.NoError(t, err)
		assert.Len(t, first, 10)
		assert.Len(t, second, 2)

		_, err = s.ListOwned(context.Background(), "", 0, 10)
		assert.Equal(t, ErrUnauthenticated, err)
	})
}

func TestRegisterLoginScenario(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		u, err := s.Register(context.Background(), "alice", "pw1")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)

		_, ok := s.Authenticated("alice")
		assert.True(t, ok)
		s.Logout("alice")
		_, ok = s.Authenticated("alice")
		assert.False(t, ok)

		_, err = s.Login(context.Background(), "alice", "pw1")
		require.NoError(t, err)
		_, ok = s.Authenticated("alice")
		assert.True(t, ok)

		_, err = s.Login(context.Background(), "alice", "wrong")
		assert.Equal(t, credential.ErrMismatchingCredential, err)

		_, err = s.Register(context.Background(), "alice", "pw2")
		assert.Equal(t, metadata.ErrUserExists, err)
	})
}

func TestLoginOfUnknownUserLooksLikeMismatch(t *testing.T) {
	withService(t, func(s *Service, store metadata.Store) {
		_, err := s.Login(context.Background(), "nobody", "pw1")
		assert.Equal(t, credential.ErrMismatchingCredential, err)
		_, ok := s.Authenticated("nobody")
		assert.False(t, ok)
	})
}

func TestUploadThroughSeaweed(t *testing.T) {
	cluster := seaweedtest.NewCluster()
	defer cluster.Close()
	backend, err := seaweed.New(cluster.Master.URL, 0)
	require.NoError(t, err)

	store := metadata.NewInMemStore()
	s := NewService(backend, store, session.NewDirectory())

	r, err := s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
	require.NoError(t, err)

	stored, contentType, ok := cluster.Blob(r.Storage.ID())
	require.True(t, ok)
	assert.Equal(t, jpeg, stored)
	assert.Equal(t, "image/jpeg", contentType)

	_, body, err := s.Fetch(context.Background(), "alice", r.ID)
	require.NoError(t, err)
	assert.Equal(t, jpeg, readAll(t, body))
}

func TestFailedBlobWritePersistsNothing(t *testing.T) {
	cluster := seaweedtest.NewCluster()
	defer cluster.Close()
	cluster.FailUploads(true)
	backend, err := seaweed.New(cluster.Master.URL, 0)
	require.NoError(t, err)

	store := metadata.NewInMemStore()
	s := NewService(backend, store, session.NewDirectory())

	_, err = s.Upload(context.Background(), "alice", "image/jpeg", bytes.NewReader(jpeg))
	var uploadErr *storage.UploadError
	require.True(t, errors.As(err, &uploadErr))

	owned, err := store.FindOwnedResources(context.Background(), "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, owned)
}
