package sanity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/server"
	"github.com/MalauD/Pixure/storage"
	"github.com/MalauD/Pixure/storage/seaweed"
	"github.com/MalauD/Pixure/storage/seaweed/seaweedtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testServer = NewTestServer()

var jpeg = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00 a small photo \xff\xd9")
var png = []byte("\x89PNG\r\n\x1a\n another photo")

func TestAccounts(t *testing.T) {
	tc := NewCase("Accounts")
	tc.StartAsUser("Registers and logs in", "alice")

	tc.StartAsUser("Rejects taken username", "alice").
		ThenPOST("/user/register").WithCredentials("{alice}", "another password").
		ExpectServerErr(server.ErrUsernameTaken)

	tc.StartAsUser("Logs in again after logout", "alice").
		ThenPOST("/user/logout").As("alice").ExpectStatus(http.StatusOK).
		ThenGET("/media").As("alice").ExpectServerErr(server.ErrNotLoggedIn).
		ThenPOST("/user/login").As("alice").WithCredentials("{alice}", Password).ExpectLoggedIn("alice").
		ThenGET("/media").As("alice").ExpectListed(0)

	tc.StartAsUser("Rejects wrong password", "alice").
		ThenPOST("/user/login").WithCredentials("{alice}", "wrong").
		ExpectServerErr(server.ErrBadCredentials)

	tc.Call("Unknown user looks like a wrong password", http.MethodPost, "/user/login").
		WithCredentials("nobody-registered-this", Password).
		ExpectServerErr(server.ErrBadCredentials)

	tc.Call("Rejects username with spaces", http.MethodPost, "/user/register").
		WithCredentials("alice smith", Password).
		ExpectServerErr(server.ErrInvalidUsername)

	tc.Call("Rejects missing password", http.MethodPost, "/user/register").
		WithJSON(map[string]string{"username": "carol"}).
		ExpectStatus(http.StatusBadRequest)

	tc.Call("Logout requires a session", http.MethodPost, "/user/logout").
		ExpectServerErr(server.ErrNotLoggedIn)

	tc.Call("Forged session cookie is anonymous", http.MethodGet, "/media").
		WithHeader("cookie", server.SessionCookie+"=forged").
		ExpectServerErr(server.ErrNotLoggedIn)

	tc.Run(t, testServer)
}

func TestUpload(t *testing.T) {
	tc := NewCase("Upload")
	tc.StartWithUpload("Owner reads back upload", "alice", jpeg).
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("image/jpeg", jpeg)

	tc.StartAsUser("Creates one resource per file", "alice").
		ThenPOST("/media/upload").As("alice").WithFiles(
		FilePart{FileName: "a.jpg", ContentType: "image/jpeg", Data: jpeg},
		FilePart{Data: []byte("a form field")},
		FilePart{FileName: "b.png", ContentType: "image/png", Data: png},
	).ExpectResourceCreated(2).
		ThenGET("/media").As("alice").ExpectListed(2)

	tc.StartAsUser("Defaults content type", "alice").
		ThenPOST("/media/upload").As("alice").WithFiles(FilePart{FileName: "raw", Data: png}).
		ExpectResourceCreated(1).
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("application/octet-stream", png)

	tc.StartAsUser("Rejects upload without files", "alice").
		ThenPOST("/media/upload").As("alice").WithFiles(FilePart{Data: []byte("only a field")}).
		ExpectServerErr(server.ErrNoFiles)

	tc.StartAsUser("Rejects non-multipart body", "alice").
		ThenPOST("/media/upload").As("alice").WithBody("image/jpeg", jpeg).
		ExpectServerErr(server.ErrMissingBody)

	tc.Call("Requires a session", http.MethodPost, "/media/upload").
		WithFile("photo.jpg", "image/jpeg", jpeg).
		ExpectServerErr(server.ErrNotLoggedIn)

	tc.Run(t, testServer)
}

func TestFetch(t *testing.T) {
	tc := NewCase("Fetch")
	tc.StartWithUpload("Anonymous is denied a private resource", "alice", jpeg).
		ThenGET("/media/:resourceID").ExpectForbidden()

	tc.StartWithUpload("Other users are denied a private resource", "alice", jpeg).
		ThenRegister("bob").
		ThenGET("/media/:resourceID").As("bob").ExpectForbidden()

	tc.Call("Unknown resource", http.MethodGet, "/media/does-not-exist").
		ExpectStatus(http.StatusNotFound)

	tc.Call("Malformed resource id", http.MethodGet, "/media/bad%20id").
		ExpectServerErr(server.ErrInvalidResourceID)

	tc.Run(t, testServer)
}

func TestSharing(t *testing.T) {
	tc := NewCase("Sharing")
	tc.StartWithUpload("Read grant lets bob read but not write", "alice", jpeg).
		ThenRegister("bob").
		ThenPUT("/media/:resourceID/grants/{bob}").As("alice").WithJSON(map[string]bool{"write": false}).
		ExpectResource(func(ctx *testCtx, r *ResourceView) {
			require.Len(ctx, r.Access, 2)
			assert.Equal(ctx, ctx.users["bob"], r.Access[1].User)
			assert.False(ctx, r.Access[1].Write)
		}).
		ThenGET("/media/:resourceID").As("bob").ExpectBlob("image/jpeg", jpeg).
		ThenPUT("/media/:resourceID").As("bob").WithBody("image/png", png).ExpectForbidden()

	tc.StartWithUpload("Write grant lets bob overwrite", "alice", jpeg).
		ThenRegister("bob").
		ThenPUT("/media/:resourceID/grants/{bob}").As("alice").WithJSON(map[string]bool{"write": true}).ExpectStatus(http.StatusOK).
		ThenPUT("/media/:resourceID").As("bob").WithBody("image/png", png).ExpectStatus(http.StatusOK).
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("image/jpeg", png)

	tc.StartWithUpload("Revoke takes access away", "alice", jpeg).
		ThenRegister("bob").
		ThenPUT("/media/:resourceID/grants/{bob}").As("alice").ExpectStatus(http.StatusOK).
		ThenCall(http.MethodDelete, "/media/:resourceID/grants/{bob}").As("alice").
		ExpectResource(func(ctx *testCtx, r *ResourceView) {
			assert.Len(ctx, r.Access, 1)
		}).
		ThenGET("/media/:resourceID").As("bob").ExpectForbidden()

	tc.StartWithUpload("Owner access can't be revoked", "alice", jpeg).
		ThenCall(http.MethodDelete, "/media/:resourceID/grants/{alice}").As("alice").
		ExpectStatus(http.StatusBadRequest)

	tc.StartWithUpload("Only the owner shares", "alice", jpeg).
		ThenRegister("bob").
		ThenPUT("/media/:resourceID/grants/{bob}").As("bob").WithJSON(map[string]bool{"write": true}).ExpectForbidden().
		ThenPUT("/media/:resourceID/access").As("bob").WithJSON(map[string]bool{"readPublic": true}).ExpectForbidden()

	tc.StartWithUpload("Sharing requires a session", "alice", jpeg).
		ThenPUT("/media/:resourceID/access").WithJSON(map[string]bool{"readPublic": true}).
		ExpectServerErr(server.ErrNotLoggedIn)

	tc.Run(t, testServer)
}

func TestPublicAccess(t *testing.T) {
	tc := NewCase("Public access")
	tc.StartWithUpload("Public read", "alice", jpeg).
		ThenPUT("/media/:resourceID/access").As("alice").WithJSON(map[string]bool{"readPublic": true}).
		ExpectResource(func(ctx *testCtx, r *ResourceView) {
			assert.True(ctx, r.ReadPublic)
			assert.False(ctx, r.WritePublic)
		}).
		ThenGET("/media/:resourceID").ExpectBlob("image/jpeg", jpeg).
		ThenPUT("/media/:resourceID").WithBody("image/png", png).ExpectForbidden()

	tc.StartWithUpload("Public write", "alice", jpeg).
		ThenPUT("/media/:resourceID/access").As("alice").WithJSON(map[string]bool{"writePublic": true}).
		ExpectResource(func(ctx *testCtx, r *ResourceView) {
			assert.False(ctx, r.ReadPublic, "unset flags are left alone")
			assert.True(ctx, r.WritePublic)
		}).
		ThenPUT("/media/:resourceID").WithBody("image/png", png).ExpectStatus(http.StatusOK).
		ThenGET("/media/:resourceID").ExpectForbidden().
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("image/jpeg", png)

	tc.StartWithUpload("Overwrite requires a body", "alice", jpeg).
		ThenPUT("/media/:resourceID").As("alice").ExpectServerErr(server.ErrMissingBody)

	tc.Run(t, testServer)
}

func TestListOwned(t *testing.T) {
	tc := NewCase("List owned")
	tc.StartAsUser("Pages through uploads", "alice").
		ThenPOST("/media/upload").As("alice").WithFiles(
		FilePart{FileName: "1.jpg", ContentType: "image/jpeg", Data: jpeg},
		FilePart{FileName: "2.jpg", ContentType: "image/jpeg", Data: jpeg},
		FilePart{FileName: "3.jpg", ContentType: "image/jpeg", Data: jpeg},
	).ExpectResourceCreated(3).
		ThenGET("/media?page=0&pageSize=2").As("alice").ExpectListed(2).
		ThenGET("/media?page=1&pageSize=2").As("alice").ExpectListed(1).
		ThenGET("/media?page=2&pageSize=2").As("alice").ExpectListed(0)

	tc.StartWithUpload("Lists only own resources", "alice", jpeg).
		ThenRegister("bob").
		ThenGET("/media").As("bob").ExpectListed(0)

	tc.StartAsUser("Rejects bad page", "alice").
		ThenGET("/media?page=first").As("alice").ExpectServerErr(server.ErrInvalidPagination)

	tc.StartAsUser("Rejects bad page size", "alice").
		ThenGET("/media?pageSize=0").As("alice").ExpectServerErr(server.ErrInvalidPagination)

	tc.StartAsUser("Reports the clamped page size", "alice").
		ThenGET("/media?pageSize=500").As("alice").ExpectPageSize(metadata.MaxPageSize).
		ThenGET("/media").As("alice").ExpectPageSize(20).
		ThenGET("/media?pageSize=7").As("alice").ExpectPageSize(7)

	tc.StartWithUpload("Serves an empty page far past the end", "alice", jpeg).
		ThenGET("/media?page=922337203685477580&pageSize=20").As("alice").ExpectListed(0)

	tc.Run(t, testServer)
}

func TestSeaweedBackend(t *testing.T) {
	cluster := seaweedtest.NewCluster()
	defer cluster.Close()
	backend, err := seaweed.New(cluster.Master.URL, 16)
	require.NoError(t, err)
	s := NewTestServerWithBackend(backend)

	tc := NewCase("Seaweed")
	tc.StartWithUpload("Stores uploads on the volume server", "alice", jpeg).
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("image/jpeg", jpeg)
	tc.Run(t, s)
	assert.Equal(t, 1, cluster.Len())

	cluster.FailUploads(true)
	failing := NewCase("Seaweed failing")
	failing.StartAsUser("Reports a retryable backend failure", "alice").
		ThenPOST("/media/upload").As("alice").WithFile("photo.jpg", "image/jpeg", jpeg).
		ExpectStatus(http.StatusBadGateway).
		ExpectHeader("Pixure-Retryable", "true").
		ThenGET("/media").As("alice").ExpectListed(0)
	failing.Run(t, s)
}

// failingWrites fails every Write after the first n
type failingWrites struct {
	storage.Backend
	n      int32
	writes int32
}

func (b *failingWrites) Write(ctx context.Context, h storage.Handle, contentType string, content io.Reader) error {
	if atomic.AddInt32(&b.writes, 1) > b.n {
		return storage.NewUploadError(b.Name(), h, errors.New("disk full"), false)
	}
	return b.Backend.Write(ctx, h, contentType, content)
}

func TestPartialUploadReportsCreatedResources(t *testing.T) {
	s := NewTestServerWithBackend(&failingWrites{Backend: storage.NewInMemBackend(), n: 2})

	tc := NewCase("Partial upload")
	tc.StartAsUser("Reports resources created before the failure", "alice").
		ThenPOST("/media/upload").As("alice").WithFiles(
		FilePart{FileName: "1.jpg", ContentType: "image/jpeg", Data: jpeg},
		FilePart{FileName: "2.png", ContentType: "image/png", Data: png},
		FilePart{FileName: "3.jpg", ContentType: "image/jpeg", Data: jpeg},
	).ExpectStatus(http.StatusBadGateway).
		ExpectHeader("Pixure-Retryable", "false").
		ExpectPartialUpload(2).
		ThenGET("/media/:resourceID").As("alice").ExpectBlob("image/jpeg", jpeg).
		ThenGET("/media").As("alice").ExpectListed(2)
	tc.Run(t, s)
}

func TestFailedFirstUploadReportsNothing(t *testing.T) {
	s := NewTestServerWithBackend(&failingWrites{Backend: storage.NewInMemBackend()})

	tc := NewCase("Failed upload")
	tc.StartAsUser("Reports no created resources", "alice").
		ThenPOST("/media/upload").As("alice").WithFile("photo.jpg", "image/jpeg", jpeg).
		ExpectStatus(http.StatusBadGateway).
		ExpectPartialUpload(0).
		ThenGET("/media").As("alice").ExpectListed(0)
	tc.Run(t, s)
}
