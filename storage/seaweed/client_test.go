package seaweed

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MalauD/Pixure/storage"
	"github.com/MalauD/Pixure/storage/seaweed/seaweedtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	return args.Get(0).(*http.Response), args.Error(1)
}

func withCluster(t *testing.T, test func(*Client, *seaweedtest.Cluster)) {
	cluster := seaweedtest.NewCluster()
	defer cluster.Close()

	client, err := New(cluster.Master.URL, 10)
	require.NoError(t, err)
	test(client, cluster)
}

func TestSecondLookupForVolumeIsCached(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		addr, err := client.ResolveVolumeAddress(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, cluster.VolumeAddress(), addr)
		assert.Equal(t, 1, cluster.Lookups())

		again, err := client.ResolveVolumeAddress(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, addr, again)
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestUnknownVolumeIsNotCached(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		_, err := client.ResolveVolumeAddress(context.Background(), 7)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVolumeNotFound))

		_, err = client.ResolveVolumeAddress(context.Background(), 7)
		require.Error(t, err)
		assert.Equal(t, 2, cluster.Lookups())
		assert.Equal(t, 0, client.volumes.len())
	})
}

func TestConcurrentResolvesAgree(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		var wg sync.WaitGroup
		addrs := make([]string, 20)
		for i := range addrs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				addr, err := client.ResolveVolumeAddress(context.Background(), 3)
				assert.NoError(t, err)
				addrs[i] = addr
			}(i)
		}
		wg.Wait()

		for _, addr := range addrs {
			assert.Equal(t, cluster.VolumeAddress(), addr)
		}
		assert.Equal(t, 1, client.volumes.len())
	})
}

func TestAllocatePrimesVolumeCache(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		fid, ok := h.(FileID)
		require.True(t, ok)
		assert.Equal(t, uint32(3), fid.Volume)

		require.NoError(t, client.Write(context.Background(), h, "text/plain", strings.NewReader("hello")))
		assert.Equal(t, 0, cluster.Lookups())
	})
}

func TestAllocatedHandlesAreDistinct(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h1, err := client.Allocate(context.Background())
		require.NoError(t, err)
		h2, err := client.Allocate(context.Background())
		require.NoError(t, err)

		assert.NotEqual(t, h1.ID(), h2.ID())
		assert.Equal(t, 2, cluster.Assigns())
	})
}

func TestWriteThenReadReturnsSameBytes(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		content := bytes.Repeat([]byte("pixure"), 4096)

		h, err := client.Allocate(context.Background())
		require.NoError(t, err)
		require.NoError(t, client.Write(context.Background(), h, "image/png", bytes.NewReader(content)))

		stored, contentType, ok := cluster.Blob(h.ID())
		require.True(t, ok)
		assert.Equal(t, "image/png", contentType)
		assert.Equal(t, content, stored)

		r, err := client.Read(context.Background(), h)
		require.NoError(t, err)
		defer r.Close()
		got, err := ioutil.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})
}

func TestReadOfRebuiltHandle(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)
		require.NoError(t, client.Write(context.Background(), h, "", strings.NewReader("data")))

		other, err := New(cluster.Master.URL, 10)
		require.NoError(t, err)
		rebuilt, err := other.Handle(h.ID())
		require.NoError(t, err)

		r, err := other.Read(context.Background(), rebuilt)
		require.NoError(t, err)
		defer r.Close()
		got, err := ioutil.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "data", string(got))
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestReadOfMissingBlobIsNotFound(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		_, err = client.Read(context.Background(), h)
		require.Error(t, err)

		var downloadErr *storage.DownloadError
		require.True(t, errors.As(err, &downloadErr))
		assert.True(t, errors.Is(err, storage.ErrBlobNotFound))
		assert.False(t, storage.IsRetryable(err))
	})
}

func TestRejectedUploadIsUploadError(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		cluster.FailUploads(true)
		err = client.Write(context.Background(), h, "text/plain", strings.NewReader("hello"))
		require.Error(t, err)

		var uploadErr *storage.UploadError
		require.True(t, errors.As(err, &uploadErr))
		assert.Equal(t, h.ID(), uploadErr.HandleID)
		assert.Contains(t, err.Error(), "volume is read only")
		assert.True(t, storage.IsRetryable(err))
		assert.Equal(t, 0, cluster.Len())
	})
}

func TestUnreachableMasterIsAllocationError(t *testing.T) {
	cluster := seaweedtest.NewCluster()
	cluster.Close()

	client, err := New(cluster.Master.URL, 10)
	require.NoError(t, err)

	_, err = client.Allocate(context.Background())
	require.Error(t, err)

	var allocErr *storage.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.True(t, storage.IsRetryable(err))
}

func TestTransportFailureDropsCachedAddress(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		fid := h.(FileID)
		client.volumes.add(fid.Volume, "127.0.0.1:1")

		_, err = client.Read(context.Background(), h)
		require.Error(t, err)
		assert.True(t, storage.IsRetryable(err))

		_, ok := client.volumes.entries.Peek(fid.Volume)
		assert.False(t, ok)

		require.NoError(t, client.Write(context.Background(), h, "", strings.NewReader("retry")))
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestNotFoundFromCachedAddressReResolvesVolume(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)
		require.NoError(t, client.Write(context.Background(), h, "", strings.NewReader("moved")))

		// a live node that no longer holds the volume
		emptyNode := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer emptyNode.Close()
		fid := h.(FileID)
		client.volumes.add(fid.Volume, strings.TrimPrefix(emptyNode.URL, "http://"))

		for i := 0; i < 3; i++ {
			r, err := client.Read(context.Background(), h)
			require.NoError(t, err)
			got, err := ioutil.ReadAll(r)
			r.Close()
			require.NoError(t, err)
			assert.Equal(t, "moved", string(got))
		}

		addr, ok := client.volumes.entries.Peek(fid.Volume)
		require.True(t, ok)
		assert.Equal(t, cluster.VolumeAddress(), addr)
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestNotFoundAtResolvedAddressIsFinal(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		_, err = client.Read(context.Background(), h)
		require.True(t, errors.Is(err, storage.ErrBlobNotFound))
		assert.Equal(t, 1, cluster.Lookups())

		_, err = client.Read(context.Background(), h)
		require.True(t, errors.Is(err, storage.ErrBlobNotFound))
		assert.Equal(t, 2, cluster.Lookups(), "one lookup per read")

		addr, ok := client.volumes.entries.Peek(h.(FileID).Volume)
		require.True(t, ok)
		assert.Equal(t, cluster.VolumeAddress(), addr)
	})
}

func TestVolumeServerErrorDropsCachedAddress(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)
		require.NoError(t, client.Write(context.Background(), h, "", strings.NewReader("data")))

		failingNode := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer failingNode.Close()
		fid := h.(FileID)
		client.volumes.add(fid.Volume, strings.TrimPrefix(failingNode.URL, "http://"))

		_, err = client.Read(context.Background(), h)
		require.Error(t, err)
		assert.True(t, storage.IsRetryable(err))
		_, ok := client.volumes.entries.Peek(fid.Volume)
		assert.False(t, ok)

		r, err := client.Read(context.Background(), h)
		require.NoError(t, err)
		r.Close()
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestRejectedUploadDropsCachedAddress(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		h, err := client.Allocate(context.Background())
		require.NoError(t, err)

		emptyNode := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer emptyNode.Close()
		fid := h.(FileID)
		client.volumes.add(fid.Volume, strings.TrimPrefix(emptyNode.URL, "http://"))

		err = client.Write(context.Background(), h, "", strings.NewReader("x"))
		require.Error(t, err)
		assert.True(t, storage.IsRetryable(err))

		require.NoError(t, client.Write(context.Background(), h, "", strings.NewReader("x")))
		assert.Equal(t, 1, cluster.Lookups())
	})
}

func TestCancelledContextFailsAllocate(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.Allocate(ctx)
		require.Error(t, err)
		assert.False(t, storage.IsRetryable(err))
		assert.Equal(t, 0, cluster.Assigns())
	})
}

func TestWriteWithForeignHandleIsRejected(t *testing.T) {
	withCluster(t, func(client *Client, cluster *seaweedtest.Cluster) {
		err := client.Write(context.Background(), storage.MemHandle("12"), "", strings.NewReader("x"))
		require.Error(t, err)
		var uploadErr *storage.UploadError
		require.True(t, errors.As(err, &uploadErr))
		assert.False(t, storage.IsRetryable(err))
		assert.Equal(t, 0, cluster.Uploads())
	})
}

func TestUploadSendsMultipartFilePart(t *testing.T) {
	m := &MockClient{}
	resp := &http.Response{
		StatusCode: 201,
		Body:       ioutil.NopCloser(strings.NewReader(`{"size":5}`)),
	}

	var body []byte
	m.On("Do", mock.AnythingOfType("*http.Request")).Run(func(args mock.Arguments) {
		req := args.Get(0).(*http.Request)
		body, _ = ioutil.ReadAll(req.Body)
	}).Return(resp, nil)

	client, err := New("seaweed://master:9333", 10, WithHTTPClient(m))
	require.NoError(t, err)
	client.volumes.add(3, "volume:8080")

	fid := FileID{Volume: 3, Key: "01637037d6"}
	require.NoError(t, client.Write(context.Background(), fid, "image/jpeg", strings.NewReader("hello")))

	outbound := m.Calls[0].Arguments.Get(0).(*http.Request)
	assert.Equal(t, "POST", outbound.Method)
	assert.Equal(t, "http://volume:8080/3,01637037d6", outbound.URL.String())
	assert.Contains(t, outbound.Header.Get("Content-Type"), "multipart/form-data; boundary=")
	assert.Contains(t, string(body), `name="file"; filename="3,01637037d6"`)
	assert.Contains(t, string(body), "Content-Type: image/jpeg")
	assert.Contains(t, string(body), "hello")
}

func TestMasterURLSchemes(t *testing.T) {
	c, err := New("seaweed://master:9333/", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://master:9333", c.masterURL)

	c, err = New("https://master:9333", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://master:9333", c.masterURL)

	_, err = New("not a url", 0)
	assert.Error(t, err)
}

func TestParseFileID(t *testing.T) {
	fid, err := ParseFileID("3,01637037d6")
	require.NoError(t, err)
	assert.Equal(t, FileID{Volume: 3, Key: "01637037d6"}, fid)
	assert.Equal(t, "3,01637037d6", fid.ID())

	for _, bad := range []string{"", "3", "3,", "x,0163", "-1,0163", "99999999999,01"} {
		_, err := ParseFileID(bad)
		assert.Error(t, err, bad)
	}
}
