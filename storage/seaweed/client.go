// Package seaweed is a blob backend talking to a SeaweedFS cluster: a master
// that assigns file ids and resolves volumes, and volume nodes holding the data.
package seaweed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/MalauD/Pixure/storage"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

const (
	backendName = "seaweed"

	// filePart is the multipart field volume servers read the payload from
	filePart = "file"

	defaultTimeout = 60 * time.Second
)

// ErrVolumeNotFound is returned when the master knows no location for a volume
var ErrVolumeNotFound = errors.New("volume not found")

// For mocking
type httpClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is a storage.Backend for SeaweedFS. It is safe for concurrent use.
type Client struct {
	masterURL string
	client    httpClient
	volumes   *volumeCache
	log       *logrus.Entry
}

var _ storage.Backend = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every master and volume call
func WithHTTPClient(client httpClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the timeout applied to every backend call
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client = &http.Client{Timeout: timeout}
	}
}

type volumeLocation struct {
	URL       string `json:"url"`
	PublicURL string `json:"publicUrl"`
}

type lookupResponse struct {
	VolumeID  string           `json:"volumeId"`
	Locations []volumeLocation `json:"locations"`
	Error     string           `json:"error"`
}

type assignResponse struct {
	Fid       string `json:"fid"`
	URL       string `json:"url"`
	PublicURL string `json:"publicUrl"`
	Count     int    `json:"count"`
	Error     string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client for the master at masterURL, caching up to cacheSize volume addresses
func New(masterURL string, cacheSize int, opts ...Option) (*Client, error) {
	u, err := url.Parse(masterURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid seaweed master URL %q", masterURL)
	}
	if u.Scheme == "" || u.Scheme == backendName {
		u.Scheme = "http"
	}

	volumes, err := newVolumeCache(cacheSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		masterURL: strings.TrimSuffix(u.String(), "/"),
		client:    &http.Client{Timeout: defaultTimeout},
		volumes:   volumes,
		log:       logrus.WithField("logger", "seaweed").WithField("master_url", u.String()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements storage.Backend
func (c *Client) Name() string {
	return backendName
}

// Handle implements storage.Backend
func (c *Client) Handle(id string) (storage.Handle, error) {
	fid, err := ParseFileID(id)
	if err != nil {
		return nil, storage.ErrInvalidHandle
	}
	return fid, nil
}

// ResolveVolumeAddress returns the address of a node serving volume, asking the
// master only when the address is not cached.
func (c *Client) ResolveVolumeAddress(ctx context.Context, volume uint32) (string, error) {
	addr, _, err := c.resolve(ctx, volume)
	return addr, err
}

// resolve is ResolveVolumeAddress, also reporting whether addr came from the cache
func (c *Client) resolve(ctx context.Context, volume uint32) (string, bool, error) {
	if addr, ok := c.volumes.get(volume); ok {
		return addr, true, nil
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "seaweed_lookup")
	defer span.Finish()

	lookup := &lookupResponse{}
	u := fmt.Sprintf("%s/dir/lookup?volumeId=%d", c.masterURL, volume)
	if err := c.getJSON(ctx, u, lookup); err != nil {
		return "", false, err
	}
	if lookup.Error != "" {
		return "", false, fmt.Errorf("%w: %s", ErrVolumeNotFound, lookup.Error)
	}
	if len(lookup.Locations) == 0 || lookup.Locations[0].URL == "" {
		return "", false, ErrVolumeNotFound
	}

	addr := lookup.Locations[0].URL
	c.volumes.add(volume, addr)
	c.log.WithField("volume_id", volume).WithField("volume_url", addr).Debug("Resolved volume")
	return addr, false, nil
}

// Allocate implements storage.Backend by asking the master for a new file id
func (c *Client) Allocate(ctx context.Context) (storage.Handle, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "seaweed_assign")
	defer span.Finish()

	assign := &assignResponse{}
	if err := c.getJSON(ctx, c.masterURL+"/dir/assign", assign); err != nil {
		c.log.WithError(err).Error("Error assigning file id")
		return nil, storage.NewAllocationError(backendName, err, isTransportError(err))
	}
	if assign.Error != "" {
		return nil, storage.NewAllocationError(backendName, errors.New(assign.Error), false)
	}

	fid, err := ParseFileID(assign.Fid)
	if err != nil {
		return nil, storage.NewAllocationError(backendName, err, false)
	}
	// the master already told us where the volume lives
	if assign.URL != "" {
		c.volumes.add(fid.Volume, assign.URL)
	}
	return fid, nil
}

// Write implements storage.Backend. The payload is streamed as a single
// multipart request; there is no resumption of partial uploads.
func (c *Client) Write(ctx context.Context, h storage.Handle, contentType string, content io.Reader) error {
	fid, err := c.fileID(h)
	if err != nil {
		return storage.NewUploadError(backendName, h, err, false)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "seaweed_upload")
	defer span.Finish()

	addr, err := c.ResolveVolumeAddress(ctx, fid.Volume)
	if err != nil {
		return storage.NewUploadError(backendName, fid, err, isTransportError(err))
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	parts := multipart.NewWriter(pw)
	copied := make(chan error, 1)
	go func() {
		err := writeFilePart(parts, fid, contentType, content)
		pw.CloseWithError(err)
		copied <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, volumeURL(addr, fid), pr)
	if err != nil {
		return storage.NewUploadError(backendName, fid, err, false)
	}
	req.Header.Set("Content-Type", parts.FormDataContentType())

	res, err := c.client.Do(req)
	pr.Close()
	copyErr := <-copied

	if copyErr != nil && !errors.Is(copyErr, io.ErrClosedPipe) {
		return storage.NewUploadError(backendName, fid, copyErr, false)
	}
	if err != nil {
		c.stale(fid, err)
		return storage.NewUploadError(backendName, fid, err, isTransportError(err))
	}
	defer res.Body.Close()

	if !successfulResponse(res) {
		err := responseError(res)
		c.log.WithField("fid", fid.ID()).WithField("http_status", res.StatusCode).WithError(err).Error("Got non-2xx from volume server on upload")
		// the node may no longer hold the volume; a retry resolves it again
		c.volumes.forget(fid.Volume)
		return storage.NewUploadError(backendName, fid, err, res.StatusCode >= 500 || res.StatusCode == http.StatusNotFound)
	}
	return nil
}

// Read implements storage.Backend. The returned body is single-pass; reading
// the blob again needs another call.
func (c *Client) Read(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	fid, err := c.fileID(h)
	if err != nil {
		return nil, storage.NewDownloadError(backendName, h, err, false)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "seaweed_download")
	defer span.Finish()

	addr, cached, err := c.resolve(ctx, fid.Volume)
	if err != nil {
		return nil, storage.NewDownloadError(backendName, fid, err, isTransportError(err))
	}

	res, err := c.download(ctx, fid, addr)
	if err == nil && res.StatusCode == http.StatusNotFound && cached {
		res.Body.Close()
		// a cached address may point at a node that no longer holds the volume
		c.volumes.forget(fid.Volume)
		fresh, _, lookupErr := c.resolve(ctx, fid.Volume)
		if lookupErr != nil {
			return nil, storage.NewDownloadError(backendName, fid, lookupErr, isTransportError(lookupErr))
		}
		if fresh == addr {
			return nil, storage.NewDownloadError(backendName, fid, storage.ErrBlobNotFound, false)
		}
		c.log.WithField("volume_id", fid.Volume).WithField("volume_url", fresh).Info("Volume moved, reading from new address")
		res, err = c.download(ctx, fid, fresh)
	}
	if err != nil {
		c.stale(fid, err)
		return nil, storage.NewDownloadError(backendName, fid, err, isTransportError(err))
	}

	if !successfulResponse(res) {
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			return nil, storage.NewDownloadError(backendName, fid, storage.ErrBlobNotFound, false)
		}
		c.volumes.forget(fid.Volume)
		return nil, storage.NewDownloadError(backendName, fid, responseError(res), res.StatusCode >= 500)
	}
	return &countingReadCloser{ReadCloser: res.Body}, nil
}

func (c *Client) download(ctx context.Context, fid FileID, addr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, volumeURL(addr, fid), nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *Client) fileID(h storage.Handle) (FileID, error) {
	switch fid := h.(type) {
	case FileID:
		return fid, nil
	case *FileID:
		if fid != nil {
			return *fid, nil
		}
	case nil:
	default:
		return ParseFileID(h.ID())
	}
	return FileID{}, storage.ErrInvalidHandle
}

// stale drops the cached address after a transport failure so that a retry re-resolves it
func (c *Client) stale(fid FileID, err error) {
	if !isTransportError(err) {
		return
	}
	c.log.WithField("volume_id", fid.Volume).WithError(err).Warn("Dropping volume address after transport failure")
	c.volumes.forget(fid.Volume)
}

func (c *Client) getJSON(ctx context.Context, u string, obj interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// the master reports lookup failures with a JSON body and a 404
	if !successfulResponse(res) && res.StatusCode != http.StatusNotFound {
		return responseError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(obj); err != nil {
		return fmt.Errorf("decode: %v", err)
	}
	return nil
}

func writeFilePart(parts *multipart.Writer, fid FileID, contentType string, content io.Reader) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, filePart, fid.ID()))
	header.Set("Content-Type", contentType)

	part, err := parts.CreatePart(header)
	if err != nil {
		return err
	}
	n, err := io.Copy(part, content)
	uploadedBytes.Add(float64(n))
	if err != nil {
		return err
	}
	return parts.Close()
}

func volumeURL(addr string, fid FileID) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + "/" + fid.ID()
}

func successfulResponse(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func responseError(res *http.Response) error {
	rErr := &errorResponse{}
	if err := json.NewDecoder(res.Body).Decode(rErr); err == nil && rErr.Error != "" {
		return fmt.Errorf("response %d: %s", res.StatusCode, rErr.Error)
	}
	return fmt.Errorf("response %d: %s", res.StatusCode, http.StatusText(res.StatusCode))
}

// errors from the HTTP client itself, as opposed to a response from the server
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

type countingReadCloser struct {
	io.ReadCloser
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	downloadedBytes.Add(float64(n))
	return n, err
}
