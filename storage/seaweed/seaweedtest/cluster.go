// Package seaweedtest runs an in-process SeaweedFS master and volume server
// speaking the subset of the HTTP API the seaweed client uses.
package seaweedtest

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

const headerContentType = "Content-Type"

type blob struct {
	contentType string
	data        []byte
}

// Cluster is a fake master plus a single volume server holding every volume
type Cluster struct {
	Master *httptest.Server
	Volume *httptest.Server

	// Volume id handed out by assign
	VolumeID uint32

	mu          sync.Mutex
	blobs       map[string]blob
	next        int
	failUploads bool

	lookups int32
	assigns int32
	uploads int32
}

// NewCluster starts a master and a volume server
func NewCluster() *Cluster {
	gin.SetMode(gin.TestMode)
	c := &Cluster{
		VolumeID: 3,
		blobs:    make(map[string]blob),
	}

	master := gin.New()
	dir := master.Group("/dir")
	{
		dir.GET("/assign", c.assign)
		dir.GET("/lookup", c.lookup)
	}

	volume := gin.New()
	volume.POST("/:fid", c.createBlob)
	volume.GET("/:fid", c.getBlob)

	c.Volume = httptest.NewServer(volume)
	c.Master = httptest.NewServer(master)
	return c
}

// Close stops both servers
func (c *Cluster) Close() {
	c.Master.Close()
	c.Volume.Close()
}

// VolumeAddress is the host:port the master reports for the volume server
func (c *Cluster) VolumeAddress() string {
	return strings.TrimPrefix(c.Volume.URL, "http://")
}

// Lookups counts /dir/lookup requests served
func (c *Cluster) Lookups() int {
	return int(atomic.LoadInt32(&c.lookups))
}

// Assigns counts /dir/assign requests served
func (c *Cluster) Assigns() int {
	return int(atomic.LoadInt32(&c.assigns))
}

// Uploads counts upload requests served, successful or not
func (c *Cluster) Uploads() int {
	return int(atomic.LoadInt32(&c.uploads))
}

// FailUploads makes the volume server reject uploads with a 500
func (c *Cluster) FailUploads(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUploads = fail
}

// Blob returns the stored data and content type for fid
func (c *Cluster) Blob(fid string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[fid]
	return b.data, b.contentType, ok
}

// Len is the number of blobs stored
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}

func (c *Cluster) assign(ctx *gin.Context) {
	atomic.AddInt32(&c.assigns, 1)

	c.mu.Lock()
	c.next++
	fid := fmt.Sprintf("%d,%02x%08x", c.VolumeID, c.next, 0x1234abcd)
	c.mu.Unlock()

	ctx.JSON(http.StatusOK, gin.H{
		"fid":       fid,
		"url":       c.VolumeAddress(),
		"publicUrl": c.VolumeAddress(),
		"count":     1,
	})
}

func (c *Cluster) lookup(ctx *gin.Context) {
	atomic.AddInt32(&c.lookups, 1)

	volumeID, err := strconv.ParseUint(ctx.Query("volumeId"), 10, 32)
	if err != nil || uint32(volumeID) != c.VolumeID {
		ctx.JSON(http.StatusNotFound, gin.H{
			"volumeId": ctx.Query("volumeId"),
			"error":    "volume id " + ctx.Query("volumeId") + " not found",
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"volumeId":  ctx.Query("volumeId"),
		"locations": []gin.H{{"url": c.VolumeAddress(), "publicUrl": c.VolumeAddress()}},
	})
}

func (c *Cluster) createBlob(ctx *gin.Context) {
	atomic.AddInt32(&c.uploads, 1)

	c.mu.Lock()
	fail := c.failUploads
	c.mu.Unlock()
	if fail {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "volume is read only"})
		return
	}

	file, header, err := ctx.Request.FormFile("file")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	data, err := ioutil.ReadAll(file)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fid := ctx.Param("fid")
	c.mu.Lock()
	c.blobs[fid] = blob{contentType: header.Header.Get(headerContentType), data: data}
	c.mu.Unlock()

	ctx.JSON(http.StatusCreated, gin.H{"name": header.Filename, "size": len(data)})
}

func (c *Cluster) getBlob(ctx *gin.Context) {
	data, contentType, ok := c.Blob(ctx.Param("fid"))
	if !ok {
		ctx.Status(http.StatusNotFound)
		return
	}
	ctx.Data(http.StatusOK, contentType, data)
}
