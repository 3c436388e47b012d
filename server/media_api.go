package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/resource"
	"github.com/gin-gonic/gin"
)

const defaultPageSize = 20

// headerCreatedResources lists, comma separated, the resources an upload
// created before one of its files failed
const headerCreatedResources = "Pixure-Created-Resources"

type accessRightView struct {
	User  string `json:"user"`
	Write bool   `json:"write"`
}

type resourceView struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	ContentType string            `json:"contentType"`
	Access      []accessRightView `json:"access"`
	ReadPublic  bool              `json:"readPublic"`
	WritePublic bool              `json:"writePublic"`
}

type uploadResponse struct {
	Resources []resourceView `json:"resources"`
}

type listResponse struct {
	Page      int            `json:"page"`
	PageSize  int            `json:"pageSize"`
	Resources []resourceView `json:"resources"`
}

type accessRequest struct {
	ReadPublic  *bool `json:"readPublic"`
	WritePublic *bool `json:"writePublic"`
}

type grantRequest struct {
	Write bool `json:"write"`
}

func viewOf(r *resource.Resource) resourceView {
	v := resourceView{
		ID:          r.ID,
		Owner:       r.Owner,
		ContentType: r.ContentType,
		Access:      make([]accessRightView, 0, len(r.Access)),
		ReadPublic:  r.ReadPublic,
		WritePublic: r.WritePublic,
	}
	for _, a := range r.Access {
		v.Access = append(v.Access, accessRightView{User: a.User, Write: a.CanWrite})
	}
	return v
}

func resourceID(c *gin.Context) (string, bool) {
	id := c.Param(paramResourceID)
	if !validResourceID(id) {
		renderError(ErrInvalidResourceID, c)
		return "", false
	}
	return id, true
}

// handleUpload streams every file part of a multipart body into a new resource
func (s *Server) handleUpload(c *gin.Context) {
	reader, err := c.Request.MultipartReader()
	if err != nil {
		renderError(ErrMissingBody, c)
		return
	}

	response := uploadResponse{Resources: []resourceView{}}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			renderError(ErrReadingInput, c)
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		r, err := s.media.Upload(c.Request.Context(), requester(c), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			log.WithField("file_name", part.FileName()).WithField("uploaded", len(response.Resources)).WithError(err).Warn("Upload failed")
			if len(response.Resources) > 0 {
				ids := make([]string, 0, len(response.Resources))
				for _, v := range response.Resources {
					ids = append(ids, v.ID)
				}
				c.Header(headerCreatedResources, strings.Join(ids, ","))
			}
			renderError(err, c)
			return
		}
		resourcesUploaded.Inc()
		response.Resources = append(response.Resources, viewOf(r))
	}

	if len(response.Resources) == 0 {
		renderError(ErrNoFiles, c)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleFetch(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	r, body, err := s.media.Fetch(c.Request.Context(), requester(c), id)
	if err != nil {
		renderError(err, c)
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, -1, r.ContentType, body, nil)
}

func (s *Server) handleOverwrite(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		renderError(ErrMissingBody, c)
		return
	}
	r, err := s.media.Overwrite(c.Request.Context(), requester(c), id, c.Request.Body)
	if err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}

func (s *Server) handleUpdateAccess(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	req := &accessRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		renderError(&Error{HTTPStatus: http.StatusBadRequest, Message: "Invalid access body: " + err.Error()}, c)
		return
	}
	r, err := s.media.UpdateAccess(c.Request.Context(), requester(c), id, req.ReadPublic, req.WritePublic)
	if err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}

func (s *Server) handleGrant(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	user := c.Param(paramUser)
	if !validUsername(user) {
		renderError(ErrInvalidUsername, c)
		return
	}
	req := &grantRequest{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			renderError(&Error{HTTPStatus: http.StatusBadRequest, Message: "Invalid grant body: " + err.Error()}, c)
			return
		}
	}
	r, err := s.media.Grant(c.Request.Context(), requester(c), id, user, req.Write)
	if err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}

func (s *Server) handleRevoke(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	user := c.Param(paramUser)
	if !validUsername(user) {
		renderError(ErrInvalidUsername, c)
		return
	}
	r, err := s.media.Revoke(c.Request.Context(), requester(c), id, user)
	if err != nil {
		renderError(err, c)
		return
	}
	c.JSON(http.StatusOK, viewOf(r))
}

func (s *Server) handleListOwned(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		renderError(ErrInvalidPagination, c)
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(defaultPageSize)))
	if err != nil || pageSize < 1 {
		renderError(ErrInvalidPagination, c)
		return
	}

	owned, err := s.media.ListOwned(c.Request.Context(), requester(c), page, pageSize)
	if err != nil {
		renderError(err, c)
		return
	}
	_, limit := metadata.Page(page, pageSize)
	response := listResponse{Page: page, PageSize: limit, Resources: make([]resourceView, 0, len(owned))}
	for _, r := range owned {
		response.Resources = append(response.Resources, viewOf(r))
	}
	c.JSON(http.StatusOK, response)
}
