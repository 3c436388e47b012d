package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/credential"
	"github.com/MalauD/Pixure/media"
	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/resource"
	"github.com/MalauD/Pixure/storage"
	"github.com/gin-gonic/gin"
)

const headerRetryable = "Pixure-Retryable"

// Error A server-side error with a corresponding code
type Error struct {
	HTTPStatus int
	Message    string
}

var (
	// ErrInvalidResourceID - malformed resource ID
	ErrInvalidResourceID = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Invalid resource id",
	}
	// ErrInvalidUsername - malformed user name in a path
	ErrInvalidUsername = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Invalid username",
	}
	// ErrMissingBody Body missing from body-mandatory request
	ErrMissingBody = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Body is required",
	}
	// ErrNoFiles - upload without any file part
	ErrNoFiles = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Upload contains no files",
	}
	// ErrReadingInput - I/O error reading input
	ErrReadingInput = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Error reading request input",
	}
	// ErrInvalidPagination - page or pageSize is not a number
	ErrInvalidPagination = &Error{
		HTTPStatus: http.StatusBadRequest,
		Message:    "Invalid page or pageSize parameter",
	}
	// ErrNotLoggedIn - user-only endpoint called without a session
	ErrNotLoggedIn = &Error{
		HTTPStatus: http.StatusUnauthorized,
		Message:    "Login required",
	}
	// ErrBadCredentials - login failed; never says whether the user exists
	ErrBadCredentials = &Error{
		HTTPStatus: http.StatusUnauthorized,
		Message:    "Invalid username or password",
	}
	// ErrUsernameTaken - register with an existing name
	ErrUsernameTaken = &Error{
		HTTPStatus: http.StatusUnauthorized,
		Message:    "Username already taken",
	}
)

func (e *Error) Error() string {
	return e.Message
}

func renderError(err error, c *gin.Context) {
	if gin.Mode() == gin.DebugMode {
		log.WithError(err).Debug("Error occurred in request")
	}
	c.Error(err)

	switch {
	case errors.Is(err, media.ErrUnauthenticated):
		err = ErrNotLoggedIn
	case errors.Is(err, credential.ErrMismatchingCredential):
		err = ErrBadCredentials
	case errors.Is(err, metadata.ErrUserExists):
		err = ErrUsernameTaken
	}

	var serverErr *Error
	var permErr *resource.InsufficientPermissionsError
	var dbErr *metadata.DatabaseError
	var allocErr *storage.AllocationError
	var uploadErr *storage.UploadError
	var downloadErr *storage.DownloadError

	switch {
	case errors.As(err, &serverErr):
		c.Data(serverErr.HTTPStatus, "text/plain", []byte(serverErr.Message))
	case errors.As(err, &permErr):
		c.Data(http.StatusForbidden, "text/plain", []byte(permErr.Error()))
	case errors.Is(err, metadata.ErrResourceNotFound):
		c.Data(http.StatusNotFound, "text/plain", []byte("Resource not found"))
	case errors.Is(err, account.ErrInvalidUser), errors.Is(err, resource.ErrInvalidUser), errors.Is(err, resource.ErrOwnerAccess):
		c.Data(http.StatusBadRequest, "text/plain", []byte(err.Error()))
	case errors.As(err, &allocErr), errors.As(err, &uploadErr), errors.As(err, &downloadErr):
		log.WithError(err).Error("Blob backend failure")
		c.Header(headerRetryable, strconv.FormatBool(storage.IsRetryable(err)))
		c.Data(http.StatusBadGateway, "text/plain", []byte("Blob storage failure"))
	case errors.As(err, &dbErr):
		log.WithError(err).Error("Metadata store failure")
		c.Status(http.StatusInternalServerError)
	default:
		log.WithError(err).Error("Internal server error")
		c.Status(http.StatusInternalServerError)
	}
}
