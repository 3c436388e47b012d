// Package sqlblob keeps blobs in the blobs table of a SQL database. It suits
// single node deployments and tests; large media belongs in seaweed or s3.
package sqlblob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"io/ioutil"

	"github.com/MalauD/Pixure/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

const backendName = "sql"

var log = logrus.WithField("logger", "sqlblob")

// Handle is the blob_id of a row in the blobs table
type Handle string

// ID implements storage.Handle
func (h Handle) ID() string { return string(h) }

type sqlBackend struct {
	db *sqlx.DB
}

// New creates a blob backend over db, whose tables must already exist
func New(db *sqlx.DB) storage.Backend {
	log.Info("Creating SQL blob backend")
	return &sqlBackend{db: db}
}

func (s *sqlBackend) Name() string { return backendName }

func (s *sqlBackend) Handle(id string) (storage.Handle, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrInvalidHandle
	}
	return Handle(id), nil
}

func (s *sqlBackend) Allocate(ctx context.Context) (storage.Handle, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		log.WithError(err).Errorf("Error generating blob ID")
		return nil, storage.NewAllocationError(backendName, err, false)
	}
	idString := id.String()

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_allocate_blob")
	defer span.Finish()
	_, err = s.db.ExecContext(ctx, s.db.Rebind("INSERT INTO blobs(blob_id) VALUES(?)"), idString)
	if err != nil {
		log.WithField("blob_id", idString).WithError(err).Errorf("Error inserting blob into db")
		return nil, storage.NewAllocationError(backendName, err, false)
	}
	return Handle(idString), nil
}

func (s *sqlBackend) Write(ctx context.Context, h storage.Handle, contentType string, content io.Reader) error {
	if h == nil {
		return storage.NewUploadError(backendName, h, storage.ErrInvalidHandle, false)
	}
	data, err := ioutil.ReadAll(content)
	if err != nil {
		return storage.NewUploadError(backendName, h, err, false)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_write_blob")
	defer span.Finish()
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE blobs SET content_type = ?, blob_data = ? WHERE blob_id = ?"),
		contentType, data, h.ID())
	if err != nil {
		log.WithField("blob_id", h.ID()).WithField("blob_length", len(data)).WithError(err).Errorf("Error writing blob to db")
		return storage.NewUploadError(backendName, h, err, false)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NewUploadError(backendName, h, storage.ErrInvalidHandle, false)
	}
	return nil
}

func (s *sqlBackend) Read(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	if h == nil {
		return nil, storage.NewDownloadError(backendName, h, storage.ErrInvalidHandle, false)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_read_blob_data")
	defer span.Finish()

	var blobData []byte
	err := s.db.QueryRowxContext(ctx, s.db.Rebind("SELECT blob_data FROM blobs WHERE blob_id = ?"), h.ID()).Scan(&blobData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewDownloadError(backendName, h, storage.ErrBlobNotFound, false)
	}
	if err != nil {
		log.WithField("blob_id", h.ID()).WithError(err).Errorf("Error reading blob from DB")
		return nil, storage.NewDownloadError(backendName, h, err, false)
	}
	// allocated but never written
	if blobData == nil {
		return nil, storage.NewDownloadError(backendName, h, storage.ErrBlobNotFound, false)
	}
	return ioutil.NopCloser(bytes.NewReader(blobData)), nil
}
