// Package s3 implements a blob backend that saves data to Amazon Simple
// Storage Service or any S3 compatible object store.
package s3

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/MalauD/Pixure/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

const (
	backendName = "s3"
	keyPrefix   = "media/"
)

var log = logrus.WithField("logger", "s3")

// Key is the object key of a blob within the bucket
type Key string

// ID implements storage.Handle
func (k Key) ID() string { return string(k) }

// Config describes the bucket to use
type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint, for S3 compatible stores
	Endpoint string
	// Static credentials; the default AWS credential chain is used when empty
	AccessKey string
	SecretKey string
	// HTTPClient carries the request timeout
	HTTPClient *http.Client
}

type s3Backend struct {
	service  *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New creates a backend storing blobs in cfg.Bucket
func New(cfg Config) (storage.Backend, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.HTTPClient != nil {
		awsCfg = awsCfg.WithHTTPClient(cfg.HTTPClient)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}

	service := s3.New(sess)
	log.WithField("bucket", cfg.Bucket).Info("Creating S3 blob backend")
	return &s3Backend{
		service:  service,
		uploader: s3manager.NewUploaderWithClient(service),
		bucket:   cfg.Bucket,
	}, nil
}

func (s *s3Backend) Name() string { return backendName }

func (s *s3Backend) Handle(id string) (storage.Handle, error) {
	if !strings.HasPrefix(id, keyPrefix) || len(id) == len(keyPrefix) {
		return nil, storage.ErrInvalidHandle
	}
	return Key(id), nil
}

// Allocate picks a fresh key; S3 has no reservation step so nothing is sent
func (s *s3Backend) Allocate(ctx context.Context) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewAllocationError(backendName, err, false)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, storage.NewAllocationError(backendName, err, false)
	}
	return Key(keyPrefix + id.String()), nil
}

func (s *s3Backend) Write(ctx context.Context, h storage.Handle, contentType string, content io.Reader) error {
	if h == nil {
		return storage.NewUploadError(backendName, h, storage.ErrInvalidHandle, false)
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3_upload")
	defer span.Finish()

	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.ID()),
		Body:   content,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		log.WithField("key", h.ID()).WithError(err).Error("Unable to upload to bucket")
		return storage.NewUploadError(backendName, h, err, retryable(err))
	}
	return nil
}

func (s *s3Backend) Read(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	if h == nil {
		return nil, storage.NewDownloadError(backendName, h, storage.ErrInvalidHandle, false)
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "s3_download")
	defer span.Finish()

	out, err := s.service.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.ID()),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.RequestFailure); ok && awsErr.StatusCode() == http.StatusNotFound {
			return nil, storage.NewDownloadError(backendName, h, storage.ErrBlobNotFound, false)
		}
		log.WithField("key", h.ID()).WithError(err).Error("Unable to download from bucket")
		return nil, storage.NewDownloadError(backendName, h, err, retryable(err))
	}
	return out.Body, nil
}

func retryable(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == request.CanceledErrorCode {
		return false
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		return reqErr.StatusCode() >= 500
	}
	return true
}
