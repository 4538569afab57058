// Package blobstore keeps message bodies that are too large for the queue in
// an S3 compatible bucket.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/glimte/mmate-sqs/internal/reliability"
)

var (
	// ErrObjectNotFound is returned by Open for a missing key. It is never retried.
	ErrObjectNotFound = errors.New("blobstore: object not found")
	// ErrInvalidConfiguration is returned by New for a missing endpoint or bucket
	ErrInvalidConfiguration = errors.New("blobstore: invalid configuration")
)

// StoreError wraps a failed bucket operation
type StoreError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("blobstore: %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Option configures a Store
type Option func(*options)

type options struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	region          string
	useSSL          bool
	prefix          string
	contentType     string
	logger          *slog.Logger
}

// WithStaticCredentials sets the access key pair
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) Option {
	return func(o *options) {
		o.accessKeyID = accessKeyID
		o.secretAccessKey = secretAccessKey
		o.sessionToken = sessionToken
	}
}

// WithRegion sets the bucket region
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithSSL enables TLS to the endpoint
func WithSSL(enabled bool) Option {
	return func(o *options) {
		o.useSSL = enabled
	}
}

// WithKeyPrefix sets the folder bodies are written under
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = strings.Trim(prefix, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Store reads and writes offloaded bodies
type Store struct {
	client      *minio.Client
	bucket      string
	prefix      string
	contentType string
	logger      *slog.Logger
}

// New creates a store for bucket at endpoint (host[:port], no scheme).
// No request is made until the store is used.
func New(endpoint, bucket string, opts ...Option) (*Store, error) {
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("%w: endpoint and bucket are required", ErrInvalidConfiguration)
	}

	o := options{
		contentType: "application/octet-stream",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	mo := &minio.Options{
		Secure: o.useSSL,
		Region: o.region,
	}
	if o.accessKeyID != "" {
		mo.Creds = credentials.NewStaticV4(o.accessKeyID, o.secretAccessKey, o.sessionToken)
	} else {
		mo.Creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		})
	}

	client, err := minio.New(endpoint, mo)
	if err != nil {
		return nil, &StoreError{Op: "connect", Bucket: bucket, Err: err}
	}

	o.logger.Info("blob store configured",
		"endpoint", endpoint,
		"bucket", bucket,
		"prefix", o.prefix,
	)

	return &Store{
		client:      client,
		bucket:      bucket,
		prefix:      o.prefix,
		contentType: o.contentType,
		logger:      o.logger,
	}, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.bucket
}

// Key returns the object key for a message body
func (s *Store) Key(messageID string) string {
	if s.prefix == "" {
		return messageID
	}
	return path.Join(s.prefix, messageID)
}

// Open streams the object at key. The size is -1 when the server does not report it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, s.wrap("get", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, s.wrap("stat", key, err)
	}

	return obj, info.Size, nil
}

// Put writes body under key
func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: s.contentType,
	})
	if err != nil {
		return s.wrap("put", key, err)
	}

	s.logger.Debug("stored message body",
		"bucket", s.bucket,
		"key", key,
		"size", len(body),
	)
	return nil
}

// PutBody writes the body of messageID and returns its key
func (s *Store) PutBody(ctx context.Context, messageID string, body []byte) (string, error) {
	key := s.Key(messageID)
	if err := s.Put(ctx, key, body); err != nil {
		return "", err
	}
	return key, nil
}

// BucketExists reports whether the bucket is reachable
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, s.wrap("head bucket", "", err)
	}
	return ok, nil
}

func (s *Store) wrap(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		err = reliability.Permanent(fmt.Errorf("%w: %v", ErrObjectNotFound, err))
	}
	return &StoreError{Op: op, Bucket: s.bucket, Key: key, Err: err}
}
