// Package s3 keeps queue objects in an S3-compatible bucket through the
// MinIO client. Conditional writes map onto If-Match and If-None-Match.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/storage"
)

// Config selects the endpoint, bucket and encryption. Insecure switches the
// endpoint to plain HTTP.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
}

// Store is a storage.Backend over one bucket.
type Store struct {
	client   *minio.Client
	endpoint string
	bucket   string
	prefix   string
	sse      encrypt.ServerSide
}

// New builds a MinIO client. Without CustomCreds the usual AWS and MinIO
// environment, credential file and IAM sources are tried in order.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	switch {
	case endpoint != "":
	case cfg.Region != "":
		endpoint = "s3." + cfg.Region + ".amazonaws.com"
	default:
		endpoint = "s3.amazonaws.com"
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: storage.HTTPTransport(false),
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	store := &Store{
		client:   client,
		endpoint: endpoint,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}
	switch strings.ToUpper(cfg.ServerSideEnc) {
	case "AES256":
		store.sse = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if cfg.KMSKeyID != "" {
			if store.sse, err = encrypt.NewSSEKMS(cfg.KMSKeyID, nil); err != nil {
				return nil, fmt.Errorf("s3: kms key: %w", err)
			}
		}
	}
	return store, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Describe() string {
	target := "s3://" + s.endpoint + "/" + s.bucket
	if s.prefix != "" {
		target += "/" + s.prefix
	}
	return target
}

// BucketExists is used by the store factory before the first queue call.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.bucket)
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := storage.ObjectPath(s.prefix, namespace, "") + "/"
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	// Cancelling stops the listing goroutine when we break early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if object.Err != nil {
			pslog.LoggerFromContext(ctx).Debug("s3.list_objects.error", "namespace", namespace, "prefix", opts.Prefix, "error", object.Err)
			return nil, wrapError(object.Err, "s3: list objects")
		}
		key, ok := strings.CutPrefix(object.Key, root)
		if !ok {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         strings.Trim(object.ETag, `"`),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		result.NextStartAfter = key
	}
	return result, nil
}

// GetObject stats before returning so a missing object surfaces as
// ErrNotFound here rather than on first read.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storage.ObjectPath(s.prefix, namespace, key), minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		pslog.LoggerFromContext(ctx).Debug("s3.get_object.error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	return storage.GetObjectResult{
		Reader: &notFoundAwareObject{object: obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         strings.Trim(info.ETag, `"`),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		},
	}, nil
}

// PutObject buffers the body: a known length keeps the upload single-part,
// which is the only form that carries the conditional headers.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, ServerSideEncryption: s.sse}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	switch {
	case opts.ExpectedETag != "":
		putOpts.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		putOpts.SetMatchETagExcept("*")
	}
	object := storage.ObjectPath(s.prefix, namespace, key)
	info, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		if cond := storage.ConditionError(isPreconditionFailed(err), isNotFound(err), opts); cond != nil {
			return nil, cond
		}
		pslog.LoggerFromContext(ctx).Debug("s3.put_object.error", "namespace", namespace, "key", key, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(info.ETag, `"`),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject compares the etag against a stat first; minio has no
// conditional remove.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	object := storage.ObjectPath(s.prefix, namespace, key)
	info, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if !isNotFound(err) {
			return wrapError(err, "s3: stat object")
		}
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && strings.Trim(info.ETag, `"`) != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		pslog.LoggerFromContext(ctx).Debug("s3.delete_object.error", "namespace", namespace, "key", key, "error", err)
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// notFoundAwareObject maps the lazy 404 minio reports on first read.
type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error { return o.object.Close() }

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

func wrapError(err error, msg string) error {
	return storage.WrapError(err, msg, isRetryable)
}

func isRetryable(err error) bool {
	if storage.IsRetryableNetworkError(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode != 0 && storage.IsRetryableStatus(resp.StatusCode)
}
