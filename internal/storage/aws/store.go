// Package aws keeps queue objects in Amazon S3 through aws-sdk-go-v2, using
// the native If-Match and If-None-Match conditional writes.
package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/storage"
)

// Config selects the bucket, endpoint and encryption.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	// Credentials replaces the default provider chain.
	Credentials aws.CredentialsProvider
}

// Store is a storage.Backend over one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	sse    func(*s3.PutObjectInput)
}

// New builds an S3 client for cfg.Region, honouring a custom endpoint for
// S3-compatible services.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: storage.HTTPTransport(cfg.Insecure)}),
	}
	if cfg.Credentials != nil {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loaders...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.Insecure {
			endpoint = "http://" + endpoint
		} else {
			endpoint = "https://" + endpoint
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpoint)
		// S3-compatible endpoints rarely accept the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		sse:    sseOption(cfg.ServerSideEnc, cfg.KMSKeyID),
	}, nil
}

func sseOption(mode, keyID string) func(*s3.PutObjectInput) {
	switch strings.ToUpper(mode) {
	case "AES256":
		return func(in *s3.PutObjectInput) { in.ServerSideEncryption = types.ServerSideEncryptionAes256 }
	case "AWS:KMS", "KMS":
		return func(in *s3.PutObjectInput) {
			in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if keyID != "" {
				in.SSEKMSKeyId = aws.String(keyID)
			}
		}
	}
	return func(*s3.PutObjectInput) {}
}

func (s *Store) Close() error { return nil }

func (s *Store) Describe() string {
	if s.prefix == "" {
		return "aws://" + s.bucket
	}
	return "aws://" + s.bucket + "/" + s.prefix
}

// BucketExists is used by the store factory before the first queue call.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := storage.ObjectPath(s.prefix, namespace, "") + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() && !result.Truncated {
		page, err := pages.NextPage(ctx)
		if err != nil {
			pslog.LoggerFromContext(ctx).Debug("aws.list_objects.error", "namespace", namespace, "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			key, ok := strings.CutPrefix(aws.ToString(object.Key), root)
			if !ok {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				break
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         strings.Trim(aws.ToString(object.ETag), `"`),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
			result.NextStartAfter = key
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit && pages.HasMorePages() {
			result.Truncated = true
		}
	}
	return result, nil
}

func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storage.ObjectPath(s.prefix, namespace, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		pslog.LoggerFromContext(ctx).Debug("aws.get_object.error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	return storage.GetObjectResult{
		Reader: resp.Body,
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// PutObject buffers the body so the SDK can sign a single-part upload that
// carries the conditional headers.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(storage.ObjectPath(s.prefix, namespace, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	s.sse(input)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if cond := storage.ConditionError(isPreconditionFailed(err), isNotFound(err), opts); cond != nil {
			return nil, cond
		}
		pslog.LoggerFromContext(ctx).Debug("aws.put_object.error", "namespace", namespace, "key", key, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject compares the etag against a HEAD first and then sends it as
// If-Match for endpoints that honour conditional deletes.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	object := aws.String(storage.ObjectPath(s.prefix, namespace, key))
	missing := storage.ErrNotFound
	if opts.IgnoreNotFound {
		missing = nil
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: object})
	if isNotFound(err) {
		return missing
	}
	if err != nil {
		return wrapError(err, "aws: head object")
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: object}
	if opts.ExpectedETag != "" {
		if strings.Trim(aws.ToString(head.ETag), `"`) != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	_, err = s.client.DeleteObject(ctx, input)
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return missing
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	}
	pslog.LoggerFromContext(ctx).Debug("aws.delete_object.error", "namespace", namespace, "key", key, "error", err)
	return wrapError(err, "aws: delete object")
}

func wrapError(err error, msg string) error {
	return storage.WrapError(err, msg, isRetryable)
}

// errorDetail pulls the S3 error code and HTTP status out of an SDK error.
func errorDetail(err error) (code string, status int) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status = statusErr.HTTPStatusCode()
	}
	return code, status
}

func isRetryable(err error) bool {
	if storage.IsRetryableNetworkError(err) {
		return true
	}
	_, status := errorDetail(err)
	return status != 0 && storage.IsRetryableStatus(status)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	code, status := errorDetail(err)
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	code, status := errorDetail(err)
	switch code {
	case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
		return true
	}
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}
