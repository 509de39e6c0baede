// Package azure keeps queue objects as block blobs in an Azure Storage
// container. ETag access conditions provide compare-and-swap.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/storage"
)

// Config selects the account, container and credentials. SASToken wins over
// AccountKey when both are set.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store is a storage.Backend over one blob container.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New builds a client for cfg and creates the container when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: &http.Client{Transport: storage.HTTPTransport(false)},
		},
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		var withSAS string
		if withSAS, err = appendSASToken(endpoint, cfg.SASToken); err != nil {
			return nil, err
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	case cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		if cred, err = azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey); err != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	default:
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "azure: create container")
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		sas = u.RawQuery + "&" + sas
	}
	u.RawQuery = sas
	return u.String(), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Describe() string {
	target := s.endpoint + "/" + s.container
	if s.prefix != "" {
		target += "/" + s.prefix
	}
	return target
}

func (s *Store) blobName(namespace, key string) (string, error) {
	if namespace == "" || strings.TrimPrefix(key, "/") == "" {
		return "", fmt.Errorf("%w: azure: namespace and key required", storage.ErrInvalidKey)
	}
	return storage.ObjectPath(s.prefix, namespace, key), nil
}

// ListObjects filters StartAfter client side; blob listings only offer
// opaque markers.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := storage.ObjectPath(s.prefix, namespace, "") + "/"
	listOpts := &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(root + strings.TrimPrefix(opts.Prefix, "/"))}
	if opts.Limit > 0 {
		listOpts.MaxResults = to.Ptr(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	pager := s.client.NewListBlobsFlatPager(s.container, listOpts)
	for pager.More() && !result.Truncated {
		page, err := pager.NextPage(ctx)
		if err != nil {
			pslog.LoggerFromContext(ctx).Debug("azure.list_objects.error", "namespace", namespace, "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key, ok := strings.CutPrefix(*item.Name, root)
			if !ok || key == "" || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				break
			}
			info := storage.ObjectInfo{Key: key}
			if p := item.Properties; p != nil {
				info = objectInfo(key, p.ETag, p.ContentLength, p.LastModified, p.ContentType)
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = key
		}
	}
	return result, nil
}

func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := objectInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return storage.GetObjectResult{Reader: resp.Body, Info: &info}, nil
}

func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		AccessConditions: accessConditions(opts.ExpectedETag, opts.IfNotExists),
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, name, counter, uploadOpts)
	if err != nil {
		if cond := storage.ConditionError(isPreconditionFailed(err), isNotFound(err), opts); cond != nil {
			return nil, cond
		}
		return nil, wrapError(err, "azure: upload object")
	}
	modified := time.Now().UTC()
	if resp.LastModified != nil {
		modified = *resp.LastModified
	}
	info := objectInfo(key, resp.ETag, &counter.n, &modified, &contentType)
	return &info, nil
}

func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{AccessConditions: accessConditions(opts.ExpectedETag, false)}
	_, err = s.client.DeleteBlob(ctx, s.container, name, deleteOpts)
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	}
	return wrapError(err, "azure: delete object")
}

func accessConditions(etag string, ifNotExists bool) *blob.AccessConditions {
	var cond blob.ModifiedAccessConditions
	switch {
	case etag != "":
		cond.IfMatch = to.Ptr(azcore.ETag(etag))
	case ifNotExists:
		cond.IfNoneMatch = to.Ptr(azcore.ETagAny)
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: &cond}
}

func objectInfo(key string, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key}
	if etag != nil {
		info.ETag = string(*etag)
	}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	return info
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func statusOf(err error) (int, string) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, respErr.ErrorCode
	}
	return 0, ""
}

func isContainerExists(err error) bool {
	status, code := statusOf(err)
	return status == http.StatusConflict && strings.EqualFold(code, "ContainerAlreadyExists")
}

func isPreconditionFailed(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}

func isNotFound(err error) bool {
	status, _ := statusOf(err)
	return status == http.StatusNotFound
}

func wrapError(err error, msg string) error {
	return storage.WrapError(err, msg, isRetryable)
}

func isRetryable(err error) bool {
	if storage.IsRetryableNetworkError(err) {
		return true
	}
	status, _ := statusOf(err)
	return status != 0 && storage.IsRetryableStatus(status)
}
