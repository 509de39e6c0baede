package storage

import (
	"crypto/tls"
	"net/http"
	"path"
	"strings"
	"time"
)

// HTTPTransport returns the pooled transport shared by the bucket backends.
// insecure skips TLS verification, for self-signed test endpoints.
func HTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		t = base.Clone()
	}
	t.MaxIdleConns = 256
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	t.TLSHandshakeTimeout = 10 * time.Second
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// ObjectPath is the flat object name for key in namespace under prefix.
func ObjectPath(prefix, namespace, key string) string {
	return path.Join(prefix, namespace, strings.TrimPrefix(key, "/"))
}

// ConditionError maps a rejected conditional write to ErrCASMismatch, or to
// ErrNotFound when an ETag was expected and the object is gone. It returns
// nil for any other failure.
func ConditionError(preconditionFailed, notFound bool, opts PutObjectOptions) error {
	switch {
	case preconditionFailed:
		return ErrCASMismatch
	case notFound && opts.ExpectedETag != "":
		return ErrNotFound
	}
	return nil
}
