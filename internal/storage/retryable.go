package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// IsNetworkConnectionError reports whether err looks like a dropped or
// refused connection.
func IsNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if IsNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}

// IsRetryableNetworkError covers deadlines, timeouts, temporary DNS failures
// and connection drops. Backends add their own status-code checks on top.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status returned by an object
// store should be retried.
func IsRetryableStatus(status int) bool {
	if status >= http.StatusInternalServerError {
		return true
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

// WrapError prefixes err with msg and marks it transient when retryable
// reports true.
func WrapError(err error, msg string, retryable func(error) bool) error {
	if err == nil {
		return nil
	}
	transient := retryable != nil && retryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if transient {
		return NewTransientError(err)
	}
	return err
}
