package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/shardq/internal/storage"
)

// Kind discriminates engine failures.
type Kind string

const (
	KindStorageUnavailable Kind = "storage_unavailable"
	KindStorageFailure     Kind = "storage_failure"
	KindQueueNotFound      Kind = "queue_not_found"
	KindQueueAlreadyExists Kind = "queue_already_exists"
	KindLeaseConflict      Kind = "lease_conflict"
	KindInvalidMessage     Kind = "invalid_message"
	KindSerialization      Kind = "serialization"
	KindMessageNotFound    Kind = "message_not_found"
)

// Sentinels matched with errors.Is against any *Error of the same Kind.
var (
	ErrStorageUnavailable = errors.New("mq: storage unavailable")
	ErrStorageFailure     = errors.New("mq: storage failure")
	ErrQueueNotFound      = errors.New("mq: queue not found")
	ErrQueueAlreadyExists = errors.New("mq: queue already exists")
	ErrLeaseConflict      = errors.New("mq: lease conflict")
	ErrInvalidMessage     = errors.New("mq: invalid message")
	ErrSerialization      = errors.New("mq: serialization failure")
	ErrMessageNotFound    = errors.New("mq: message not found")
)

var kindSentinels = map[Kind]error{
	KindStorageUnavailable: ErrStorageUnavailable,
	KindStorageFailure:     ErrStorageFailure,
	KindQueueNotFound:      ErrQueueNotFound,
	KindQueueAlreadyExists: ErrQueueAlreadyExists,
	KindLeaseConflict:      ErrLeaseConflict,
	KindInvalidMessage:     ErrInvalidMessage,
	KindSerialization:      ErrSerialization,
	KindMessageNotFound:    ErrMessageNotFound,
}

// Error is the single error type returned by queue operations. Err holds the
// underlying cause (usually a storage error) and stays reachable through
// errors.Unwrap, so storage.IsTransient keeps working on the result.
type Error struct {
	Kind  Kind
	Op    string
	Queue string
	ID    string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("mq: ")
	b.WriteString(e.Op)
	if e.Queue != "" {
		fmt.Fprintf(&b, " queue=%s", e.Queue)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " id=%s", e.ID)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, queue, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, Queue: queue, ID: id, Err: err}
}

// storageError converts a failed store round-trip into an engine error.
// Transient failures and request timeouts become KindStorageUnavailable,
// anything else the store answered with is KindStorageFailure. Caller
// cancellation passes through untouched and errors that already carry a Kind
// keep it.
func storageError(op, queue, id string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isUnavailable(err) {
		return newError(KindStorageUnavailable, op, queue, id, err)
	}
	return newError(KindStorageFailure, op, queue, id, err)
}

func isCASLoss(err error) bool {
	return errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound)
}

// isUnavailable reports whether err means the store could not answer, as
// opposed to answering with a permanent failure.
func isUnavailable(err error) bool {
	return storage.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
