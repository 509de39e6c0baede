package shardq

import "pkt.systems/shardq/internal/mq"

// Queue errors, matched with errors.Is against anything returned by a queue
// handle.
var (
	ErrStorageUnavailable = mq.ErrStorageUnavailable
	ErrStorageFailure     = mq.ErrStorageFailure
	ErrQueueNotFound      = mq.ErrQueueNotFound
	ErrQueueAlreadyExists = mq.ErrQueueAlreadyExists
	ErrLeaseConflict      = mq.ErrLeaseConflict
	ErrInvalidMessage     = mq.ErrInvalidMessage
	ErrSerialization      = mq.ErrSerialization
	ErrMessageNotFound    = mq.ErrMessageNotFound
)
