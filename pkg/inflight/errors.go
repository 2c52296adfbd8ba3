package inflight

import "errors"

var (
	// ErrCapacityExceeded is returned by Add on a full bucket.
	ErrCapacityExceeded = errors.New("inflight: item limit exceeded")
	// ErrMessageNotFound is returned when a message id is not tracked by a bucket.
	ErrMessageNotFound = errors.New("inflight: message not found")
	// ErrBucketNotFound is returned when a bucket id is not part of the ring.
	ErrBucketNotFound = errors.New("inflight: bucket not found")
	// ErrInvalidPop is returned when a bucket other than the head is popped.
	ErrInvalidPop = errors.New("inflight: only the head bucket can be popped")
	// ErrStorageFragmented is returned by Validate when the ring has holes.
	ErrStorageFragmented = errors.New("inflight: storage fragmented")
	// ErrNotInitialized is returned when the storage is used before Init.
	ErrNotInitialized = errors.New("inflight: storage is not initialized")
	// ErrOffsetsSize is returned when an offset vector or input index does
	// not match the number of tracked inputs.
	ErrOffsetsSize = errors.New("inflight: offsets do not match tracked inputs")
)
