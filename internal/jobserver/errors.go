package jobserver

import "errors"

var (
	// ErrQueueClosed is returned when attempting to use a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when attempting to enqueue to a full queue
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueEmpty is returned when attempting to dequeue from empty queues
	ErrQueueEmpty = errors.New("all queues are empty")

	// ErrNotRetryable is returned when retrying a scan that has not failed
	ErrNotRetryable = errors.New("only failed scans can be retried")
)
