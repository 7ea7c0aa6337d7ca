// Package jobserver runs scans: it queues accepted requests, drives one task
// per scan through the sandbox lifecycle and serves the status views.
package jobserver

import (
	"context"
	"sync"
	"time"
)

// Job is a queued scan.
type Job struct {
	ScanID   string
	OwnerID  string
	Tier     string
	Priority bool
}

// PriorityQueue implements a dual-queue system for scan prioritization.
// It maintains two separate queues:
// - Fast queue: scans of priority tiers and owners
// - Slow queue: everything else
type PriorityQueue struct {
	fastQueue chan *Job
	slowQueue chan *Job
	mu        sync.RWMutex
	closed    bool
	statsMu   sync.RWMutex
	stats     *QueueStats
}

// QueueStats provides real-time metrics about queue performance.
type QueueStats struct {
	FastQueueDepth int       `json:"fast_queue_depth"`
	SlowQueueDepth int       `json:"slow_queue_depth"`
	FastProcessed  int64     `json:"fast_processed"`
	SlowProcessed  int64     `json:"slow_processed"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// NewPriorityQueue creates a new priority queue with specified buffer sizes.
func NewPriorityQueue(fastQueueSize, slowQueueSize int) *PriorityQueue {
	return &PriorityQueue{
		fastQueue: make(chan *Job, fastQueueSize),
		slowQueue: make(chan *Job, slowQueueSize),
		stats: &QueueStats{
			LastUpdateTime: time.Now(),
		},
	}
}

// EnqueueFast adds a job to the fast (high-priority) queue.
//
// This method is non-blocking.
// Returns ErrQueueFull if the fast queue is at capacity.
// Returns ErrQueueClosed if the queue has been closed.
func (pq *PriorityQueue) EnqueueFast(job *Job) error {
	return pq.enqueue(pq.fastQueue, job, true)
}

// EnqueueSlow adds a job to the slow (regular-priority) queue.
func (pq *PriorityQueue) EnqueueSlow(job *Job) error {
	return pq.enqueue(pq.slowQueue, job, false)
}

func (pq *PriorityQueue) enqueue(q chan *Job, job *Job, fast bool) error {
	// the read lock is held across the send so Close can not close q under us
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if pq.closed {
		return ErrQueueClosed
	}

	select {
	case q <- job:
		pq.updateStats(fast, false)
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue retrieves a job without blocking, fast queue first.
// Returns ErrQueueEmpty if both queues are empty.
func (pq *PriorityQueue) Dequeue() (*Job, error) {
	select {
	case job, ok := <-pq.fastQueue:
		if ok {
			pq.updateStats(true, true)
			return job, nil
		}
	default:
	}

	select {
	case job, ok := <-pq.slowQueue:
		if ok {
			pq.updateStats(false, true)
			return job, nil
		}
	default:
	}

	if pq.isClosed() {
		return nil, ErrQueueClosed
	}
	return nil, ErrQueueEmpty
}

// DequeueBlocking waits for the next job, fast queue first. It returns
// ErrQueueClosed once the queue is closed and drained, and ctx.Err() when ctx
// is done.
func (pq *PriorityQueue) DequeueBlocking(ctx context.Context) (*Job, error) {
	fast, slow := pq.fastQueue, pq.slowQueue
	for fast != nil || slow != nil {
		// Check fast queue first
		if fast != nil {
			select {
			case job, ok := <-fast:
				if !ok {
					fast = nil
					continue
				}
				pq.updateStats(true, true)
				return job, nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case job, ok := <-fast:
			if !ok {
				fast = nil
				continue
			}
			pq.updateStats(true, true)
			return job, nil
		case job, ok := <-slow:
			if !ok {
				slow = nil
				continue
			}
			pq.updateStats(false, true)
			return job, nil
		}
	}
	return nil, ErrQueueClosed
}

// Close stops accepting jobs. Queued jobs can still be dequeued.
// This method is idempotent.
func (pq *PriorityQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.closed {
		pq.closed = true
		close(pq.fastQueue)
		close(pq.slowQueue)
	}
}

func (pq *PriorityQueue) isClosed() bool {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return pq.closed
}

// Drain returns every queued job. Only meaningful after Close.
func (pq *PriorityQueue) Drain() []*Job {
	var jobs []*Job
	for {
		job, err := pq.Dequeue()
		if err != nil {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

// GetStats returns a snapshot of current queue statistics.
func (pq *PriorityQueue) GetStats() QueueStats {
	pq.statsMu.RLock()
	defer pq.statsMu.RUnlock()

	return QueueStats{
		FastQueueDepth: len(pq.fastQueue),
		SlowQueueDepth: len(pq.slowQueue),
		FastProcessed:  pq.stats.FastProcessed,
		SlowProcessed:  pq.stats.SlowProcessed,
		LastUpdateTime: pq.stats.LastUpdateTime,
	}
}

func (pq *PriorityQueue) updateStats(isFast bool, isDequeue bool) {
	pq.statsMu.Lock()
	defer pq.statsMu.Unlock()

	if isDequeue {
		if isFast {
			pq.stats.FastProcessed++
		} else {
			pq.stats.SlowProcessed++
		}
	}
	pq.stats.LastUpdateTime = time.Now()
}
