package jobserver_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/internal/jobserver"
)

var _ = Describe("PriorityQueue", func() {
	var pq *jobserver.PriorityQueue

	BeforeEach(func() {
		pq = jobserver.NewPriorityQueue(10, 10)
	})

	AfterEach(func() {
		pq.Close()
	})

	Describe("Enqueue and Dequeue", func() {
		It("should enqueue and dequeue from fast queue", func() {
			err := pq.EnqueueFast(&jobserver.Job{ScanID: "scan-123", OwnerID: "alice"})
			Expect(err).NotTo(HaveOccurred())

			job, err := pq.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ScanID).To(Equal("scan-123"))
		})

		It("should prioritize fast queue over slow queue", func() {
			Expect(pq.EnqueueSlow(&jobserver.Job{ScanID: "slow-1"})).To(Succeed())
			Expect(pq.EnqueueFast(&jobserver.Job{ScanID: "fast-1"})).To(Succeed())

			job, err := pq.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ScanID).To(Equal("fast-1"))

			job, err = pq.Dequeue()
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ScanID).To(Equal("slow-1"))
		})

		It("should return error when queues are empty", func() {
			_, err := pq.Dequeue()
			Expect(err).To(Equal(jobserver.ErrQueueEmpty))
		})

		It("should handle queue full scenario", func() {
			smallQueue := jobserver.NewPriorityQueue(2, 2)
			defer smallQueue.Close()

			for i := 0; i < 2; i++ {
				Expect(smallQueue.EnqueueFast(&jobserver.Job{ScanID: fmt.Sprintf("scan-%d", i)})).To(Succeed())
			}

			err := smallQueue.EnqueueFast(&jobserver.Job{ScanID: "overflow"})
			Expect(err).To(Equal(jobserver.ErrQueueFull))
		})
	})

	Describe("Blocking Dequeue", func() {
		It("should block until job is available", func() {
			var wg sync.WaitGroup
			var job *jobserver.Job
			var dequeueErr error

			wg.Add(1)
			go func() {
				defer wg.Done()
				job, dequeueErr = pq.DequeueBlocking(context.Background())
			}()

			time.Sleep(50 * time.Millisecond)
			Expect(pq.EnqueueSlow(&jobserver.Job{ScanID: "blocking-test"})).To(Succeed())

			wg.Wait()
			Expect(dequeueErr).NotTo(HaveOccurred())
			Expect(job.ScanID).To(Equal("blocking-test"))
		})

		It("should return when the context is done", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err := pq.DequeueBlocking(ctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Close", func() {
		It("rejects new jobs but hands out queued ones", func() {
			Expect(pq.EnqueueSlow(&jobserver.Job{ScanID: "queued"})).To(Succeed())
			pq.Close()
			pq.Close()

			Expect(pq.EnqueueFast(&jobserver.Job{ScanID: "late"})).To(MatchError(jobserver.ErrQueueClosed))

			job, err := pq.DequeueBlocking(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ScanID).To(Equal("queued"))

			_, err = pq.DequeueBlocking(context.Background())
			Expect(err).To(MatchError(jobserver.ErrQueueClosed))
		})

		It("drains what is left", func() {
			Expect(pq.EnqueueSlow(&jobserver.Job{ScanID: "a"})).To(Succeed())
			Expect(pq.EnqueueFast(&jobserver.Job{ScanID: "b"})).To(Succeed())
			pq.Close()

			var ids []string
			for _, j := range pq.Drain() {
				ids = append(ids, j.ScanID)
			}
			Expect(ids).To(Equal([]string{"b", "a"}))
		})
	})

	Describe("Statistics", func() {
		It("should track queue statistics", func() {
			for i := 0; i < 3; i++ {
				Expect(pq.EnqueueFast(&jobserver.Job{ScanID: fmt.Sprintf("fast-%d", i)})).To(Succeed())
			}
			for i := 0; i < 5; i++ {
				Expect(pq.EnqueueSlow(&jobserver.Job{ScanID: fmt.Sprintf("slow-%d", i)})).To(Succeed())
			}

			stats := pq.GetStats()
			Expect(stats.FastQueueDepth).To(Equal(3))
			Expect(stats.SlowQueueDepth).To(Equal(5))

			for i := 0; i < 4; i++ {
				_, err := pq.Dequeue()
				Expect(err).NotTo(HaveOccurred())
			}

			stats = pq.GetStats()
			Expect(stats.FastProcessed).To(Equal(int64(3)))
			Expect(stats.SlowProcessed).To(Equal(int64(1)))
		})
	})

	Describe("Concurrent Operations", func() {
		It("should handle concurrent enqueue and dequeue operations", func() {
			concurrentPQ := jobserver.NewPriorityQueue(500, 500)
			defer concurrentPQ.Close()

			var wg sync.WaitGroup
			numJobs := 100

			for i := 0; i < numJobs; i++ {
				wg.Add(1)
				go func(id int) {
					defer GinkgoRecover()
					defer wg.Done()
					job := &jobserver.Job{ScanID: fmt.Sprintf("scan-%d", id)}
					if id%2 == 0 {
						Expect(concurrentPQ.EnqueueFast(job)).To(Succeed())
					} else {
						Expect(concurrentPQ.EnqueueSlow(job)).To(Succeed())
					}
				}(i)
			}
			wg.Wait()

			seen := map[string]bool{}
			for i := 0; i < numJobs; i++ {
				job, err := concurrentPQ.Dequeue()
				Expect(err).NotTo(HaveOccurred())
				seen[job.ScanID] = true
			}
			Expect(seen).To(HaveLen(numJobs))

			_, err := concurrentPQ.Dequeue()
			Expect(err).To(Equal(jobserver.ErrQueueEmpty))
		})
	})
})
