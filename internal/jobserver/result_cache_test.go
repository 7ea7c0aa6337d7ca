package jobserver

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/api/types"
)

var _ = Describe("ResultCache", func() {
	var (
		cache *ResultCache
		mu    sync.Mutex
		now   time.Time
	)

	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	newCache := func(size int, age time.Duration) *ResultCache {
		c := NewResultCache(size, age)
		c.lock.Lock()
		c.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		c.lock.Unlock()
		return c
	}

	BeforeEach(func() {
		mu.Lock()
		now = time.Unix(1_700_000_000, 0)
		mu.Unlock()
	})

	AfterEach(func() {
		if cache != nil {
			cache.Close()
		}
	})

	It("should set and get views with their owner", func() {
		cache = newCache(0, 0)
		cache.Set("abc", "alice", types.ScanView{ScanID: "abc", Status: "completed"})

		view, owner, ok := cache.Get("abc")
		Expect(ok).To(BeTrue())
		Expect(owner).To(Equal("alice"))
		Expect(view.ScanID).To(Equal("abc"))
	})

	It("should evict oldest when max size is reached", func() {
		cache = newCache(3, time.Minute)
		for i := 0; i < 5; i++ {
			key := string(rune('a' + i))
			cache.Set(key, "alice", types.ScanView{ScanID: key})
		}
		Expect(cache.Len()).To(Equal(3))
		_, _, ok := cache.Get("a")
		Expect(ok).To(BeFalse())
		_, _, ok = cache.Get("e")
		Expect(ok).To(BeTrue())
	})

	It("should evict by age", func() {
		cache = newCache(10, time.Second)
		cache.Set("expireme", "alice", types.ScanView{ScanID: "expireme"})

		advance(1100 * time.Millisecond)
		_, _, ok := cache.Get("expireme")
		Expect(ok).To(BeFalse())
		Expect(cache.Len()).To(Equal(0))
	})

	It("should clean up expired entries", func() {
		cache = newCache(10, time.Second)
		cache.Set("old", "alice", types.ScanView{ScanID: "old"})
		advance(800 * time.Millisecond)
		cache.Set("new", "alice", types.ScanView{ScanID: "new"})

		advance(500 * time.Millisecond)
		cache.cleanupExpired()
		Expect(cache.Len()).To(Equal(1))
	})
})
