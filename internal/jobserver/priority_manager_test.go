package jobserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobserver"
)

var _ = Describe("PriorityManager", func() {
	It("prioritizes by tier without an endpoint", func() {
		pm := jobserver.NewPriorityManager([]string{"enterprise"}, "", 0)

		Expect(pm.IsPriority(auth.Principal{OwnerID: "a", Tier: "Enterprise"})).To(BeTrue())
		Expect(pm.IsPriority(auth.Principal{OwnerID: "b", Tier: "pro"})).To(BeFalse())
		Expect(pm.GetPriorityOwners()).To(BeEmpty())

		// returns at once without an endpoint
		pm.Run(context.Background())
	})

	It("replaces the owner list on update", func() {
		pm := jobserver.NewPriorityManager(nil, "", time.Minute)
		pm.UpdatePriorityOwners([]string{"alice", "bob"})
		Expect(pm.IsPriority(auth.Principal{OwnerID: "alice"})).To(BeTrue())

		pm.UpdatePriorityOwners([]string{"carol"})
		Expect(pm.IsPriority(auth.Principal{OwnerID: "alice"})).To(BeFalse())
		Expect(pm.GetPriorityOwners()).To(ConsistOf("carol"))
	})

	It("fetches owners from the external endpoint", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(jobserver.PriorityOwnerList{OwnerIDs: []string{"vip-1", "vip-2"}})
		}))
		defer srv.Close()

		pm := jobserver.NewPriorityManager(nil, srv.URL, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			pm.Run(ctx)
		}()

		Eventually(func() bool {
			return pm.IsPriority(auth.Principal{OwnerID: "vip-2", Tier: "free"})
		}, "2s").Should(BeTrue())

		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("keeps the previous list when the endpoint fails", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		pm := jobserver.NewPriorityManager(nil, srv.URL, time.Hour)
		pm.UpdatePriorityOwners([]string{"alice"})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			pm.Run(ctx)
		}()
		Consistently(func() bool {
			return pm.IsPriority(auth.Principal{OwnerID: "alice"})
		}, "100ms").Should(BeTrue())

		cancel()
		Eventually(done).Should(BeClosed())
	})
})
