package store_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/store"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newClock() *tickingClock {
	return &tickingClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func storeBehaviour(newStore func(clock store.Clock) store.Store) {
	var (
		ctx   context.Context
		s     store.Store
		clock *tickingClock
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = newClock()
		s = newStore(clock.Now)
		DeferCleanup(s.Close)
	})

	create := func(handle string) *scan.Record {
		rec, err := scan.New(uuid.NewString(), "owner-1", handle)
		Expect(err).NotTo(HaveOccurred())
		created, err := s.Create(ctx, rec)
		Expect(err).NotTo(HaveOccurred())
		return created
	}

	toRunning := func(id string) *scan.Record {
		_, err := s.Update(ctx, id, scan.StatusPending, (*scan.Record).Dispatch)
		Expect(err).NotTo(HaveOccurred())
		rec, err := s.Update(ctx, id, scan.StatusDispatching, func(r *scan.Record) error {
			return r.Start("sbx-1")
		})
		Expect(err).NotTo(HaveOccurred())
		return rec
	}

	It("creates and reads back a pending record", func() {
		rec := create("alice")
		Expect(rec.CreatedAt).NotTo(BeZero())
		Expect(rec.UpdatedAt).To(Equal(rec.CreatedAt))

		got, err := s.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status()).To(Equal(scan.StatusPending))
		Expect(got.TargetHandle).To(Equal("alice"))
		Expect(got.OwnerID).To(Equal("owner-1"))
		Expect(got.CreatedAt.Equal(rec.CreatedAt)).To(BeTrue())
	})

	It("rejects duplicate ids", func() {
		rec := create("alice")
		dup, err := scan.New(rec.ID, "owner-2", "bob")
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Create(ctx, dup)
		Expect(err).To(MatchError(store.ErrAlreadyExists))
	})

	It("returns ErrNotFound for unknown ids", func() {
		_, err := s.Get(ctx, "missing")
		Expect(err).To(MatchError(store.ErrNotFound))

		_, err = s.Update(ctx, "missing", scan.StatusPending, (*scan.Record).Dispatch)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("applies a mutation only when the expected status matches", func() {
		rec := create("alice")

		_, err := s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			Fail("mutation must not run on a mismatch")
			return nil
		})
		Expect(err).To(MatchError(store.ErrStatusMismatch))
		actual, ok := store.ActualStatus(err)
		Expect(ok).To(BeTrue())
		Expect(actual).To(Equal(scan.StatusPending))

		updated, err := s.Update(ctx, rec.ID, scan.StatusPending, (*scan.Record).Dispatch)
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.Status()).To(Equal(scan.StatusDispatching))
		Expect(updated.UpdatedAt.After(rec.UpdatedAt)).To(BeTrue())
	})

	It("does not write when the mutation fails", func() {
		rec := create("alice")

		_, err := s.Update(ctx, rec.ID, scan.StatusPending, func(r *scan.Record) error {
			return r.Start("sbx-1")
		})
		Expect(err).To(MatchError(scan.ErrIllegalTransition))

		got, err := s.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status()).To(Equal(scan.StatusPending))
		Expect(got.UpdatedAt.Equal(rec.UpdatedAt)).To(BeTrue())
	})

	It("rejects edges outside the transition table even when set directly", func() {
		rec := create("alice")

		_, err := s.Update(ctx, rec.ID, scan.StatusPending, func(r *scan.Record) error {
			r.State = scan.Completed{SandboxID: "sbx-1"}
			return nil
		})
		Expect(err).To(MatchError(scan.ErrIllegalTransition))
	})

	It("keeps the sandbox id and progress from moving backwards", func() {
		rec := toRunning(create("alice").ID)

		_, err := s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			r.State = scan.AwaitingSession{SandboxID: "sbx-2"}
			return nil
		})
		Expect(err).To(MatchError(store.ErrImmutableField))

		_, err = s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			_, err := r.SetProgress(40)
			return err
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			r.Progress = 10
			return nil
		})
		Expect(err).To(MatchError(store.ErrImmutableField))
	})

	It("stores the result together with the completed status", func() {
		rec := toRunning(create("alice").ID)

		_, err := s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			return r.Complete(scan.Result{Followers: []scan.Follower{
				{UserID: "1", Username: "bob"},
				{UserID: "2", Username: "carol", Name: "Carol"},
			}})
		})
		Expect(err).NotTo(HaveOccurred())

		got, err := s.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		completed, ok := got.State.(scan.Completed)
		Expect(ok).To(BeTrue())
		Expect(completed.FollowerCount()).To(Equal(2))
		Expect(completed.Result.Followers[1].Name).To(Equal("Carol"))
		Expect(completed.SandboxID).To(Equal("sbx-1"))
		Expect(completed.CompletedAt).NotTo(BeZero())
		Expect(got.Progress).To(Equal(100))
	})

	It("refuses every write to a terminal record", func() {
		rec := create("alice")
		_, err := s.Update(ctx, rec.ID, scan.StatusPending, func(r *scan.Record) error {
			return r.Fail(scan.ErrorDetails{Kind: scan.KindQueueFull}, "")
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Update(ctx, rec.ID, scan.StatusFailed, func(r *scan.Record) error {
			return nil
		})
		Expect(err).To(MatchError(scan.ErrTerminal))

		got, err := s.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		failed := got.State.(scan.Failed)
		Expect(failed.Error).To(Equal(scan.KindQueueFull.Message()))
		Expect(failed.Details.Kind).To(Equal(scan.KindQueueFull))
	})

	It("lets exactly one of many concurrent resumes win", func() {
		rec := toRunning(create("alice").ID)
		_, err := s.Update(ctx, rec.ID, scan.StatusRunning, func(r *scan.Record) error {
			return r.AwaitSession(scan.AuthChallenge{URL: "https://sandbox.example/live"})
		})
		Expect(err).NotTo(HaveOccurred())

		const writers = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := s.Update(ctx, rec.ID, scan.StatusAwaitingSession, (*scan.Record).Resume)
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
					return
				}
				Expect(err).To(MatchError(store.ErrStatusMismatch))
			}()
		}
		wg.Wait()

		Expect(applied).To(Equal(1))
		got, err := s.Get(ctx, rec.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status()).To(Equal(scan.StatusRunning))
		Expect(got.LiveSessionActive).To(BeTrue())
	})

	It("never writes on a read", func() {
		rec := create("alice")
		for i := 0; i < 3; i++ {
			got, err := s.Get(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.UpdatedAt.Equal(rec.UpdatedAt)).To(BeTrue())
		}
	})

	It("lists stale active records for the watchdog", func() {
		stale := create("alice")
		done := create("bob")
		_, err := s.Update(ctx, done.ID, scan.StatusPending, func(r *scan.Record) error {
			return r.Fail(scan.ErrorDetails{Kind: scan.KindInternal}, "boom")
		})
		Expect(err).NotTo(HaveOccurred())
		cutoff := clock.Now()
		fresh := create("carol")

		list, err := s.ListActive(ctx, cutoff)
		Expect(err).NotTo(HaveOccurred())

		var ids []string
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		Expect(ids).To(ConsistOf(stale.ID))
		Expect(ids).NotTo(ContainElement(fresh.ID))
	})
}

var _ = Describe("MemoryStore", func() {
	storeBehaviour(func(clock store.Clock) store.Store {
		return store.NewMemoryStoreWithClock(clock)
	})
})

var _ = Describe("SQLStore on sqlite", func() {
	storeBehaviour(func(clock store.Clock) store.Store {
		ctx := context.Background()
		db, err := dbx.Open(ctx, dbx.DialectSQLite, filepath.Join(GinkgoT().TempDir(), "scans.db"))
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Migrate(ctx, db, dbx.DialectSQLite)).To(Succeed())
		return store.NewSQLStore(db, dbx.DialectSQLite, clock)
	})
})

var _ = Describe("SQLStore on postgres", func() {
	BeforeEach(func() {
		if os.Getenv("SCAN_TEST_POSTGRES_DSN") == "" {
			Skip("SCAN_TEST_POSTGRES_DSN not set")
		}
	})

	storeBehaviour(func(clock store.Clock) store.Store {
		ctx := context.Background()
		db, err := dbx.Open(ctx, dbx.DialectPostgres, os.Getenv("SCAN_TEST_POSTGRES_DSN"))
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Migrate(ctx, db, dbx.DialectPostgres)).To(Succeed())
		_, err = db.ExecContext(ctx, "DELETE FROM scans")
		Expect(err).NotTo(HaveOccurred())
		return store.NewSQLStore(db, dbx.DialectPostgres, clock)
	})
})
