package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/internal/health"
	"github.com/masa-finance/scan-worker/internal/sandbox"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		provider   *fakeProvider
		tracker    *health.Tracker
		dispatcher *sandbox.Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = newFakeProvider()
		tracker = health.NewTracker()
		dispatcher = sandbox.NewDispatcher(provider, sandbox.DispatcherConfig{
			MaxSandboxes:    1,
			PollInterval:    5 * time.Millisecond,
			MaxPollInterval: 20 * time.Millisecond,
		}, tracker, nil)
	})

	Describe("Acquire", func() {
		It("fails fast once every slot is taken", func() {
			h, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())

			_, err = dispatcher.Acquire(ctx, "bob")
			Expect(err).To(MatchError(sandbox.ErrCapacityExceeded))
			Expect(err.Error()).To(ContainSubstring("capacity"))

			Expect(dispatcher.Release(ctx, h)).To(Succeed())
			_, err = dispatcher.Acquire(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps provider capacity errors and frees the slot", func() {
			provider.acquireErr = sandbox.ErrCapacityExceeded

			_, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).To(MatchError(sandbox.ErrCapacityExceeded))

			status, _ := tracker.GetStatus(health.CapabilitySandbox)
			Expect(status.IsHealthy).To(BeTrue())

			provider.acquireErr = nil
			_, err = dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
		})

		It("classifies other provider errors as provisioning failures", func() {
			provider.acquireErr = errors.New("boom")

			_, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).To(MatchError(sandbox.ErrProvisionFailed))

			status, _ := tracker.GetStatus(health.CapabilitySandbox)
			Expect(status.IsHealthy).To(BeFalse())
		})

		It("releases a partially acquired sandbox", func() {
			provider.acquireErr = sandbox.ErrProvisionFailed
			provider.partial = true

			_, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).To(MatchError(sandbox.ErrProvisionFailed))
			Expect(provider.releases("sbx-1")).To(Equal(1))
			Expect(dispatcher.InUse()).To(BeZero())
		})
	})

	Describe("Release", func() {
		It("reaches the provider exactly once", func() {
			h, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.Release(ctx, h)).To(Succeed())
			Expect(dispatcher.Release(ctx, h)).To(Succeed())
			dispatcher.ReleaseAll(ctx)

			Expect(provider.releases(h.ID)).To(Equal(1))
			Expect(dispatcher.InUse()).To(BeZero())
		})

		It("refuses to operate on released sandboxes", func() {
			h, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(dispatcher.Release(ctx, h)).To(Succeed())

			_, err = dispatcher.Run(ctx, h, sandbox.ExtractCommand("alice", "/out", 10))
			Expect(err).To(MatchError(sandbox.ErrUnknownSandbox))
		})
	})

	Describe("Run", func() {
		It("turns a non-zero exit into an ExitError", func() {
			provider.runResult = sandbox.CommandResult{ExitCode: 3, Stderr: "no browser"}
			h, err := dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())

			_, err = dispatcher.Run(ctx, h, sandbox.ExtractCommand("alice", "/out", 10))
			Expect(err).To(MatchError(sandbox.ErrNonZeroExit))

			var exit *sandbox.ExitError
			Expect(errors.As(err, &exit)).To(BeTrue())
			Expect(exit.Code).To(Equal(3))
			Expect(exit.Stderr).To(Equal("no browser"))
		})
	})

	Describe("AwaitArtifact", func() {
		var h sandbox.Handle

		BeforeEach(func() {
			var err error
			h, err = dispatcher.Acquire(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
		})

		It("polls until the file appears", func() {
			provider.files["/out/result.json"] = []byte(`{"status":"completed"}`)
			provider.readsBefore = 3
			polls := 0

			data, err := dispatcher.AwaitArtifact(ctx, h, "/out/result.json", time.Second, func(context.Context) { polls++ })
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("completed"))
			Expect(polls).To(Equal(4))
		})

		It("times out when the file never appears", func() {
			_, err := dispatcher.AwaitArtifact(ctx, h, "/out/result.json", 50*time.Millisecond, nil)
			Expect(err).To(MatchError(sandbox.ErrTimeout))
			Expect(provider.readCount()).To(BeNumerically(">", 1))
		})

		It("retries transient read errors", func() {
			provider.files["/out/result.json"] = []byte(`{"status":"completed"}`)
			provider.readErrs = []error{
				fmt.Errorf("%w: status 502", sandbox.ErrTransient),
				fmt.Errorf("%w: connection reset", sandbox.ErrTransient),
			}

			data, err := dispatcher.AwaitArtifact(ctx, h, "/out/result.json", time.Second, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("completed"))
			Expect(provider.readCount()).To(Equal(3))
		})

		It("reports the last transient error on timeout", func() {
			for i := 0; i < 1000; i++ {
				provider.readErrs = append(provider.readErrs, fmt.Errorf("%w: status 503", sandbox.ErrTransient))
			}

			_, err := dispatcher.AwaitArtifact(ctx, h, "/out/result.json", 50*time.Millisecond, nil)
			Expect(err).To(MatchError(sandbox.ErrTimeout))
			Expect(err.Error()).To(ContainSubstring("status 503"))
		})

		It("fails at once on other read errors", func() {
			provider.readErrs = []error{errors.New("forbidden")}

			_, err := dispatcher.AwaitArtifact(ctx, h, "/out/result.json", time.Second, nil)
			Expect(err).To(MatchError("forbidden"))
			Expect(provider.readCount()).To(Equal(1))
		})

		It("stops when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			time.AfterFunc(20*time.Millisecond, cancel)

			_, err := dispatcher.AwaitArtifact(cctx, h, "/out/result.json", time.Minute, nil)
			Expect(err).To(MatchError(context.Canceled))
		})
	})
})
