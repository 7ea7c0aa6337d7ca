package vault_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/vault"
	"github.com/masa-finance/scan-worker/pkg/tee"
)

const sealingKey = "0123456789abcdef0123456789abcdef"

func material() vault.Material {
	return vault.Material{
		Cookies:   map[string]string{"auth_token": "secret-token", "ct0": "csrf"},
		UserAgent: "Mozilla/5.0",
		URL:       "https://x.com/home",
	}
}

func vaultBehaviour(newStore func() vault.Store) {
	var (
		ctx   context.Context
		v     *vault.Vault
		store vault.Store
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		store = newStore()
		sealer, err := tee.NewSealer(true, sealingKey)
		Expect(err).NotTo(HaveOccurred())
		v = vault.New(store, sealer, vault.Options{Now: func() time.Time { return now }})
		DeferCleanup(v.Close)
	})

	Describe("Submit", func() {
		It("rejects submissions without cookies", func() {
			_, err := v.Submit(ctx, "owner-1", vault.Material{})
			Expect(err).To(MatchError(vault.ErrInvalidSessionMaterial))

			_, err = v.Submit(ctx, "owner-1", vault.Material{Cookies: map[string]string{" ": "x"}})
			Expect(err).To(MatchError(vault.ErrInvalidSessionMaterial))
		})

		It("stores material under the owner key, sealed", func() {
			receipt, err := v.Submit(ctx, "owner-1", material())
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt).To(Equal(vault.Receipt{Accepted: true, ID: "owner-1"}))

			e, err := store.Get(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Sealed).NotTo(ContainSubstring("secret-token"))
			Expect(e.CookieCount).To(Equal(2))
		})

		It("keys anonymous submissions with a fresh anonymous id", func() {
			receipt, err := v.Submit(ctx, "", material())
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.ID).To(HavePrefix(vault.AnonymousPrefix))

			other, err := v.Submit(ctx, "", material())
			Expect(err).NotTo(HaveOccurred())
			Expect(other.ID).NotTo(Equal(receipt.ID))
		})
	})

	Describe("CheckValidity", func() {
		It("is invalid without material", func() {
			validity, err := v.CheckValidity(ctx, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(validity.Valid).To(BeFalse())
			Expect(validity.Info).To(BeNil())
		})

		It("reports metadata but no cookie values", func() {
			_, err := v.Submit(ctx, "owner-1", material())
			Expect(err).NotTo(HaveOccurred())
			now = now.Add(time.Hour)

			validity, err := v.CheckValidity(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(validity.Valid).To(BeTrue())
			Expect(validity.Info.AgeSeconds).To(Equal(int64(3600)))
			Expect(validity.Info.CookieCount).To(Equal(2))
			Expect(validity.Info.ReadsRemaining).To(Equal(vault.DefaultMaxReads))
		})

		It("never reports stale material as valid even when stored valid", func() {
			_, err := v.Submit(ctx, "owner-1", material())
			Expect(err).NotTo(HaveOccurred())
			now = now.Add(25 * time.Hour)

			e, err := store.Get(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Valid).To(BeTrue())

			validity, err := v.CheckValidity(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(validity.Valid).To(BeFalse())

			_, err = v.Consume(ctx, "owner-1")
			Expect(err).To(MatchError(vault.ErrSessionExpired))
		})
	})

	Describe("Consume", func() {
		It("returns the material a bounded number of times", func() {
			_, err := v.Submit(ctx, "owner-1", material())
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < vault.DefaultMaxReads; i++ {
				m, err := v.Consume(ctx, "owner-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Cookies).To(HaveKeyWithValue("auth_token", "secret-token"))
				Expect(m.OwnerID).To(Equal("owner-1"))
			}

			_, err = v.Consume(ctx, "owner-1")
			Expect(err).To(MatchError(vault.ErrSessionExpired))

			validity, err := v.CheckValidity(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(validity.Valid).To(BeFalse())
			Expect(validity.Info.ReadsRemaining).To(Equal(0))
		})

		It("fails without material", func() {
			_, err := v.Consume(ctx, "owner-1")
			Expect(err).To(MatchError(vault.ErrNoSession))
		})

		It("refuses invalidated material", func() {
			_, err := v.Submit(ctx, "owner-1", material())
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Invalidate(ctx, "owner-1")).To(Succeed())
			Expect(v.Invalidate(ctx, "nobody")).To(Succeed())

			_, err = v.Consume(ctx, "owner-1")
			Expect(err).To(MatchError(vault.ErrSessionExpired))
		})
	})

	Describe("Claim", func() {
		It("moves anonymous material to the owner", func() {
			_, err := v.Submit(ctx, "owner-1", vault.Material{Cookies: map[string]string{"auth_token": "old"}})
			Expect(err).NotTo(HaveOccurred())
			receipt, err := v.Submit(ctx, "", material())
			Expect(err).NotTo(HaveOccurred())

			Expect(v.Claim(ctx, receipt.ID, "owner-1")).To(Succeed())

			_, err = store.Get(ctx, receipt.ID)
			Expect(err).To(MatchError(vault.ErrNoSession))

			m, err := v.Consume(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Cookies).To(HaveKeyWithValue("auth_token", "secret-token"))
			Expect(m.OwnerID).To(Equal("owner-1"))
		})

		It("rejects malformed anonymous ids", func() {
			Expect(v.Claim(ctx, "owner-2", "owner-1")).To(MatchError(vault.ErrInvalidClaim))
			Expect(v.Claim(ctx, "anon-not-a-uuid", "owner-1")).To(MatchError(vault.ErrInvalidClaim))
		})

		It("fails for unknown or stale anonymous material", func() {
			Expect(v.Claim(ctx, "anon-5f0c6f1e-8a57-4b8e-9a57-0d5cbe1d7a10", "owner-1")).To(MatchError(vault.ErrNoSession))

			receipt, err := v.Submit(ctx, "", material())
			Expect(err).NotTo(HaveOccurred())
			now = now.Add(48 * time.Hour)
			Expect(v.Claim(ctx, receipt.ID, "owner-1")).To(MatchError(vault.ErrNoSession))
		})
	})

	Describe("Sweep", func() {
		It("removes stale and invalidated material only", func() {
			_, err := v.Submit(ctx, "stale", material())
			Expect(err).NotTo(HaveOccurred())
			now = now.Add(23 * time.Hour)
			_, err = v.Submit(ctx, "fresh", material())
			Expect(err).NotTo(HaveOccurred())
			_, err = v.Submit(ctx, "revoked", material())
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Invalidate(ctx, "revoked")).To(Succeed())
			now = now.Add(2 * time.Hour)

			n, err := v.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			_, err = store.Get(ctx, "fresh")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Get(ctx, "stale")
			Expect(err).To(MatchError(vault.ErrNoSession))
		})
	})
}

var _ = Describe("Vault with memory store", func() {
	vaultBehaviour(func() vault.Store { return vault.NewMemoryStore() })
})

var _ = Describe("Vault with sqlite store", func() {
	vaultBehaviour(func() vault.Store {
		ctx := context.Background()
		s, err := vault.OpenSQL(ctx, dbx.DialectSQLite, filepath.Join(GinkgoT().TempDir(), "vault.db"))
		Expect(err).NotTo(HaveOccurred())
		return s
	})
})

var _ = Describe("Material", func() {
	It("never stores blank cookie names", func() {
		sealer, err := tee.NewSealer(true, sealingKey)
		Expect(err).NotTo(HaveOccurred())
		store := vault.NewMemoryStore()
		v := vault.New(store, sealer, vault.Options{})

		_, err = v.Submit(context.Background(), "owner-1", vault.Material{Cookies: map[string]string{"": "x", "ct0": "y"}})
		Expect(err).NotTo(HaveOccurred())

		m, err := v.Consume(context.Background(), "owner-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Cookies).To(HaveLen(1))
		Expect(m.Cookies).To(HaveKeyWithValue("ct0", "y"))
	})
})
