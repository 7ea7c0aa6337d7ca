// Package vault holds the short-lived X session material clients capture in
// their browser. Material is sealed at rest, bounded in age and in the number
// of times a sandbox may read it, and never leaves the vault except through
// Consume.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/pkg/tee"
)

const (
	AnonymousPrefix = "anon-"

	DefaultFreshness = 24 * time.Hour
	DefaultMaxReads  = 3
)

type Options struct {
	Freshness time.Duration
	MaxReads  int
	Now       func() time.Time
}

type Vault struct {
	store     Store
	sealer    tee.Sealer
	freshness time.Duration
	maxReads  int
	now       func() time.Time
}

func New(store Store, sealer tee.Sealer, opts Options) *Vault {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.MaxReads <= 0 {
		opts.MaxReads = DefaultMaxReads
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Vault{
		store:     store,
		sealer:    sealer,
		freshness: opts.Freshness,
		maxReads:  opts.MaxReads,
		now:       opts.Now,
	}
}

type Receipt struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
}

// Info describes stored material without revealing any of it.
type Info struct {
	CapturedAt     time.Time `json:"capturedAt"`
	AgeSeconds     int64     `json:"ageSeconds"`
	CookieCount    int       `json:"cookieCount"`
	ReadsRemaining int       `json:"readsRemaining"`
}

type Validity struct {
	Valid bool  `json:"valid"`
	Info  *Info `json:"info,omitempty"`
}

func salt(key string) string {
	return "vault:" + key
}

func (v *Vault) seal(key string, m Material) (Entry, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Entry{}, fmt.Errorf("encode session: %w", err)
	}
	sealed, err := v.sealer.Seal(raw, salt(key))
	if err != nil {
		return Entry{}, fmt.Errorf("seal session: %w", err)
	}
	return Entry{
		Key:         key,
		Sealed:      sealed,
		CookieCount: len(m.Cookies),
		CapturedAt:  m.CapturedAt,
		Valid:       true,
	}, nil
}

func (v *Vault) unseal(e Entry) (*Material, error) {
	raw, err := v.sealer.Unseal(e.Sealed, salt(e.Key))
	if err != nil {
		return nil, fmt.Errorf("unseal session: %w", err)
	}
	var m Material
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &m, nil
}

// Submit stores material for the owner, replacing anything stored before.
// Anonymous submissions get a fresh key that can later be claimed.
func (v *Vault) Submit(ctx context.Context, ownerID string, m Material) (Receipt, error) {
	m.Cookies = cleanCookies(m.Cookies)
	if len(m.Cookies) == 0 {
		return Receipt{}, ErrInvalidSessionMaterial
	}

	key := ownerID
	if key == "" {
		key = AnonymousPrefix + uuid.New().String()
	}
	m.OwnerID = ownerID
	m.CapturedAt = v.now()

	e, err := v.seal(key, m)
	if err != nil {
		return Receipt{}, err
	}
	if err := v.store.Put(ctx, e); err != nil {
		return Receipt{}, err
	}

	logrus.WithFields(logrus.Fields{"key": key, "cookies": e.CookieCount}).Debug("Session material stored")
	return Receipt{Accepted: true, ID: key}, nil
}

// CheckValidity reports whether material could be handed to a sandbox now.
// The stored valid flag never outranks the age check.
func (v *Vault) CheckValidity(ctx context.Context, ownerID string) (Validity, error) {
	e, err := v.store.Get(ctx, ownerID)
	if errors.Is(err, ErrNoSession) {
		return Validity{}, nil
	}
	if err != nil {
		return Validity{}, err
	}

	now := v.now()
	remaining := v.maxReads - e.Reads
	if remaining < 0 || !e.Valid {
		remaining = 0
	}
	return Validity{
		Valid: e.usable(now, v.freshness, v.maxReads),
		Info: &Info{
			CapturedAt:     e.CapturedAt,
			AgeSeconds:     int64(now.Sub(e.CapturedAt) / time.Second),
			CookieCount:    e.CookieCount,
			ReadsRemaining: remaining,
		},
	}, nil
}

func validAnonymousID(id string) bool {
	rest, ok := strings.CutPrefix(id, AnonymousPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// Claim moves anonymously captured material to the owner, overwriting what
// the owner had.
func (v *Vault) Claim(ctx context.Context, anonymousID, ownerID string) error {
	if ownerID == "" || !validAnonymousID(anonymousID) {
		return ErrInvalidClaim
	}

	e, err := v.store.Get(ctx, anonymousID)
	if err != nil {
		return err
	}
	if !e.usable(v.now(), v.freshness, v.maxReads) {
		return ErrNoSession
	}

	m, err := v.unseal(e)
	if err != nil {
		return err
	}
	m.OwnerID = ownerID

	claimed, err := v.seal(ownerID, *m)
	if err != nil {
		return err
	}
	claimed.Reads = e.Reads

	if err := v.store.Replace(ctx, anonymousID, claimed); err != nil {
		return err
	}
	logrus.WithField("owner", ownerID).Info("Anonymous session claimed")
	return nil
}

// Consume hands material to the dispatcher, counting the read. Once the
// read bound is reached the material is invalidated.
func (v *Vault) Consume(ctx context.Context, ownerID string) (*Material, error) {
	now := v.now()
	e, err := v.store.Update(ctx, ownerID, func(e *Entry) error {
		if !e.usable(now, v.freshness, v.maxReads) {
			return ErrSessionExpired
		}
		e.Reads++
		if e.Reads >= v.maxReads {
			e.Valid = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.unseal(e)
}

// Invalidate marks the owner's material unusable. Missing material is not an
// error.
func (v *Vault) Invalidate(ctx context.Context, ownerID string) error {
	_, err := v.store.Update(ctx, ownerID, func(e *Entry) error {
		e.Valid = false
		return nil
	})
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// Sweep physically removes expired and invalidated material.
func (v *Vault) Sweep(ctx context.Context) (int, error) {
	n, err := v.store.DeleteStale(ctx, v.now().Add(-v.freshness))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logrus.Infof("Swept %d stale sessions", n)
	}
	return n, nil
}

func (v *Vault) Close() error {
	return v.store.Close()
}
