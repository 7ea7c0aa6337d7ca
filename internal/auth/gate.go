package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

// Gate decides whether a principal may start a scan. It runs before any
// record or sandbox is created.
type Gate interface {
	Authorize(ctx context.Context, p Principal) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, p Principal) error

func (f GateFunc) Authorize(ctx context.Context, p Principal) error { return f(ctx, p) }

// AllowAll lets every principal through.
var AllowAll Gate = GateFunc(func(context.Context, Principal) error { return nil })

type TierGateConfig struct {
	// RequiredTiers lists the tiers allowed to scan. Empty allows every tier.
	RequiredTiers []string
	// QuotaPerHour is the per-owner scan budget. Zero disables the quota.
	QuotaPerHour int
}

// TierGate checks the tier label and a per-owner token bucket.
type TierGate struct {
	tiers []string
	quota int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTierGate(cfg TierGateConfig) *TierGate {
	tiers := make([]string, 0, len(cfg.RequiredTiers))
	for _, t := range cfg.RequiredTiers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tiers = append(tiers, t)
		}
	}
	return &TierGate{
		tiers:    tiers,
		quota:    cfg.QuotaPerHour,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *TierGate) Authorize(_ context.Context, p Principal) error {
	if len(g.tiers) > 0 && !slices.Contains(g.tiers, strings.ToLower(p.Tier)) {
		return ErrTierRequired
	}
	if g.quota <= 0 {
		return nil
	}
	if !g.limiter(p.OwnerID).Allow() {
		return ErrQuotaExceeded
	}
	return nil
}

func (g *TierGate) limiter(owner string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[owner]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(g.quota)), g.quota)
		g.limiters[owner] = l
	}
	return l
}

// HasTier reports whether tier is one of tiers, ignoring case.
func HasTier(tiers []string, tier string) bool {
	tier = strings.ToLower(strings.TrimSpace(tier))
	return slices.ContainsFunc(tiers, func(t string) bool {
		return strings.EqualFold(strings.TrimSpace(t), tier)
	})
}
