package fees

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// Estimator maintains rolling windows of priority-fee observations, one per
// writable-account fingerprint plus a global fallback, and quotes prices.
type Estimator struct {
	log *zap.Logger
	src Source
	cfg Config

	mu      sync.Mutex
	scoped  map[string]*window
	global  *window
	nowFunc func() time.Time
}

func NewEstimator(log *zap.Logger, src Source, cfg Config) *Estimator {
	if cfg.Strategy.Kind == "" {
		cfg.Strategy = DefaultStrategy()
	}
	return &Estimator{
		log:     log.Named("fees"),
		src:     src,
		cfg:     cfg,
		scoped:  make(map[string]*window),
		global:  newWindow(cfg.Strategy.Window),
		nowFunc: time.Now,
	}
}

// Quote is the price decision for one draft attempt.
type Quote struct {
	Price   uint64
	Samples int
	Scoped  bool
}

// Price computes the compute-unit price for the given writable set and tier.
// maxPrice of zero falls back to the configured ceiling.
func (e *Estimator) Price(ctx context.Context, writable []solana.PublicKey, tier Tier, maxPrice uint64) (Quote, error) {
	if maxPrice == 0 {
		maxPrice = e.cfg.MaxPrice
	}
	switch e.cfg.Strategy.Kind {
	case StrategyFixed:
		return Quote{Price: clamp(e.cfg.Strategy.Price, e.cfg.BaseFee, maxPrice)}, nil
	case StrategyP75PlusBuffer:
		return e.priceP75(ctx, writable, tier, maxPrice)
	default:
		return Quote{}, ErrNoStrategy
	}
}

func (e *Estimator) priceP75(ctx context.Context, writable []solana.PublicKey, tier Tier, maxPrice uint64) (Quote, error) {
	now := e.nowFunc()
	strat := e.cfg.Strategy

	samples, err := e.src.RecentFeeSamples(ctx, writable)
	if err != nil {
		e.log.Warn("fee sample fetch failed, using window residue", zap.Error(err))
	} else {
		e.windowFor(fingerprint(writable)).ingest(now, samples)
		e.global.ingest(now, samples)
	}

	snap := e.windowFor(fingerprint(writable)).snapshot(now)
	scoped := true
	if len(snap) < strat.MinSamples {
		snap = e.global.snapshot(now)
		scoped = false
	}
	if len(snap) == 0 {
		// no observations anywhere, base fee is the only anchor
		return Quote{Price: clamp(e.cfg.BaseFee, e.cfg.BaseFee, maxPrice)}, nil
	}

	p75 := percentile(snap, 75)
	slope := slopePerSecond(snap)
	target := float64(p75)
	if slope > 0 {
		target += slope * strat.Lookahead.Seconds()
	}
	target += strat.BufferRatio * float64(p75)
	target *= tier.Multiplier()

	price := clamp(uint64(math.Round(target)), e.cfg.BaseFee, maxPrice)
	return Quote{Price: price, Samples: len(snap), Scoped: scoped}, nil
}

// Bump produces the next attempt's price after a transient failure
// attributed to insufficient priority. The result is strictly greater than
// prev; ErrCeiling when the schedule would exceed maxPrice.
func (e *Estimator) Bump(prev, maxPrice uint64) (uint64, error) {
	if maxPrice == 0 {
		maxPrice = e.cfg.MaxPrice
	}
	mul := uint64(math.Round(float64(prev) * e.cfg.BumpMultiplier))
	next := prev + e.cfg.MinIncrement
	if mul > next {
		next = mul
	}
	if next <= prev {
		next = prev + 1
	}
	if next > maxPrice {
		return 0, ErrCeiling
	}
	return next, nil
}

// Stats reports over the global window.
func (e *Estimator) Stats() Stats {
	return e.global.stats(e.nowFunc())
}

func (e *Estimator) windowFor(fp string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.scoped[fp]
	if !ok {
		w = newWindow(e.cfg.Strategy.Window)
		e.scoped[fp] = w
	}
	return w
}

// fingerprint identifies a writable-account set regardless of order.
func fingerprint(writable []solana.PublicKey) string {
	if len(writable) == 0 {
		return "global"
	}
	keys := make([]string, len(writable))
	for i, pk := range writable {
		keys[i] = pk.String()
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func clamp(v, lo, hi uint64) uint64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
