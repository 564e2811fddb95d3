// Package fees chooses compute-unit prices that maximize the landing
// probability of a transaction while respecting the caller's ceiling.
package fees

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrCeiling   = errors.New("bump schedule exceeds max price")
	ErrNoStrategy = errors.New("unknown fee strategy")
)

// Tier is the caller-facing priority level. It scales the estimated price.
type Tier string

const (
	TierLow    Tier = "low"
	TierNormal Tier = "normal"
	TierHigh   Tier = "high"
	TierUrgent Tier = "urgent"
)

func (t Tier) Multiplier() float64 {
	switch t {
	case TierLow:
		return 0.8
	case TierHigh:
		return 1.3
	case TierUrgent:
		return 1.8
	default:
		return 1.0
	}
}

// ParseTier maps a request string onto a tier, defaulting to normal.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierLow, TierNormal, TierHigh, TierUrgent:
		return Tier(s)
	default:
		return TierNormal
	}
}

type StrategyKind string

const (
	StrategyP75PlusBuffer StrategyKind = "p75_plus_buffer"
	StrategyFixed         StrategyKind = "fixed"
)

// Strategy is a tagged variant; callers pass a configured value rather than
// an implementation.
type Strategy struct {
	Kind StrategyKind

	// Fixed
	Price uint64

	// P75PlusBuffer
	Window      time.Duration
	BufferRatio float64
	Lookahead   time.Duration
	MinSamples  int
}

func DefaultStrategy() Strategy {
	return Strategy{
		Kind:        StrategyP75PlusBuffer,
		Window:      60 * time.Second,
		BufferRatio: 0.10,
		Lookahead:   5 * time.Second,
		MinSamples:  10,
	}
}

type Config struct {
	Strategy       Strategy
	BaseFee        uint64
	BumpMultiplier float64
	MinIncrement   uint64
	MaxPrice       uint64
}

func DefaultConfig() Config {
	return Config{
		Strategy:       DefaultStrategy(),
		BaseFee:        1,
		BumpMultiplier: 1.3,
		MinIncrement:   100,
		MaxPrice:       10_000,
	}
}

// Sample is one priority-fee observation from the network.
type Sample struct {
	Time  time.Time
	Slot  uint64
	Price uint64
}

// Source supplies recent priority-fee observations for a writable-account
// set. Implemented by the node pool client.
type Source interface {
	RecentFeeSamples(ctx context.Context, writable []solana.PublicKey) ([]Sample, error)
}

// Stats summarizes the current sample window for the health report.
type Stats struct {
	Count  int    `json:"count"`
	Min    uint64 `json:"min"`
	Max    uint64 `json:"max"`
	Median uint64 `json:"median"`
	Avg    uint64 `json:"avg"`
}
