package fees

import (
	"sort"
	"sync"
	"time"
)

const maxWindowSamples = 1024

// window is a bounded time-ordered sequence of fee samples. Writers
// serialize behind the mutex; readers work on copied snapshots so percentile
// math never holds the lock.
type window struct {
	mu      sync.Mutex
	samples []Sample
	maxAge  time.Duration
}

func newWindow(maxAge time.Duration) *window {
	return &window{maxAge: maxAge}
}

func (w *window) ingest(now time.Time, samples []Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, samples...)
	w.prune(now)
}

// prune drops expired samples; callers hold the lock.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	i := 0
	for ; i < len(w.samples); i++ {
		if !w.samples[i].Time.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
	if len(w.samples) > maxWindowSamples {
		w.samples = append(w.samples[:0], w.samples[len(w.samples)-maxWindowSamples:]...)
	}
}

func (w *window) snapshot(now time.Time) []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

func (w *window) stats(now time.Time) Stats {
	snap := w.snapshot(now)
	if len(snap) == 0 {
		return Stats{}
	}
	prices := make([]uint64, len(snap))
	var sum uint64
	for i, s := range snap {
		prices[i] = s.Price
		sum += s.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	return Stats{
		Count:  len(prices),
		Min:    prices[0],
		Max:    prices[len(prices)-1],
		Median: prices[len(prices)/2],
		Avg:    sum / uint64(len(prices)),
	}
}

// percentile returns the pth percentile price of the snapshot. The snapshot
// must be non-empty.
func percentile(snap []Sample, p int) uint64 {
	prices := make([]uint64, len(snap))
	for i, s := range snap {
		prices[i] = s.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	idx := (len(prices)*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(prices)-1 {
		idx = len(prices) - 1
	}
	return prices[idx]
}

// slopePerSecond fits a least-squares line through (seconds, price) and
// returns the per-second price change.
func slopePerSecond(snap []Sample) float64 {
	if len(snap) < 2 {
		return 0
	}
	t0 := snap[0].Time
	var n, sumX, sumY, sumXY, sumXX float64
	for _, s := range snap {
		x := s.Time.Sub(t0).Seconds()
		y := float64(s.Price)
		n++
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
