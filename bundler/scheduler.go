package bundler

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/semaphore"
)

// accountLocks serializes drafts that touch the same writable account. Locks
// are acquired in sorted order over the whole set at once, so two drafts can
// never deadlock against each other.
type accountLocks struct {
	mu       sync.Mutex
	held     map[solana.PublicKey]struct{}
	released chan struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{
		held:     make(map[solana.PublicKey]struct{}),
		released: make(chan struct{}),
	}
}

// acquire blocks until every account in accts is free, then holds them all.
func (l *accountLocks) acquire(ctx context.Context, accts []solana.PublicKey) error {
	sorted := make([]solana.PublicKey, len(accts))
	copy(sorted, accts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	for {
		l.mu.Lock()
		if !l.anyHeld(sorted) {
			for _, a := range sorted {
				l.held[a] = struct{}{}
			}
			l.mu.Unlock()
			return nil
		}
		wait := l.released
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// anyHeld is called with the mutex held.
func (l *accountLocks) anyHeld(accts []solana.PublicKey) bool {
	for _, a := range accts {
		if _, ok := l.held[a]; ok {
			return true
		}
	}
	return false
}

func (l *accountLocks) release(accts []solana.PublicKey) {
	l.mu.Lock()
	for _, a := range accts {
		delete(l.held, a)
	}
	close(l.released)
	l.released = make(chan struct{})
	l.mu.Unlock()
}

// runParallel drives best-effort drafts with bounded concurrency. Each draft
// waits for its writable accounts before running, so no two in-flight drafts
// of the bundle ever share one.
func runParallel(ctx context.Context, parallelism int, drafts []*draft, run func(ctx context.Context, d *draft)) {
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(int64(parallelism))
	locks := newAccountLocks()

	var wg sync.WaitGroup
	for _, d := range drafts {
		wg.Add(1)
		go func(d *draft) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				run(ctx, d) // run sees the cancelled context and records it
				return
			}
			defer sem.Release(1)

			accts := d.writableSet()
			if err := locks.acquire(ctx, accts); err != nil {
				run(ctx, d)
				return
			}
			defer locks.release(accts)

			run(ctx, d)
		}(d)
	}
	wg.Wait()
}
