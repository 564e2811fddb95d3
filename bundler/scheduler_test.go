package bundler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestAccountLocksSerializeConflicts(t *testing.T) {
	locks := newAccountLocks()
	shared := solana.NewWallet().PublicKey()

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, locks.acquire(context.Background(), []solana.PublicKey{shared}))
			cur := inCritical.Add(1)
			for {
				seen := maxSeen.Load()
				if cur <= seen || maxSeen.CompareAndSwap(seen, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
			locks.release([]solana.PublicKey{shared})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestAccountLocksDisjointSetsOverlap(t *testing.T) {
	locks := newAccountLocks()
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()

	require.NoError(t, locks.acquire(context.Background(), []solana.PublicKey{a}))
	// a disjoint set must not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, locks.acquire(context.Background(), []solana.PublicKey{b}))
		locks.release([]solana.PublicKey{b})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint writable sets blocked each other")
	}
	locks.release([]solana.PublicKey{a})
}

func TestAccountLocksCancellation(t *testing.T) {
	locks := newAccountLocks()
	shared := solana.NewWallet().PublicKey()
	require.NoError(t, locks.acquire(context.Background(), []solana.PublicKey{shared}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- locks.acquire(ctx, []solana.PublicKey{shared})
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestRunParallelBoundsConcurrency(t *testing.T) {
	var drafts []*draft
	for i := 0; i < 16; i++ {
		drafts = append(drafts, &draft{
			index: i,
			instructions: []Instruction{{
				Accounts: []AccountRef{{Address: solana.NewWallet().PublicKey(), Writable: true}},
			}},
		})
	}

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	runParallel(context.Background(), 3, drafts, func(_ context.Context, _ *draft) {
		cur := inFlight.Add(1)
		for {
			seen := maxSeen.Load()
			if cur <= seen || maxSeen.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	})
	require.LessOrEqual(t, maxSeen.Load(), int32(3))
	require.Greater(t, maxSeen.Load(), int32(0))
}

func TestRunParallelWritableDisjointness(t *testing.T) {
	shared := solana.NewWallet().PublicKey()
	var drafts []*draft
	for i := 0; i < 8; i++ {
		drafts = append(drafts, &draft{
			index: i,
			instructions: []Instruction{{
				Accounts: []AccountRef{{Address: shared, Writable: true}},
			}},
		})
	}

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	runParallel(context.Background(), 8, drafts, func(_ context.Context, _ *draft) {
		cur := inFlight.Add(1)
		for {
			seen := maxSeen.Load()
			if cur <= seen || maxSeen.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})
	// every draft shares the same writable account, so they serialize
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestRunParallelRunsAllOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var drafts []*draft
	for i := 0; i < 4; i++ {
		drafts = append(drafts, &draft{index: i})
	}
	var ran atomic.Int32
	runParallel(ctx, 2, drafts, func(ctx context.Context, _ *draft) {
		require.Error(t, ctx.Err())
		ran.Add(1)
	})
	require.Equal(t, int32(4), ran.Load())
}
