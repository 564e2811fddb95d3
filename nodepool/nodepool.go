// Package nodepool is a single dispatch surface over a heterogeneous pool of
// remote nodes. Selection is weighted over healthy endpoints, failover is
// strictly sequential (a logical request is never fanned to several
// endpoints at once), and every endpoint runs a small health state machine
// fed by request outcomes and background probes.
package nodepool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/heliolabs/bundler-node/fees"
	"github.com/heliolabs/bundler-node/metrics"
)

var (
	ErrNoEndpoints = errors.New("no dispatchable endpoints")
	ErrExhausted   = errors.New("all endpoint attempts failed")
)

type EndpointConfig struct {
	URL     string        `yaml:"url"`
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"-"`
}

type Config struct {
	Endpoints []EndpointConfig

	MaxRetries        int
	RetryBase         time.Duration
	ProbeInterval     time.Duration
	QuarantineInitial time.Duration
	QuarantineMax     time.Duration

	DegradedErrorRate   float64
	QuarantineErrorRate float64
	DegradedLatencyP95  time.Duration

	Commitment rpc.CommitmentType
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryBase:           50 * time.Millisecond,
		ProbeInterval:       5 * time.Second,
		QuarantineInitial:   5 * time.Second,
		QuarantineMax:       60 * time.Second,
		DegradedErrorRate:   0.10,
		QuarantineErrorRate: 0.40,
		DegradedLatencyP95:  2 * time.Second,
		Commitment:          rpc.CommitmentConfirmed,
	}
}

// ReferenceHash anchors a transaction to a recent ledger state; validity
// ends at LastValidBlockHeight.
type ReferenceHash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
	Slot                 uint64
}

type Pool struct {
	log       *zap.Logger
	cfg       Config
	endpoints []*endpoint
	refs      *refCache

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(log *zap.Logger, cfg Config) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("nodepool: at least one endpoint is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.QuarantineInitial <= 0 {
		cfg.QuarantineInitial = def.QuarantineInitial
	}
	if cfg.QuarantineMax <= 0 {
		cfg.QuarantineMax = def.QuarantineMax
	}
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = def.DegradedErrorRate
	}
	if cfg.QuarantineErrorRate <= 0 {
		cfg.QuarantineErrorRate = def.QuarantineErrorRate
	}
	if cfg.DegradedLatencyP95 <= 0 {
		cfg.DegradedLatencyP95 = def.DegradedLatencyP95
	}
	if cfg.Commitment == "" {
		cfg.Commitment = def.Commitment
	}

	p := &Pool{
		log: log.Named("nodepool"),
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
	for _, ec := range cfg.Endpoints {
		if ec.URL == "" {
			return nil, fmt.Errorf("nodepool: endpoint with empty url")
		}
		weight := ec.Weight
		if weight <= 0 {
			weight = 1
		}
		timeout := ec.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		p.endpoints = append(p.endpoints, &endpoint{
			url:                 ec.URL,
			weight:              weight,
			client:              rpc.New(ec.URL),
			timeout:             timeout,
			degradedErrorRate:   cfg.DegradedErrorRate,
			quarantineErrorRate: cfg.QuarantineErrorRate,
			degradedLatencyP95:  cfg.DegradedLatencyP95,
			quarantineInitial:   cfg.QuarantineInitial,
			quarantineMax:       cfg.QuarantineMax,
		})
	}
	p.refs = newRefCache(p.fetchReferenceHash)
	return p, nil
}

// Start runs the probe scheduler until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
	return wg
}

func (p *Pool) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, ep.timeout)
			defer cancel()
			t0 := time.Now()
			_, err := ep.client.GetLatestBlockhash(probeCtx, p.cfg.Commitment)
			ep.probeResult(time.Now(), time.Since(t0), err)
			if err != nil {
				p.log.Debug("endpoint probe failed", zap.String("endpoint", ep.url), zap.Error(err))
			}
		}(ep)
	}
	wg.Wait()
}

// pick selects the next endpoint by weighted reservoir over healthy
// endpoints; degraded ones only when no healthy candidate remains, and
// quarantined ones never. Endpoints in skip are avoided unless nothing else
// is left. Equal reservoir keys break toward the lower p95 latency.
func (p *Pool) pick(skip map[string]struct{}) *endpoint {
	var healthy, degraded []*endpoint
	for _, ep := range p.endpoints {
		state, _ := ep.currentState()
		switch state {
		case Healthy:
			healthy = append(healthy, ep)
		case Degraded:
			degraded = append(degraded, ep)
		}
	}
	candidates := healthy
	if len(candidates) == 0 {
		candidates = degraded
	}
	if len(candidates) == 0 {
		return nil
	}

	fresh := make([]*endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if _, tried := skip[ep.url]; !tried {
			fresh = append(fresh, ep)
		}
	}
	if len(fresh) > 0 {
		candidates = fresh
	}

	var best *endpoint
	bestKey := math.Inf(-1)
	for _, ep := range candidates {
		p.rngMu.Lock()
		u := p.rng.Float64()
		p.rngMu.Unlock()
		key := math.Pow(u, 1/ep.weight)
		if key > bestKey || (key == bestKey && best != nil && ep.p95() < best.p95()) {
			best = ep
			bestKey = key
		}
	}
	return best
}

func (p *Pool) do(ctx context.Context, op string, fn func(ctx context.Context, cl *rpc.Client) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(op, time.Since(start).Milliseconds())
	}()

	tried := make(map[string]struct{})
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
			return err
		}

		ep := p.pick(tried)
		if ep == nil {
			if lastErr == nil {
				return ErrNoEndpoints
			}
			break
		}
		tried[ep.url] = struct{}{}

		attemptCtx, cancel := context.WithTimeout(ctx, ep.timeout)
		t0 := time.Now()
		err := fn(attemptCtx, ep.client)
		cancel()
		dur := time.Since(t0)

		if err == nil {
			ep.observe(dur, false)
			recordUsed(ctx, ep.url, false)
			return nil
		}

		switch Classify(err) {
		case ClassChain, ClassPermanent:
			// the node answered; the fault is in the request or on chain
			ep.observe(dur, false)
			recordUsed(ctx, ep.url, false)
			metrics.IncRPCCallFailure(op)
			return err
		default:
			ep.observe(dur, true)
			recordUsed(ctx, ep.url, true)
			metrics.IncRPCCallFailure(op)
			lastErr = err
			p.log.Debug("endpoint attempt failed",
				zap.String("op", op), zap.String("endpoint", ep.url),
				zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt < p.cfg.MaxRetries-1 {
			if err := p.sleep(ctx, attempt); err != nil {
				return fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
		}
	}
	if lastErr == nil {
		return ErrNoEndpoints
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// sleep waits base·2^attempt·jitter(0.5..1.5) between failover attempts.
func (p *Pool) sleep(ctx context.Context, attempt int) error {
	p.rngMu.Lock()
	jitter := 0.5 + p.rng.Float64()
	p.rngMu.Unlock()
	delay := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(attempt)) * jitter)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pool) fetchReferenceHash(ctx context.Context) (ReferenceHash, error) {
	var out ReferenceHash
	err := p.do(ctx, "getLatestBlockhash", func(ctx context.Context, cl *rpc.Client) error {
		res, err := cl.GetLatestBlockhash(ctx, p.cfg.Commitment)
		if err != nil {
			return err
		}
		out = ReferenceHash{
			Hash:                 res.Value.Blockhash,
			LastValidBlockHeight: res.Value.LastValidBlockHeight,
			Slot:                 res.Context.Slot,
		}
		return nil
	})
	return out, err
}

// LatestReferenceHash returns a recent anchor hash; concurrent callers share
// one round trip.
func (p *Pool) LatestReferenceHash(ctx context.Context) (ReferenceHash, error) {
	return p.refs.get(ctx)
}

// InvalidateReferenceHash drops the cached anchor, forcing the next caller
// to fetch a fresh one.
func (p *Pool) InvalidateReferenceHash() {
	p.refs.invalidate()
}

// SendRaw submits a signed payload. Preflight is skipped: drafts are vetted
// by the simulator before they get here, and node-side retries are disabled
// because the orchestrator owns the retry schedule.
func (p *Pool) SendRaw(ctx context.Context, raw []byte, commitment rpc.CommitmentType) (solana.Signature, error) {
	var out solana.Signature
	maxRetries := uint(0)
	err := p.do(ctx, "sendTransaction", func(ctx context.Context, cl *rpc.Client) error {
		sig, err := cl.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: commitment,
			MaxRetries:          &maxRetries,
		})
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	return out, err
}

// GetStatuses polls signature statuses in one batch. The result slice is
// index-aligned with sigs; unknown signatures come back nil.
func (p *Pool) GetStatuses(ctx context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatusesResult, error) {
	var out []*rpc.SignatureStatusesResult
	err := p.do(ctx, "getSignatureStatuses", func(ctx context.Context, cl *rpc.Client) error {
		res, err := cl.GetSignatureStatuses(ctx, true, sigs...)
		if err != nil {
			return err
		}
		out = res.Value
		return nil
	})
	return out, err
}

// Simulate dry-runs a transaction against a pool member.
func (p *Pool) Simulate(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResult, error) {
	var out *rpc.SimulateTransactionResult
	err := p.do(ctx, "simulateTransaction", func(ctx context.Context, cl *rpc.Client) error {
		res, err := cl.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:              false,
			ReplaceRecentBlockhash: true,
			Commitment:             rpc.CommitmentProcessed,
		})
		if err != nil {
			return err
		}
		out = res.Value
		return nil
	})
	return out, err
}

// RecentFeeSamples implements fees.Source.
func (p *Pool) RecentFeeSamples(ctx context.Context, writable []solana.PublicKey) ([]fees.Sample, error) {
	var out []fees.Sample
	now := time.Now()
	err := p.do(ctx, "getRecentPrioritizationFees", func(ctx context.Context, cl *rpc.Client) error {
		res, err := cl.GetRecentPrioritizationFees(ctx, solana.PublicKeySlice(writable))
		if err != nil {
			return err
		}
		out = out[:0]
		for _, f := range res {
			out = append(out, fees.Sample{Time: now, Slot: f.Slot, Price: f.PrioritizationFee})
		}
		return nil
	})
	return out, err
}

// GetAccount fetches raw account state; a missing account returns nil, nil.
func (p *Pool) GetAccount(ctx context.Context, addr solana.PublicKey) (*rpc.Account, error) {
	var out *rpc.Account
	err := p.do(ctx, "getAccountInfo", func(ctx context.Context, cl *rpc.Client) error {
		res, err := cl.GetAccountInfo(ctx, addr)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil
			}
			return err
		}
		out = res.Value
		return nil
	})
	return out, err
}

// BlockHeight returns the current block height, used to detect reference
// hash expiry.
func (p *Pool) BlockHeight(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, "getBlockHeight", func(ctx context.Context, cl *rpc.Client) error {
		h, err := cl.GetBlockHeight(ctx, p.cfg.Commitment)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// Health returns a snapshot of every endpoint.
func (p *Pool) Health() []EndpointStatus {
	now := time.Now()
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.snapshot(now))
	}
	return out
}

// Commitment exposes the pool-wide default commitment level.
func (p *Pool) Commitment() rpc.CommitmentType {
	return p.cfg.Commitment
}
