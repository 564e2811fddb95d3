package bundler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/heliolabs/bundler-node/metrics"
	"github.com/heliolabs/bundler-node/nodepool"
	"github.com/heliolabs/bundler-node/signing"
)

const (
	lamportsPerSignature = 5_000
	resultWindowTTL      = 10 * time.Minute
)

// PipelineConfig bounds the orchestrator.
type PipelineConfig struct {
	MaxAttempts     int
	Parallelism     int
	PollInterval    time.Duration
	ConfirmDeadline time.Duration
	PerTxCUCap      uint32
	PerTxSizeCap    int
	AcceptConfirmed bool
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxAttempts:     3,
		Parallelism:     8,
		PollInterval:    400 * time.Millisecond,
		ConfirmDeadline: 30 * time.Second,
		PerTxCUCap:      1_400_000,
		PerTxSizeCap:    maxTransactionSize,
		AcceptConfirmed: true,
	}
}

// Orchestrator drives a bundle end to end: partition, simulate, price, sign,
// submit, confirm, with fee bumps on transient failure.
type Orchestrator struct {
	log    *zap.Logger
	pool   NodeClient
	quoter FeeQuoter
	gw     signing.Gateway
	sim    *Simulator
	cfg    PipelineConfig
	payer  solana.PublicKey

	results *resultWindow
}

func NewOrchestrator(log *zap.Logger, pool NodeClient, quoter FeeQuoter, gw signing.Gateway, sim *Simulator, cfg PipelineConfig) (*Orchestrator, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultPipelineConfig()
	}
	payer, err := gw.PublicKey(context.Background(), signing.PayerKeyID)
	if err != nil {
		return nil, Wrap(KindSigning, err, "cannot resolve fee payer")
	}
	return &Orchestrator{
		log:     log.Named("bundler"),
		pool:    pool,
		quoter:  quoter,
		gw:      gw,
		sim:     sim,
		cfg:     cfg,
		payer:   payer,
		results: newResultWindow(),
	}, nil
}

// Payer is the fee payer the gateway resolved at startup.
func (o *Orchestrator) Payer() solana.PublicKey {
	return o.payer
}

type stageTimings struct {
	simulate atomic.Int64
	sign     atomic.Int64
	submit   atomic.Int64
	confirm  atomic.Int64
}

func (t *stageTimings) snapshot(total time.Duration) Timings {
	return Timings{
		SimulateMS: t.simulate.Load(),
		SignMS:     t.sign.Load(),
		SubmitMS:   t.submit.Load(),
		ConfirmMS:  t.confirm.Load(),
		TotalMS:    total.Milliseconds(),
	}
}

// Submit runs the whole pipeline for one request. Policy and validation
// failures come back inside the BundleResult; only internal breakage is an
// error.
func (o *Orchestrator) Submit(ctx context.Context, req *BundleRequest) (*BundleResult, error) {
	start := time.Now()
	metrics.IncBundlesReceived()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	logger := o.log.With(zap.String("bundle", req.ID.String()))

	rec := nodepool.NewRecorder()
	ctx = nodepool.WithRecorder(ctx, rec)

	timing := &stageTimings{}
	finish := func(status BundleStatus, outcomes []TransactionOutcome) *BundleResult {
		res := &BundleResult{
			RequestID:   req.ID,
			Status:      status,
			Outcomes:    outcomes,
			Timing:      timing.snapshot(time.Since(start)),
			Endpoints:   rec.Used(),
			Retries:     rec.Retries(),
			CompletedAt: time.Now(),
		}
		o.results.store(res)
		metrics.IncBundleCompleted(string(status))
		metrics.RecordBundleE2EDuration(res.Timing.TotalMS)
		metrics.RecordBundleStageDuration("simulate", res.Timing.SimulateMS)
		metrics.RecordBundleStageDuration("sign", res.Timing.SignMS)
		metrics.RecordBundleStageDuration("submit", res.Timing.SubmitMS)
		metrics.RecordBundleStageDuration("confirm", res.Timing.ConfirmMS)
		logger.Info("bundle completed",
			zap.String("status", string(status)),
			zap.Int("drafts", len(outcomes)),
			zap.Int64("total_ms", res.Timing.TotalMS),
			zap.Int("retries", res.Retries),
			zap.Strings("endpoints", res.Endpoints),
		)
		return res
	}

	// policy gate before any network traffic
	if err := ValidateRequest(req, o.payer, o.sim.policy); err != nil {
		return finish(BundleFailed, []TransactionOutcome{failedOutcome(err)}), nil
	}
	if fail := o.sim.CheckPolicy(req.Instructions); fail != nil {
		return finish(BundleFailed, []TransactionOutcome{{
			Status:      StatusFailed,
			ErrorKind:   fail.Kind.ErrorKind(),
			ErrorDetail: fail.Detail,
		}}), nil
	}
	metrics.IncBundlesReceivedValid()

	tables, err := resolveTables(ctx, o.pool, req.TableAddresses)
	if err != nil {
		return finish(BundleFailed, []TransactionOutcome{failedOutcome(err)}), nil
	}

	drafts, err := partition(req, partitionCaps{
		sizeCap: o.cfg.PerTxSizeCap,
		cuCap:   o.cfg.PerTxCUCap,
		payer:   o.payer,
		tables:  tables,
	})
	if err != nil {
		return finish(BundleFailed, []TransactionOutcome{failedOutcome(err)}), nil
	}

	keyIDs, err := o.resolveSigners(ctx, req)
	if err != nil {
		return finish(BundleFailed, []TransactionOutcome{failedOutcome(err)}), nil
	}

	bundleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]TransactionOutcome, len(drafts))
	if req.Atomic {
		o.runAtomic(bundleCtx, cancel, req, drafts, tables, keyIDs, timing, outcomes)
	} else {
		runParallel(bundleCtx, o.cfg.Parallelism, drafts, func(ctx context.Context, d *draft) {
			outcomes[d.index] = o.runDraft(ctx, req, d, tables, keyIDs, timing, nil)
		})
	}

	return finish(o.aggregate(req, outcomes), outcomes), nil
}

// runAtomic submits drafts strictly in request order (a draft may not submit
// before its predecessor has) while confirmations overlap. The first
// terminal failure cancels every sibling.
func (o *Orchestrator) runAtomic(ctx context.Context, cancel context.CancelFunc, req *BundleRequest, drafts []*draft, tables map[solana.PublicKey]solana.PublicKeySlice, keyIDs map[solana.PublicKey]string, timing *stageTimings, outcomes []TransactionOutcome) {
	gates := make([]chan struct{}, len(drafts)+1)
	onces := make([]sync.Once, len(drafts)+1)
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	onces[0].Do(func() { close(gates[0]) })

	var wg sync.WaitGroup
	for i, d := range drafts {
		wg.Add(1)
		go func(i int, d *draft) {
			defer wg.Done()
			select {
			case <-gates[i]:
			case <-ctx.Done():
			}
			open := func() { onces[i+1].Do(func() { close(gates[i+1]) }) }
			outcomes[i] = o.runDraft(ctx, req, d, tables, keyIDs, timing, open)
			if !o.landed(outcomes[i].Status) {
				// cancel before opening the gate so a waiting successor
				// observes the failure instead of submitting
				cancel()
			}
			open()
		}(i, d)
	}
	wg.Wait()
}

// landed is the per-outcome success test; whether a Confirmed-but-not-
// Finalized outcome counts is configurable.
func (o *Orchestrator) landed(s DraftStatus) bool {
	if s == StatusFinalized {
		return true
	}
	return s == StatusConfirmed && o.cfg.AcceptConfirmed
}

func (o *Orchestrator) aggregate(req *BundleRequest, outcomes []TransactionOutcome) BundleStatus {
	landed := 0
	for _, out := range outcomes {
		if o.landed(out.Status) {
			landed++
		}
	}
	if req.Atomic {
		// an atomic bundle is never Partial
		if landed == len(outcomes) {
			return BundleSuccess
		}
		return BundleFailed
	}
	switch landed {
	case len(outcomes):
		return BundleSuccess
	case 0:
		return BundleFailed
	default:
		return BundlePartial
	}
}

func (o *Orchestrator) resolveSigners(ctx context.Context, req *BundleRequest) (map[solana.PublicKey]string, error) {
	keyIDs := map[solana.PublicKey]string{o.payer: signing.PayerKeyID}
	for _, alias := range req.Signers {
		pub, err := o.gw.PublicKey(ctx, alias)
		if err != nil {
			return nil, Wrap(KindSigning, err, "cannot resolve signer "+alias)
		}
		keyIDs[pub] = alias
	}
	return keyIDs, nil
}

// runDraft is the submission loop of one draft: simulate once, then up to
// MaxAttempts rounds of price, sign, submit and watch, bumping the fee after
// every expiry. onSubmitted, when set, is called the first time the draft's
// payload has been handed to the network.
func (o *Orchestrator) runDraft(ctx context.Context, req *BundleRequest, d *draft, tables map[solana.PublicKey]solana.PublicKeySlice, keyIDs map[solana.PublicKey]string, timing *stageTimings, onSubmitted func()) TransactionOutcome {
	outcome := TransactionOutcome{Status: StatusPending}
	writable := d.writableSet()
	logger := o.log.With(zap.String("bundle", req.ID.String()), zap.Int("draft", d.index))

	back := backoff.NewExponentialBackOff()
	back.InitialInterval = 100 * time.Millisecond
	back.MaxInterval = 2 * time.Second
	back.MaxElapsedTime = 0

	simDone := false
	submitted := false
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return o.interrupted(outcome, err, submitted)
		}
		outcome.Attempts = attempt
		d.attempts = attempt

		// 1. simulate; bumped attempts reuse the first vetting
		if !simDone {
			t0 := time.Now()
			res, fail := o.sim.Simulate(ctx, d, o.payer, o.cfg.PerTxSizeCap, tables)
			timing.simulate.Add(time.Since(t0).Milliseconds())
			if fail != nil {
				if fail.Kind.Retryable() && attempt < o.cfg.MaxAttempts {
					logger.Debug("retryable simulation failure", zap.String("kind", string(fail.Kind)), zap.String("detail", fail.Detail))
					if err := sleepCtx(ctx, back.NextBackOff()); err != nil {
						return o.interrupted(outcome, err, submitted)
					}
					continue
				}
				outcome.Status = StatusFailed
				outcome.ErrorKind = fail.Kind.ErrorKind()
				outcome.ErrorDetail = fail.Detail
				outcome.Logs = fail.Logs
				return outcome
			}
			if req.Compute.Limit > 0 {
				d.cuLimit = req.Compute.Limit
			} else {
				d.cuLimit = res.CUEstimate
			}
			d.unitsObserved = res.UnitsObserved
			outcome.Logs = res.Logs
			simDone = true
		}

		// 2. price: estimator on the first attempt, bump schedule after
		if d.cuPrice == 0 {
			if req.Compute.Price > 0 {
				d.cuPrice = req.Compute.Price
			} else {
				quote, err := o.quoter.Price(ctx, writable, req.Priority, req.Compute.MaxPrice)
				if err != nil {
					outcome.Status = StatusFailed
					outcome.ErrorKind = KindOf(err)
					outcome.ErrorDetail = err.Error()
					return outcome
				}
				d.cuPrice = quote.Price
			}
		} else if attempt > 1 {
			next, err := o.quoter.Bump(d.cuPrice, req.Compute.MaxPrice)
			if err != nil {
				outcome.Status = StatusFailed
				outcome.ErrorKind = KindFeeCeiling
				outcome.ErrorDetail = "bump schedule would exceed the price ceiling"
				return outcome
			}
			d.cuPrice = next
			metrics.IncFeeBumps()
			logger.Debug("fee bumped", zap.Uint64("price", next), zap.Int("attempt", attempt))
		}
		outcome.Price = d.cuPrice

		// 3. fresh reference hash, then sign
		ref, err := o.pool.LatestReferenceHash(ctx)
		if err != nil {
			if terminal := o.upstreamFailure(&outcome, err, submitted); terminal {
				return outcome
			}
			continue
		}
		d.ref = ref

		tx, err := buildTransaction(d, o.payer, tables)
		if err != nil {
			outcome.Status = StatusFailed
			outcome.ErrorKind = KindOf(err)
			outcome.ErrorDetail = err.Error()
			return outcome
		}
		t0 := time.Now()
		err = signTransaction(ctx, o.gw, tx, keyIDs)
		timing.sign.Add(time.Since(t0).Milliseconds())
		if err != nil {
			metrics.IncSigningFailures()
			outcome.Status = StatusFailed
			outcome.ErrorKind = KindSigning
			outcome.ErrorDetail = err.Error()
			return outcome
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			outcome.Status = StatusFailed
			outcome.ErrorKind = KindMalformed
			outcome.ErrorDetail = "cannot serialize signed transaction"
			return outcome
		}
		sig := tx.Signatures[0]

		// 4. submit
		t0 = time.Now()
		_, err = o.pool.SendRaw(ctx, raw, o.pool.Commitment())
		timing.submit.Add(time.Since(t0).Milliseconds())
		if err != nil && !isAlreadyProcessed(err) {
			switch nodepool.Classify(err) {
			case nodepool.ClassChain:
				outcome.Status = StatusFailed
				outcome.ErrorKind = KindChain
				outcome.ErrorDetail = err.Error()
				return outcome
			case nodepool.ClassPermanent:
				outcome.Status = StatusFailed
				outcome.ErrorKind = KindMalformed
				outcome.ErrorDetail = err.Error()
				return outcome
			default:
				if terminal := o.upstreamFailure(&outcome, err, submitted); terminal {
					return outcome
				}
				if err := sleepCtx(ctx, back.NextBackOff()); err != nil {
					return o.interrupted(outcome, err, submitted)
				}
				continue
			}
		}
		outcome.Signature = sig
		outcome.Status = StatusSubmitted
		if !submitted {
			submitted = true
			metrics.IncDraftsSubmitted()
			if onSubmitted != nil {
				onSubmitted()
			}
		}

		// 5/6. watch until confirmed/finalized, expiry or chain failure
		t0 = time.Now()
		w := o.watch(ctx, sig, d.ref)
		timing.confirm.Add(time.Since(t0).Milliseconds())
		switch {
		case w.err != nil:
			if terminal := o.upstreamFailure(&outcome, w.err, submitted); terminal {
				return outcome
			}
			continue
		case w.chainDetail != "":
			outcome.Status = StatusFailed
			outcome.ErrorKind = KindChain
			outcome.ErrorDetail = w.chainDetail
			outcome.Slot = w.slot
			return outcome
		case w.expired:
			logger.Debug("reference hash expired before confirmation", zap.Int("attempt", attempt))
			o.pool.InvalidateReferenceHash()
			continue
		default:
			outcome.Status = w.status
			outcome.Slot = w.slot
			outcome.UnitsConsumed = d.unitsObserved
			// upper-bound estimate; status polls do not carry the charged fee
			outcome.FeePaid = lamportsPerSignature*uint64(len(tx.Signatures)) + d.cuPrice*uint64(d.cuLimit)/1_000_000
			return outcome
		}
	}

	outcome.Status = StatusDropped
	if outcome.ErrorKind == "" {
		outcome.ErrorKind = KindUpstreamExhausted
		outcome.ErrorDetail = "attempts exhausted without confirmation"
	}
	return outcome
}

// upstreamFailure decides whether a pool failure ends the draft. Exhausted
// pools are terminal; plain transient trouble lets the loop try again.
// Returns true when the outcome is terminal.
func (o *Orchestrator) upstreamFailure(outcome *TransactionOutcome, err error, submitted bool) bool {
	kind := KindOf(err)
	if kind == KindTimeout || kind == KindCancelled {
		*outcome = o.interrupted(*outcome, err, submitted)
		return true
	}
	if kind == KindUpstreamExhausted {
		outcome.Status = StatusFailed
		outcome.ErrorKind = KindUpstreamExhausted
		outcome.ErrorDetail = err.Error()
		return true
	}
	outcome.ErrorKind = kind
	outcome.ErrorDetail = err.Error()
	return false
}

// interrupted records a deadline or cancellation. A payload already handed
// to the network is not recallable, so it stays reported as Submitted.
func (o *Orchestrator) interrupted(outcome TransactionOutcome, err error, submitted bool) TransactionOutcome {
	kind := KindOf(err)
	if kind != KindTimeout && kind != KindCancelled {
		kind = KindCancelled
	}
	if submitted {
		outcome.Status = StatusSubmitted
	} else {
		outcome.Status = StatusDropped
	}
	outcome.ErrorKind = kind
	outcome.ErrorDetail = err.Error()
	return outcome
}

type watchResult struct {
	status      DraftStatus
	slot        uint64
	expired     bool
	chainDetail string
	err         error
}

// watch polls the signature until it confirms or the reference hash expires,
// then keeps polling for finalization up to the confirm deadline.
func (o *Orchestrator) watch(ctx context.Context, sig solana.Signature, ref nodepool.ReferenceHash) watchResult {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var confirmedAt time.Time
	var confirmedSlot uint64
	confirmed := false

	for {
		select {
		case <-ctx.Done():
			if confirmed {
				return watchResult{status: StatusConfirmed, slot: confirmedSlot}
			}
			return watchResult{err: ctx.Err()}
		case <-ticker.C:
		}

		sts, err := o.pool.GetStatuses(ctx, []solana.Signature{sig})
		if err != nil {
			if KindOf(err) == KindUpstreamExhausted {
				return watchResult{err: err}
			}
			continue
		}
		var st *rpc.SignatureStatusesResult
		if len(sts) > 0 {
			st = sts[0]
		}

		if st == nil {
			if confirmed {
				continue
			}
			height, err := o.pool.BlockHeight(ctx)
			if err == nil && height > ref.LastValidBlockHeight {
				return watchResult{expired: true}
			}
			continue
		}

		if st.Err != nil {
			return watchResult{chainDetail: renderChainErr(st.Err), slot: st.Slot}
		}

		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusFinalized:
			return watchResult{status: StatusFinalized, slot: st.Slot}
		case rpc.ConfirmationStatusConfirmed:
			if !confirmed {
				confirmed = true
				confirmedAt = time.Now()
				confirmedSlot = st.Slot
			}
			if time.Since(confirmedAt) >= o.cfg.ConfirmDeadline {
				return watchResult{status: StatusConfirmed, slot: confirmedSlot}
			}
		default:
			// processed or unknown, keep polling
		}
	}
}

func failedOutcome(err error) TransactionOutcome {
	return TransactionOutcome{
		Status:      StatusFailed,
		ErrorKind:   KindOf(err),
		ErrorDetail: err.Error(),
	}
}

// isAlreadyProcessed recognizes the dedup answer of a node that has already
// seen this exact signature; the first landing wins and the outcome is the
// same either way.
func isAlreadyProcessed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "AlreadyProcessed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resultWindow is the in-memory record of recent bundles backing the status
// surface. Nothing is persisted.
type resultWindow struct {
	byRequest *gocache.Cache
	bySig     *gocache.Cache
}

type sigIndex struct {
	requestID uuid.UUID
	draft     int
}

func newResultWindow() *resultWindow {
	return &resultWindow{
		byRequest: gocache.New(resultWindowTTL, resultWindowTTL),
		bySig:     gocache.New(resultWindowTTL, resultWindowTTL),
	}
}

func (w *resultWindow) store(res *BundleResult) {
	w.byRequest.Set(res.RequestID.String(), res, gocache.DefaultExpiration)
	for i, out := range res.Outcomes {
		if !out.Signature.IsZero() {
			w.bySig.Set(out.Signature.String(), sigIndex{requestID: res.RequestID, draft: i}, gocache.DefaultExpiration)
		}
	}
}

func (w *resultWindow) lookupRequest(id uuid.UUID) (*BundleResult, bool) {
	v, ok := w.byRequest.Get(id.String())
	if !ok {
		return nil, false
	}
	return v.(*BundleResult), true
}

func (w *resultWindow) lookupSignature(sig solana.Signature) (*BundleResult, int, bool) {
	v, ok := w.bySig.Get(sig.String())
	if !ok {
		return nil, 0, false
	}
	idx := v.(sigIndex)
	res, ok := w.lookupRequest(idx.requestID)
	if !ok {
		return nil, 0, false
	}
	return res, idx.draft, true
}
