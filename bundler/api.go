package bundler

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heliolabs/bundler-node/jsonrpcserver"
	"github.com/heliolabs/bundler-node/metrics"
)

var ErrInternalServiceError = errors.New("bundler service error")

const defaultSubmitDeadline = 90 * time.Second

// API exposes the submission surface as JSON-RPC methods.
type API struct {
	log  *zap.Logger
	orch *Orchestrator

	simRateLimiter *rate.Limiter
}

func NewAPI(log *zap.Logger, orch *Orchestrator, simRateLimit rate.Limit) *API {
	return &API{
		log:            log,
		orch:           orch,
		simRateLimiter: rate.NewLimiter(simRateLimit, 1),
	}
}

// Submit runs a bundle to completion within the caller's overall deadline.
func (a *API) Submit(ctx context.Context, req BundleRequest) (_ *BundleResult, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SubmitEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SubmitEndpointName)
		}
	}()

	deadline := jsonrpcserver.GetDeadline(ctx)
	if deadline <= 0 {
		deadline = defaultSubmitDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res, err := a.orch.Submit(ctx, &req)
	if err != nil {
		a.log.Error("bundle submission broke", zap.Error(err))
		return nil, ErrInternalServiceError
	}
	return res, nil
}

// Simulate dry-runs a bundle without submitting anything.
func (a *API) Simulate(ctx context.Context, req BundleRequest) (_ []SimulationOutcome, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SimulateEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SimulateEndpointName)
		}
	}()

	if err := a.simRateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.orch.SimulateBundle(ctx, &req)
}

// Status reports what is known about a signature, preferring the in-memory
// result window and falling back to a live status poll.
func (a *API) Status(ctx context.Context, sig solana.Signature, verbose bool) (_ *StatusReport, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(StatusEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(StatusEndpointName)
		}
	}()

	return a.orch.Status(ctx, sig, verbose)
}

// Health reports endpoint, signer and fee-window state.
func (a *API) Health(ctx context.Context, verbose bool) (_ *HealthReport, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(HealthEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(HealthEndpointName)
		}
	}()

	return a.orch.HealthReport(ctx, verbose)
}

// SimulateBundle vets every draft of the request without network
// submission.
func (o *Orchestrator) SimulateBundle(ctx context.Context, req *BundleRequest) ([]SimulationOutcome, error) {
	if fail := o.sim.CheckPolicy(req.Instructions); fail != nil {
		return []SimulationOutcome{{
			Draft:       0,
			Success:     false,
			ErrorKind:   fail.Kind.ErrorKind(),
			ErrorDetail: fail.Detail,
		}}, nil
	}
	tables, err := resolveTables(ctx, o.pool, req.TableAddresses)
	if err != nil {
		return nil, err
	}
	drafts, err := partition(req, partitionCaps{
		sizeCap: o.cfg.PerTxSizeCap,
		cuCap:   o.cfg.PerTxCUCap,
		payer:   o.payer,
		tables:  tables,
	})
	if err != nil {
		return []SimulationOutcome{{
			Draft:       0,
			Success:     false,
			ErrorKind:   KindOf(err),
			ErrorDetail: err.Error(),
		}}, nil
	}

	out := make([]SimulationOutcome, len(drafts))
	for i, d := range drafts {
		res, fail := o.sim.Simulate(ctx, d, o.payer, o.cfg.PerTxSizeCap, tables)
		if fail != nil {
			out[i] = SimulationOutcome{
				Draft:       i,
				Success:     false,
				Logs:        fail.Logs,
				ErrorKind:   fail.Kind.ErrorKind(),
				ErrorDetail: fail.Detail,
			}
			continue
		}
		out[i] = SimulationOutcome{
			Draft:        i,
			Success:      true,
			CUEstimate:   res.CUEstimate,
			LandingScore: res.LandingScore,
			Logs:         res.Logs,
		}
	}
	return out, nil
}

// Status resolves a signature to its draft outcome, falling back to a live
// poll for signatures this process does not remember.
func (o *Orchestrator) Status(ctx context.Context, sig solana.Signature, verbose bool) (*StatusReport, error) {
	if res, idx, ok := o.results.lookupSignature(sig); ok {
		out := res.Outcomes[idx]
		report := &StatusReport{
			Signature: sig,
			Status:    out.Status,
			Slot:      out.Slot,
			RequestID: &res.RequestID,
		}
		if verbose {
			report.Outcome = &out
		}
		return report, nil
	}

	sts, err := o.pool.GetStatuses(ctx, []solana.Signature{sig})
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Signature: sig, Status: StatusPending}
	if len(sts) > 0 && sts[0] != nil {
		st := sts[0]
		report.Slot = st.Slot
		switch {
		case st.Err != nil:
			report.Status = StatusFailed
		case st.ConfirmationStatus == rpc.ConfirmationStatusFinalized:
			report.Status = StatusFinalized
		case st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed:
			report.Status = StatusConfirmed
		default:
			report.Status = StatusSubmitted
		}
	}
	return report, nil
}

// HealthReport summarizes endpoint, signer and fee state. The service is
// healthy while at least one endpoint is dispatchable and the signer
// answers its probe.
func (o *Orchestrator) HealthReport(ctx context.Context, verbose bool) (*HealthReport, error) {
	endpoints := o.pool.Health()
	dispatchable := false
	for _, ep := range endpoints {
		if ep.State != "quarantined" {
			dispatchable = true
			break
		}
	}

	signerState := "ok"
	if err := o.gw.Probe(ctx); err != nil {
		signerState = "unavailable"
	}

	report := &HealthReport{
		Healthy:   dispatchable && signerState == "ok",
		Signer:    signerState,
		Timestamp: time.Now(),
	}
	if verbose {
		report.Endpoints = endpoints
		stats := o.quoter.Stats()
		report.FeeWindow = &stats
	}
	return report, nil
}
