package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const (
	defaultSafetyMargin = 0.15
	minCUEstimate       = 1_000
)

// SimFailureKind classifies a failed pre-flight.
type SimFailureKind string

const (
	SimWhitelistViolation  SimFailureKind = "whitelist_violation"
	SimInsufficientFunds   SimFailureKind = "insufficient_funds"
	SimAccountNotFound     SimFailureKind = "account_not_found"
	SimSlippageLike        SimFailureKind = "slippage_like"
	SimProgramLogic        SimFailureKind = "program_logic"
	SimMalformed           SimFailureKind = "malformed"
	SimUpstreamUnavailable SimFailureKind = "upstream_unavailable"
)

// Retryable reports whether another attempt can plausibly succeed.
func (k SimFailureKind) Retryable() bool {
	return k == SimSlippageLike || k == SimUpstreamUnavailable
}

// ErrorKind maps the simulation class onto the pipeline taxonomy.
func (k SimFailureKind) ErrorKind() ErrorKind {
	switch k {
	case SimWhitelistViolation:
		return KindWhitelist
	case SimMalformed:
		return KindMalformed
	case SimUpstreamUnavailable:
		return KindUpstreamTransient
	default:
		return KindChain
	}
}

// SimFailure is a classified pre-flight failure.
type SimFailure struct {
	Kind   SimFailureKind
	Detail string
	Logs   []string
}

func (f *SimFailure) Error() string {
	return fmt.Sprintf("simulation %s: %s", f.Kind, f.Detail)
}

// SimPolicy is the allow-set and estimation policy applied before any
// network submission.
type SimPolicy struct {
	Programs  map[solana.PublicKey]struct{}
	Accounts  map[solana.PublicKey]struct{}
	EmptyData map[solana.PublicKey]struct{}
	Safety    float64
}

func (p SimPolicy) allowsEmptyData(program solana.PublicKey) bool {
	_, ok := p.EmptyData[program]
	return ok
}

// SimResult is a successful pre-flight: the vetted cost estimate and a
// coarse landing score.
type SimResult struct {
	CUEstimate   uint32
	UnitsObserved uint64
	Logs         []string
	LandingScore float64
}

// Simulator validates drafts against the allow-sets and dry-runs them on a
// pool member.
type Simulator struct {
	log    *zap.Logger
	pool   NodeClient
	policy SimPolicy
	cuCap  uint32
}

func NewSimulator(log *zap.Logger, pool NodeClient, policy SimPolicy, cuCap uint32) *Simulator {
	if policy.Safety <= 0 {
		policy.Safety = defaultSafetyMargin
	}
	if cuCap == 0 {
		cuCap = 1_400_000
	}
	return &Simulator{
		log:    log.Named("sim"),
		pool:   pool,
		policy: policy,
		cuCap:  cuCap,
	}
}

// CheckPolicy rejects instructions outside the allow-sets. It runs before
// any network traffic.
func (s *Simulator) CheckPolicy(instructions []Instruction) *SimFailure {
	if len(instructions) == 0 {
		return &SimFailure{Kind: SimMalformed, Detail: "empty instruction list"}
	}
	for i, ins := range instructions {
		if _, ok := s.policy.Programs[ins.Program]; !ok {
			return &SimFailure{
				Kind:   SimWhitelistViolation,
				Detail: fmt.Sprintf("instruction %d targets program %s outside the whitelist", i, ins.Program),
			}
		}
		if s.policy.Accounts != nil {
			for _, ref := range ins.Accounts {
				if _, ok := s.policy.Accounts[ref.Address]; !ok {
					return &SimFailure{
						Kind:   SimWhitelistViolation,
						Detail: fmt.Sprintf("instruction %d references account %s outside the allow-set", i, ref.Address),
					}
				}
			}
		}
	}
	return nil
}

// Simulate vets a draft end to end: policy, transport size, dry-run,
// classification.
func (s *Simulator) Simulate(ctx context.Context, d *draft, payer solana.PublicKey, sizeCap int, tables map[solana.PublicKey]solana.PublicKeySlice) (*SimResult, *SimFailure) {
	if fail := s.CheckPolicy(d.instructions); fail != nil {
		return nil, fail
	}

	probe := &draft{
		instructions: d.instructions,
		cuLimit:      s.cuCap,
		cuPrice:      d.cuPrice,
		ref:          d.ref,
	}
	tx, err := buildTransaction(probe, payer, tables)
	if err != nil {
		return nil, &SimFailure{Kind: SimMalformed, Detail: err.Error()}
	}
	size, err := signedSize(tx)
	if err != nil {
		return nil, &SimFailure{Kind: SimMalformed, Detail: err.Error()}
	}
	if size > sizeCap {
		return nil, &SimFailure{Kind: SimMalformed, Detail: "draft exceeds the transport size cap"}
	}

	res, err := s.pool.Simulate(ctx, tx)
	if err != nil {
		return nil, classifySimulateErr(err)
	}
	if res == nil {
		return nil, &SimFailure{Kind: SimUpstreamUnavailable, Detail: "empty simulation response"}
	}
	if res.Err != nil {
		return nil, classifyChainErr(res.Err, res.Logs)
	}

	var observed uint64
	if res.UnitsConsumed != nil {
		observed = *res.UnitsConsumed
	}
	estimate := uint64(math.Ceil(float64(observed) * (1 + s.policy.Safety)))
	if estimate < minCUEstimate {
		estimate = minCUEstimate
	}
	if estimate > uint64(s.cuCap) {
		estimate = uint64(s.cuCap)
	}

	return &SimResult{
		CUEstimate:    uint32(estimate),
		UnitsObserved: observed,
		Logs:          truncateLogs(res.Logs),
		LandingScore:  landingScore(observed, res.Logs),
	}, nil
}

// landingScore is a coarse probability derived from the absence of known
// trouble markers in the dry run.
func landingScore(unitsConsumed uint64, logs []string) float64 {
	score := 0.9
	if unitsConsumed > 1_000_000 {
		score *= 0.8
	} else if unitsConsumed > 0 && unitsConsumed < 10_000 {
		score *= 1.1
	}
	for _, line := range logs {
		if strings.Contains(strings.ToLower(line), "warning") {
			score *= 0.95
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func classifySimulateErr(err error) *SimFailure {
	detail := err.Error()
	if fail := matchChainMarkers(detail, nil); fail != nil {
		return fail
	}
	return &SimFailure{Kind: SimUpstreamUnavailable, Detail: detail}
}

// classifyChainErr sorts a node-reported simulation error into the failure
// classes. The raw error is an untyped JSON value; markers in its rendering
// and the program logs drive the decision.
func classifyChainErr(chainErr interface{}, logs []string) *SimFailure {
	detail := renderChainErr(chainErr)
	if fail := matchChainMarkers(detail, logs); fail != nil {
		return fail
	}
	return &SimFailure{Kind: SimProgramLogic, Detail: detail, Logs: truncateLogs(logs)}
}

func matchChainMarkers(detail string, logs []string) *SimFailure {
	haystack := strings.ToLower(detail)
	for _, line := range logs {
		haystack += "\n" + strings.ToLower(line)
	}
	switch {
	case strings.Contains(haystack, "insufficient funds"),
		strings.Contains(haystack, "insufficient lamports"):
		return &SimFailure{Kind: SimInsufficientFunds, Detail: detail, Logs: truncateLogs(logs)}
	case strings.Contains(haystack, "accountnotfound"),
		strings.Contains(haystack, "could not find account"),
		strings.Contains(haystack, "account not found"):
		return &SimFailure{Kind: SimAccountNotFound, Detail: detail, Logs: truncateLogs(logs)}
	case strings.Contains(haystack, "slippage"),
		strings.Contains(haystack, "price moved"),
		strings.Contains(haystack, "exceeds desired slippage"):
		return &SimFailure{Kind: SimSlippageLike, Detail: detail, Logs: truncateLogs(logs)}
	case strings.Contains(haystack, "blockhashnotfound"),
		strings.Contains(haystack, "blockhash not found"),
		strings.Contains(haystack, "node is behind"):
		return &SimFailure{Kind: SimUpstreamUnavailable, Detail: detail, Logs: truncateLogs(logs)}
	case strings.Contains(haystack, "sanitize"),
		strings.Contains(haystack, "invalid instruction data"),
		strings.Contains(haystack, "serialization"):
		return &SimFailure{Kind: SimMalformed, Detail: detail, Logs: truncateLogs(logs)}
	}
	return nil
}

func renderChainErr(chainErr interface{}) string {
	switch v := chainErr.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		raw, err := json.Marshal(chainErr)
		if err != nil {
			return fmt.Sprintf("%v", chainErr)
		}
		return string(raw)
	}
}
