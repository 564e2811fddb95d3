// Package bundler implements the end-to-end submission pipeline: it
// partitions client instructions into transaction drafts, vets them by
// dry-run, prices them, signs them, submits them through the node pool and
// tracks confirmation.
package bundler

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/heliolabs/bundler-node/fees"
	"github.com/heliolabs/bundler-node/nodepool"
)

const (
	SubmitEndpointName   = "bundle_submit"
	SimulateEndpointName = "bundle_simulate"
	StatusEndpointName   = "bundle_status"
	HealthEndpointName   = "bundle_health"
)

// AccountRef is one account referenced by an instruction.
type AccountRef struct {
	Address  solana.PublicKey `json:"address"`
	Signer   bool             `json:"signer"`
	Writable bool             `json:"writable"`
}

// Instruction targets one program with ordered account references and opaque
// data bytes (base64 on the wire).
type Instruction struct {
	Program  solana.PublicKey `json:"program"`
	Accounts []AccountRef     `json:"accounts"`
	Data     []byte           `json:"data"`
}

// ComputePolicy configures the compute budget for a request. Zero values
// mean "auto": the limit comes from simulation, the price from the fee
// estimator.
type ComputePolicy struct {
	Limit    uint32 `json:"limit,omitempty"`
	Price    uint64 `json:"price,omitempty"`
	MaxPrice uint64 `json:"maxPrice,omitempty"`
}

// BundleRequest is an ordered set of instructions the caller wants executed
// as one unit. Immutable after submission.
type BundleRequest struct {
	ID             uuid.UUID          `json:"requestId"`
	Atomic         bool               `json:"atomic"`
	Compute        ComputePolicy      `json:"compute"`
	Priority       fees.Tier          `json:"priority,omitempty"`
	Instructions   []Instruction      `json:"instructions"`
	TableAddresses []solana.PublicKey `json:"tableAddresses,omitempty"`
	Signers        []string           `json:"signers,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
}

// DraftStatus is the lifecycle position of one transaction draft.
type DraftStatus string

const (
	StatusPending   DraftStatus = "pending"
	StatusSubmitted DraftStatus = "submitted"
	StatusConfirmed DraftStatus = "confirmed"
	StatusFinalized DraftStatus = "finalized"
	StatusFailed    DraftStatus = "failed"
	StatusDropped   DraftStatus = "dropped"
)

// Terminal reports whether no further progress is possible.
func (s DraftStatus) Terminal() bool {
	switch s {
	case StatusFinalized, StatusFailed, StatusDropped:
		return true
	default:
		return false
	}
}

// Landed reports whether the draft made it on chain.
func (s DraftStatus) Landed() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

const maxOutcomeLogs = 32

// TransactionOutcome is the terminal record of one draft.
type TransactionOutcome struct {
	Signature     solana.Signature `json:"signature,omitempty"`
	Status        DraftStatus      `json:"status"`
	Slot          uint64           `json:"slot,omitempty"`
	ErrorKind     ErrorKind        `json:"errorKind,omitempty"`
	ErrorDetail   string           `json:"errorDetail,omitempty"`
	UnitsConsumed uint64           `json:"unitsConsumed,omitempty"`
	FeePaid       uint64           `json:"feePaid,omitempty"`
	Price         uint64           `json:"price,omitempty"`
	Logs          []string         `json:"logs,omitempty"`
	Attempts      int              `json:"attempts"`
}

// BundleStatus aggregates draft outcomes.
type BundleStatus string

const (
	BundleSuccess BundleStatus = "success"
	BundlePartial BundleStatus = "partial"
	BundleFailed  BundleStatus = "failed"
)

// Timings is the per-stage latency breakdown in milliseconds.
type Timings struct {
	SimulateMS int64 `json:"simulateMs"`
	SignMS     int64 `json:"signMs"`
	SubmitMS   int64 `json:"submitMs"`
	ConfirmMS  int64 `json:"confirmMs"`
	TotalMS    int64 `json:"totalMs"`
}

// BundleResult is the caller-facing record of a completed bundle.
type BundleResult struct {
	RequestID   uuid.UUID            `json:"requestId"`
	Status      BundleStatus         `json:"status"`
	Outcomes    []TransactionOutcome `json:"outcomes"`
	Timing      Timings              `json:"timing"`
	Endpoints   []string             `json:"endpointsUsed"`
	Retries     int                  `json:"retries"`
	CompletedAt time.Time            `json:"completedAt"`
}

// SimulationOutcome is the per-draft answer of the simulate surface.
type SimulationOutcome struct {
	Draft        int      `json:"draft"`
	Success      bool     `json:"success"`
	CUEstimate   uint32   `json:"cuEstimate,omitempty"`
	LandingScore float64  `json:"landingScore,omitempty"`
	Logs         []string `json:"logs,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorDetail  string   `json:"errorDetail,omitempty"`
}

// StatusReport answers the status surface for one signature.
type StatusReport struct {
	Signature solana.Signature `json:"signature"`
	Status    DraftStatus      `json:"status"`
	Slot      uint64           `json:"slot,omitempty"`
	RequestID *uuid.UUID       `json:"requestId,omitempty"`
	Outcome   *TransactionOutcome `json:"outcome,omitempty"`
}

// HealthReport answers the health surface.
type HealthReport struct {
	Healthy   bool                      `json:"healthy"`
	Endpoints []nodepool.EndpointStatus `json:"endpoints,omitempty"`
	Signer    string                    `json:"signer"`
	FeeWindow *fees.Stats               `json:"feeWindow,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// draft is one network-level transaction produced from part or all of a
// bundle. Mutated only by fee bumps.
type draft struct {
	index         int
	instructions  []Instruction
	cuLimit       uint32
	cuPrice       uint64
	ref           nodepool.ReferenceHash
	unitsObserved uint64
	attempts      int
}

// writableSet collects the writable accounts a draft touches.
func (d *draft) writableSet() []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{})
	var out []solana.PublicKey
	for _, ins := range d.instructions {
		for _, ref := range ins.Accounts {
			if !ref.Writable {
				continue
			}
			if _, ok := seen[ref.Address]; ok {
				continue
			}
			seen[ref.Address] = struct{}{}
			out = append(out, ref.Address)
		}
	}
	return out
}

func truncateLogs(logs []string) []string {
	if len(logs) <= maxOutcomeLogs {
		return logs
	}
	return logs[:maxOutcomeLogs]
}
