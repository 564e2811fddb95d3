package bundler

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/heliolabs/bundler-node/fees"
	"github.com/heliolabs/bundler-node/nodepool"
)

// NodeClient is the slice of the node pool the pipeline consumes. Satisfied
// by *nodepool.Pool; tests plug in fakes.
type NodeClient interface {
	LatestReferenceHash(ctx context.Context) (nodepool.ReferenceHash, error)
	InvalidateReferenceHash()
	SendRaw(ctx context.Context, raw []byte, commitment rpc.CommitmentType) (solana.Signature, error)
	GetStatuses(ctx context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatusesResult, error)
	Simulate(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResult, error)
	GetAccount(ctx context.Context, addr solana.PublicKey) (*rpc.Account, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Health() []nodepool.EndpointStatus
	Commitment() rpc.CommitmentType
}

// FeeQuoter is the estimator surface the orchestrator uses. Satisfied by
// *fees.Estimator.
type FeeQuoter interface {
	Price(ctx context.Context, writable []solana.PublicKey, tier fees.Tier, maxPrice uint64) (fees.Quote, error)
	Bump(prev, maxPrice uint64) (uint64, error)
	Stats() fees.Stats
}
