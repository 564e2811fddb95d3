package bundler

import (
	"github.com/gagliardetto/solana-go"

	"github.com/heliolabs/bundler-node/nodepool"
)

// instructionCUEstimate is the pre-simulation packing estimate for one
// instruction's compute cost.
const instructionCUEstimate = 200_000

type partitionCaps struct {
	sizeCap int
	cuCap   uint32
	payer   solana.PublicKey
	tables  map[solana.PublicKey]solana.PublicKeySlice
}

// partition groups the request's instructions into drafts.
//
// Atomic requests become exactly one draft; if that draft breaks the size or
// compute caps the bundle fails Malformed rather than being split silently.
// Best-effort requests are packed greedily in caller order: a draft takes
// the next instruction unless that would break the size cap, conflict on a
// writable account with an instruction already placed, or push the CU
// estimate over the per-transaction cap. Ties keep instruction order stable.
func partition(req *BundleRequest, caps partitionCaps) ([]*draft, error) {
	if len(req.Instructions) == 0 {
		return nil, E(KindMalformed, "bundle has no instructions")
	}

	if req.Atomic {
		d := &draft{index: 0, instructions: req.Instructions}
		if err := checkDraftCaps(d, req, caps); err != nil {
			return nil, err
		}
		return []*draft{d}, nil
	}

	var drafts []*draft
	var current *draft
	writable := make(map[solana.PublicKey]struct{})
	var cuSum uint64

	flush := func() {
		if current != nil {
			drafts = append(drafts, current)
			current = nil
			writable = make(map[solana.PublicKey]struct{})
			cuSum = 0
		}
	}

	for _, ins := range req.Instructions {
		single := &draft{instructions: []Instruction{ins}}
		if err := checkDraftCaps(single, req, caps); err != nil {
			// one instruction alone breaks a cap, nothing to repartition
			return nil, err
		}

		if current == nil {
			current = &draft{index: len(drafts), instructions: []Instruction{ins}}
			markWritable(writable, ins)
			cuSum = instructionCUEstimate
			continue
		}

		if conflictsWritable(writable, ins) || cuSum+instructionCUEstimate > uint64(caps.cuCap) {
			flush()
			current = &draft{index: len(drafts), instructions: []Instruction{ins}}
			markWritable(writable, ins)
			cuSum = instructionCUEstimate
			continue
		}

		candidate := &draft{instructions: append(append([]Instruction{}, current.instructions...), ins)}
		if err := checkDraftCaps(candidate, req, caps); err != nil {
			flush()
			current = &draft{index: len(drafts), instructions: []Instruction{ins}}
			markWritable(writable, ins)
			cuSum = instructionCUEstimate
			continue
		}

		current.instructions = append(current.instructions, ins)
		markWritable(writable, ins)
		cuSum += instructionCUEstimate
	}
	flush()
	return drafts, nil
}

// checkDraftCaps serializes the draft with placeholder fee fields and full
// signature slots and verifies it fits the transport and compute caps.
func checkDraftCaps(d *draft, req *BundleRequest, caps partitionCaps) error {
	probe := &draft{
		instructions: d.instructions,
		cuLimit:      caps.cuCap,
		cuPrice:      req.Compute.MaxPrice,
		ref:          nodepool.ReferenceHash{},
	}
	tx, err := buildTransaction(probe, caps.payer, caps.tables)
	if err != nil {
		return err
	}
	size, err := signedSize(tx)
	if err != nil {
		return err
	}
	if size > caps.sizeCap {
		return &Error{
			Kind:   KindMalformed,
			Code:   CodeOversize,
			Detail: "draft exceeds the transport size cap",
		}
	}
	if req.Atomic && uint64(len(d.instructions))*instructionCUEstimate > uint64(caps.cuCap) {
		return E(KindMalformed, "atomic bundle exceeds the per-transaction compute cap")
	}
	return nil
}

func markWritable(set map[solana.PublicKey]struct{}, ins Instruction) {
	for _, ref := range ins.Accounts {
		if ref.Writable {
			set[ref.Address] = struct{}{}
		}
	}
}

func conflictsWritable(set map[solana.PublicKey]struct{}, ins Instruction) bool {
	for _, ref := range ins.Accounts {
		if !ref.Writable {
			continue
		}
		if _, ok := set[ref.Address]; ok {
			return true
		}
	}
	return false
}
