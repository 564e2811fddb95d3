package bundler

import (
	"github.com/gagliardetto/solana-go"
)

// ValidateRequest enforces the structural invariants a request must satisfy
// before any network work: at least one signer across the request, the fee
// payer among the signers, and non-empty instruction data unless the target
// program is known to accept it.
func ValidateRequest(req *BundleRequest, payer solana.PublicKey, pol SimPolicy) error {
	if len(req.Instructions) == 0 {
		return E(KindMalformed, "bundle has no instructions")
	}

	sawSigner := false
	payerSigns := false
	for i, ins := range req.Instructions {
		if ins.Program.IsZero() {
			return Ef(KindMalformed, "instruction %d has no program id", i)
		}
		if len(ins.Accounts) == 0 {
			return Ef(KindMalformed, "instruction %d references no accounts", i)
		}
		if len(ins.Data) == 0 && !pol.allowsEmptyData(ins.Program) {
			return Ef(KindMalformed, "instruction %d has empty data", i)
		}
		for _, ref := range ins.Accounts {
			if ref.Signer {
				sawSigner = true
				if ref.Address.Equals(payer) {
					payerSigns = true
				}
			}
		}
	}
	if !sawSigner {
		return E(KindMalformed, "bundle has no signer account")
	}
	// a payer the request never references still signs as fee payer; any
	// reference to it in the request must mark it signer
	if !payerSigns {
		for _, ins := range req.Instructions {
			for _, ref := range ins.Accounts {
				if ref.Address.Equals(payer) && !ref.Signer {
					return E(KindMalformed, "fee payer is referenced but not marked signer")
				}
			}
		}
	}
	return nil
}
