package bundler

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/heliolabs/bundler-node/signing"
)

// maxTransactionSize is the transport cap on a serialized, signed
// transaction.
const maxTransactionSize = 1232

// lookupTableMetaSize is the header length of an address-lookup-table
// account; the address list follows it as packed 32-byte keys.
const lookupTableMetaSize = 56

// Compute-budget and address-lookup-table construction is evolving on the
// ledger side, so it all lives behind this one adapter: nothing outside this
// file builds wire-level transactions.

func computeBudgetInstructions(cuLimit uint32, cuPrice uint64) []solana.Instruction {
	return []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(cuLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(cuPrice).Build(),
	}
}

func toLedgerInstruction(ins Instruction) solana.Instruction {
	metas := make(solana.AccountMetaSlice, 0, len(ins.Accounts))
	for _, ref := range ins.Accounts {
		metas = append(metas, solana.NewAccountMeta(ref.Address, ref.Writable, ref.Signer))
	}
	return solana.NewInstruction(ins.Program, metas, ins.Data)
}

// buildTransaction assembles the draft into an unsigned transaction with the
// compute budget prepended and lookup tables applied.
func buildTransaction(d *draft, payer solana.PublicKey, tables map[solana.PublicKey]solana.PublicKeySlice) (*solana.Transaction, error) {
	instrs := computeBudgetInstructions(d.cuLimit, d.cuPrice)
	for _, ins := range d.instructions {
		instrs = append(instrs, toLedgerInstruction(ins))
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(payer)}
	if len(tables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(tables))
	}
	tx, err := solana.NewTransaction(instrs, d.ref.Hash, opts...)
	if err != nil {
		return nil, Wrap(KindMalformed, err, "cannot assemble transaction")
	}
	return tx, nil
}

// signedSize measures the serialized length including signature slots for
// every required signer, which is the size the transport cap applies to.
func signedSize(tx *solana.Transaction) (int, error) {
	numReq := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < numReq {
		tx.Signatures = make([]solana.Signature, numReq)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return 0, Wrap(KindMalformed, err, "cannot serialize transaction")
	}
	return len(raw), nil
}

// resolveTables fetches and decodes the address-lookup-table accounts
// referenced by a request.
func resolveTables(ctx context.Context, pool NodeClient, addrs []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	tables := make(map[solana.PublicKey]solana.PublicKeySlice, len(addrs))
	for _, addr := range addrs {
		acc, err := pool.GetAccount(ctx, addr)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, Ef(KindMalformed, "lookup table %s does not exist", addr)
		}
		data := acc.Data.GetBinary()
		if len(data) < lookupTableMetaSize {
			return nil, Ef(KindMalformed, "lookup table %s is truncated", addr)
		}
		body := data[lookupTableMetaSize:]
		if len(body)%32 != 0 {
			return nil, Ef(KindMalformed, "lookup table %s has a torn address list", addr)
		}
		var keys solana.PublicKeySlice
		for off := 0; off < len(body); off += 32 {
			keys = append(keys, solana.PublicKeyFromBytes(body[off:off+32]))
		}
		tables[addr] = keys
	}
	return tables, nil
}

// signTransaction fills every required signature slot through the gateway.
// keyIDs maps signer public keys onto gateway key ids.
func signTransaction(ctx context.Context, gw signing.Gateway, tx *solana.Transaction, keyIDs map[solana.PublicKey]string) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return Wrap(KindMalformed, err, "cannot serialize message for signing")
	}
	numReq := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, numReq)
	for i := 0; i < numReq; i++ {
		signerKey := tx.Message.AccountKeys[i]
		keyID, ok := keyIDs[signerKey]
		if !ok {
			return Ef(KindSigning, "no key available for required signer %s", signerKey)
		}
		sig, err := gw.Sign(ctx, msg, keyID)
		if err != nil {
			return Wrap(KindSigning, err, fmt.Sprintf("signing failed for %s", signerKey))
		}
		tx.Signatures[i] = sig
	}
	return nil
}
