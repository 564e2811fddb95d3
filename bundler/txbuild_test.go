package bundler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/heliolabs/bundler-node/nodepool"
)

func TestComputeBudgetInstructions(t *testing.T) {
	instrs := computeBudgetInstructions(200_000, 5_000)
	require.Len(t, instrs, 2)
	require.Equal(t, computebudget.ProgramID, instrs[0].ProgramID())
	require.Equal(t, computebudget.ProgramID, instrs[1].ProgramID())
}

func TestBuildTransactionPrependsBudget(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	d := &draft{
		instructions: []Instruction{{
			Program:  testProgram(t),
			Accounts: []AccountRef{{Address: payer, Signer: true, Writable: true}},
			Data:     []byte{1, 2, 3},
		}},
		cuLimit: 200_000,
		cuPrice: 1_000,
		ref:     nodepool.ReferenceHash{},
	}
	tx, err := buildTransaction(d, payer, nil)
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 3)
	require.Equal(t, payer, tx.Message.AccountKeys[0])
}

func TestSignTransactionFillsAllSlots(t *testing.T) {
	signer := newFakeSigner(t, "treasury")
	payer := signer.payer()
	treasury, err := signer.PublicKey(context.Background(), "treasury")
	require.NoError(t, err)

	d := &draft{
		instructions: []Instruction{{
			Program: testProgram(t),
			Accounts: []AccountRef{
				{Address: payer, Signer: true, Writable: true},
				{Address: treasury, Signer: true, Writable: true},
			},
			Data: []byte{9},
		}},
		cuLimit: 200_000,
		cuPrice: 1,
	}
	tx, err := buildTransaction(d, payer, nil)
	require.NoError(t, err)

	keyIDs := map[solana.PublicKey]string{payer: "", treasury: "treasury"}
	require.NoError(t, signTransaction(context.Background(), signer, tx, keyIDs))

	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, tx.Signatures, int(tx.Message.Header.NumRequiredSignatures))
	for i, sig := range tx.Signatures {
		require.False(t, sig.IsZero())
		require.True(t, sig.Verify(tx.Message.AccountKeys[i], msg))
	}
}

func TestSignTransactionMissingKey(t *testing.T) {
	signer := newFakeSigner(t)
	payer := signer.payer()
	stranger := solana.NewWallet().PublicKey()

	d := &draft{
		instructions: []Instruction{{
			Program: testProgram(t),
			Accounts: []AccountRef{
				{Address: payer, Signer: true, Writable: true},
				{Address: stranger, Signer: true},
			},
			Data: []byte{9},
		}},
		cuLimit: 1,
		cuPrice: 1,
	}
	tx, err := buildTransaction(d, payer, nil)
	require.NoError(t, err)

	err = signTransaction(context.Background(), signer, tx, map[solana.PublicKey]string{payer: ""})
	require.Equal(t, KindSigning, KindOf(err))
}

func accountWithData(t *testing.T, data []byte) *rpc.Account {
	t.Helper()
	var dbj rpc.DataBytesOrJSON
	raw := fmt.Sprintf(`["%s","base64"]`, base64.StdEncoding.EncodeToString(data))
	require.NoError(t, json.Unmarshal([]byte(raw), &dbj))
	return &rpc.Account{Data: &dbj}
}

func TestResolveTables(t *testing.T) {
	addrA := solana.NewWallet().PublicKey()
	addrB := solana.NewWallet().PublicKey()
	table := solana.NewWallet().PublicKey()

	data := make([]byte, lookupTableMetaSize, lookupTableMetaSize+64)
	data = append(data, addrA[:]...)
	data = append(data, addrB[:]...)

	node := &fakeNode{account: accountWithData(t, data)}
	tables, err := resolveTables(context.Background(), node, []solana.PublicKey{table})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, solana.PublicKeySlice{addrA, addrB}, tables[table])
}

func TestResolveTablesMissingAccount(t *testing.T) {
	node := &fakeNode{}
	_, err := resolveTables(context.Background(), node, []solana.PublicKey{solana.NewWallet().PublicKey()})
	require.Equal(t, KindMalformed, KindOf(err))
}

func TestResolveTablesTornList(t *testing.T) {
	node := &fakeNode{account: accountWithData(t, make([]byte, lookupTableMetaSize+17))}
	_, err := resolveTables(context.Background(), node, []solana.PublicKey{solana.NewWallet().PublicKey()})
	require.Equal(t, KindMalformed, KindOf(err))
}

func TestResolveTablesEmptyInput(t *testing.T) {
	tables, err := resolveTables(context.Background(), &fakeNode{}, nil)
	require.NoError(t, err)
	require.Nil(t, tables)
}
