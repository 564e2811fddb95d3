package bundler

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func validationPolicy(programs ...solana.PublicKey) SimPolicy {
	pol := SimPolicy{Programs: make(map[solana.PublicKey]struct{})}
	for _, p := range programs {
		pol.Programs[p] = struct{}{}
	}
	return pol
}

func TestValidateRequestEmptyInstructions(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	err := ValidateRequest(&BundleRequest{}, payer, validationPolicy())
	require.Equal(t, KindMalformed, KindOf(err))
}

func TestValidateRequestNoSigner(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	acct := solana.NewWallet().PublicKey()
	req := &BundleRequest{Instructions: []Instruction{{
		Program:  testProgram(t),
		Accounts: []AccountRef{{Address: acct, Writable: true}},
		Data:     []byte{1},
	}}}
	err := ValidateRequest(req, payer, validationPolicy())
	require.Equal(t, KindMalformed, KindOf(err))
	require.Contains(t, err.Error(), "no signer")
}

func TestValidateRequestEmptyData(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	req := &BundleRequest{Instructions: []Instruction{{
		Program:  testProgram(t),
		Accounts: []AccountRef{{Address: payer, Signer: true, Writable: true}},
	}}}
	err := ValidateRequest(req, payer, validationPolicy())
	require.Equal(t, KindMalformed, KindOf(err))

	// the same instruction passes when the program tolerates empty data
	pol := validationPolicy()
	pol.EmptyData = map[solana.PublicKey]struct{}{testProgram(t): {}}
	require.NoError(t, ValidateRequest(req, payer, pol))
}

func TestValidateRequestPayerNotSigner(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	signer := solana.NewWallet().PublicKey()
	req := &BundleRequest{Instructions: []Instruction{{
		Program: testProgram(t),
		Accounts: []AccountRef{
			{Address: signer, Signer: true},
			{Address: payer, Signer: false, Writable: true},
		},
		Data: []byte{1},
	}}}
	err := ValidateRequest(req, payer, validationPolicy())
	require.Equal(t, KindMalformed, KindOf(err))
	require.Contains(t, err.Error(), "fee payer")
}

func TestValidateRequestOK(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	req := &BundleRequest{Instructions: []Instruction{{
		Program:  testProgram(t),
		Accounts: []AccountRef{{Address: payer, Signer: true, Writable: true}},
		Data:     []byte{1, 2, 3},
	}}}
	require.NoError(t, ValidateRequest(req, payer, validationPolicy()))
}

func TestValidateRequestMissingProgram(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	req := &BundleRequest{Instructions: []Instruction{{
		Accounts: []AccountRef{{Address: payer, Signer: true}},
		Data:     []byte{1},
	}}}
	err := ValidateRequest(req, payer, validationPolicy())
	require.Equal(t, KindMalformed, KindOf(err))
}
