package bundler

import (
	"encoding/json"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/heliolabs/bundler-node/fees"
)

func testProgram(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
}

func TestBundleRequestRoundTrip(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	req := BundleRequest{
		ID:     uuid.New(),
		Atomic: true,
		Compute: ComputePolicy{
			Limit:    200_000,
			Price:    1_000,
			MaxPrice: 10_000,
		},
		Priority: fees.TierHigh,
		Instructions: []Instruction{
			{
				Program: testProgram(t),
				Accounts: []AccountRef{
					{Address: payer.PublicKey(), Signer: true, Writable: true},
					{Address: other.PublicKey(), Signer: false, Writable: true},
				},
				Data: []byte{2, 0, 0, 0, 16, 39, 0, 0},
			},
		},
		Signers:  []string{"treasury"},
		Metadata: map[string]string{"origin": "tests"},
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded BundleRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, req, decoded)
}

func TestTransactionOutcomeRoundTrip(t *testing.T) {
	out := TransactionOutcome{
		Status:      StatusFailed,
		ErrorKind:   KindChain,
		ErrorDetail: "custom program error: 0x1",
		Logs:        []string{"Program log: fail"},
		Attempts:    2,
		Price:       1_300,
	}
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded TransactionOutcome
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, out, decoded)
}

func TestDraftStatusPredicates(t *testing.T) {
	cases := []struct {
		status   DraftStatus
		terminal bool
		landed   bool
	}{
		{StatusPending, false, false},
		{StatusSubmitted, false, false},
		{StatusConfirmed, false, true},
		{StatusFinalized, true, true},
		{StatusFailed, true, false},
		{StatusDropped, true, false},
	}
	for _, c := range cases {
		t.Run(string(c.status), func(t *testing.T) {
			require.Equal(t, c.terminal, c.status.Terminal())
			require.Equal(t, c.landed, c.status.Landed())
		})
	}
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 2, ExitCode(E(KindConfig, "bad config")))
	require.Equal(t, 3, ExitCode(E(KindWhitelist, "no")))
	require.Equal(t, 3, ExitCode(E(KindMalformed, "too big")))
	require.Equal(t, 4, ExitCode(E(KindTimeout, "late")))
	require.Equal(t, 5, ExitCode(E(KindUpstreamExhausted, "down")))
	require.Equal(t, 1, ExitCode(E(KindChain, "0x1")))
}

func TestTruncateLogs(t *testing.T) {
	logs := make([]string, maxOutcomeLogs+10)
	require.Len(t, truncateLogs(logs), maxOutcomeLogs)
	require.Len(t, truncateLogs(logs[:3]), 3)
}

func TestWritableSet(t *testing.T) {
	a := solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
	b := solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	d := &draft{instructions: []Instruction{
		{Accounts: []AccountRef{
			{Address: a, Writable: true},
			{Address: b, Writable: false},
		}},
		{Accounts: []AccountRef{
			{Address: a, Writable: true},
		}},
	}}
	require.Equal(t, []solana.PublicKey{a}, d.writableSet())
}
