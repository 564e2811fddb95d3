package signing

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

// remoteGateway talks to an external key service over JSON-RPC. The service
// holds the keys; only message bytes and signatures cross the wire.
type remoteGateway struct {
	log     *zap.Logger
	client  jsonrpc.RPCClient
	timeout time.Duration
}

type remoteSignArgs struct {
	Message string `json:"message"`
	KeyID   string `json:"keyId"`
}

func newRemoteGateway(log *zap.Logger, cfg Config) (*remoteGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("signing: endpoint is required for the external provider")
	}
	return &remoteGateway{
		log:     log.Named("signing"),
		client:  jsonrpc.NewClient(cfg.Endpoint),
		timeout: cfg.Timeout,
	}, nil
}

func (g *remoteGateway) Sign(ctx context.Context, message []byte, keyID string) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.client.Call(ctx, "signer_sign", remoteSignArgs{
		Message: base64.StdEncoding.EncodeToString(message),
		KeyID:   keyID,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("signing: service call failed: %w", err)
	}
	if res.Error != nil {
		return solana.Signature{}, fmt.Errorf("signing: service refused: %s", res.Error.Message)
	}
	var encoded string
	if err := res.GetObject(&encoded); err != nil {
		return solana.Signature{}, fmt.Errorf("signing: malformed service response: %w", err)
	}
	sig, err := solana.SignatureFromBase58(encoded)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("signing: service returned an invalid signature: %w", err)
	}
	return sig, nil
}

func (g *remoteGateway) PublicKey(ctx context.Context, keyID string) (solana.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.client.Call(ctx, "signer_publicKey", keyID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("signing: service call failed: %w", err)
	}
	if res.Error != nil {
		return solana.PublicKey{}, fmt.Errorf("signing: service refused: %s", res.Error.Message)
	}
	var encoded string
	if err := res.GetObject(&encoded); err != nil {
		return solana.PublicKey{}, fmt.Errorf("signing: malformed service response: %w", err)
	}
	pub, err := solana.PublicKeyFromBase58(encoded)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("signing: service returned an invalid public key: %w", err)
	}
	return pub, nil
}

func (g *remoteGateway) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.client.Call(ctx, "signer_health")
	if err != nil {
		return fmt.Errorf("signing: health call failed: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("signing: unhealthy: %s", res.Error.Message)
	}
	return nil
}
