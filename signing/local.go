package signing

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// fileGateway reads keypair files on every Sign call so key bytes are not
// resident between invocations. Public keys are cached after the first load.
type fileGateway struct {
	log   *zap.Logger
	paths map[string]string

	mu     sync.Mutex
	pubs   map[string]solana.PublicKey
}

func newFileGateway(log *zap.Logger, cfg Config) (*fileGateway, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("signing: key_file is required for the file provider")
	}
	paths := map[string]string{PayerKeyID: cfg.KeyFile}
	for alias, path := range cfg.AdditionalKeys {
		paths[alias] = path
	}
	g := &fileGateway{
		log:   log.Named("signing"),
		paths: paths,
		pubs:  make(map[string]solana.PublicKey),
	}
	// fail fast on an unreadable payer key
	if _, err := g.PublicKey(context.Background(), PayerKeyID); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *fileGateway) load(keyID string) (solana.PrivateKey, error) {
	path, ok := g.paths[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	priv, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: cannot load key %q: %w", keyID, err)
	}
	return priv, nil
}

func (g *fileGateway) Sign(ctx context.Context, message []byte, keyID string) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	priv, err := g.load(keyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return signWithKey(priv, message)
}

func (g *fileGateway) PublicKey(ctx context.Context, keyID string) (solana.PublicKey, error) {
	g.mu.Lock()
	if pub, ok := g.pubs[keyID]; ok {
		g.mu.Unlock()
		return pub, nil
	}
	g.mu.Unlock()

	priv, err := g.load(keyID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pub := priv.PublicKey()
	zeroize(priv)

	g.mu.Lock()
	g.pubs[keyID] = pub
	g.mu.Unlock()
	return pub, nil
}

func (g *fileGateway) Probe(ctx context.Context) error {
	_, err := g.PublicKey(ctx, PayerKeyID)
	return err
}

// envGateway resolves base58 keys from environment variables per call.
type envGateway struct {
	log  *zap.Logger
	vars map[string]string
}

func newEnvGateway(log *zap.Logger, cfg Config) (*envGateway, error) {
	if cfg.EnvVar == "" {
		return nil, fmt.Errorf("signing: env_var is required for the env provider")
	}
	vars := map[string]string{PayerKeyID: cfg.EnvVar}
	for alias, v := range cfg.AdditionalVars {
		vars[alias] = v
	}
	g := &envGateway{log: log.Named("signing"), vars: vars}
	if _, err := g.PublicKey(context.Background(), PayerKeyID); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *envGateway) load(keyID string) (solana.PrivateKey, error) {
	name, ok := g.vars[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("signing: environment variable %s is not set", name)
	}
	priv, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("signing: environment variable %s holds an invalid key: %w", name, err)
	}
	return priv, nil
}

func (g *envGateway) Sign(ctx context.Context, message []byte, keyID string) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	priv, err := g.load(keyID)
	if err != nil {
		return solana.Signature{}, err
	}
	return signWithKey(priv, message)
}

func (g *envGateway) PublicKey(ctx context.Context, keyID string) (solana.PublicKey, error) {
	priv, err := g.load(keyID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pub := priv.PublicKey()
	zeroize(priv)
	return pub, nil
}

func (g *envGateway) Probe(ctx context.Context) error {
	_, err := g.PublicKey(ctx, PayerKeyID)
	return err
}
