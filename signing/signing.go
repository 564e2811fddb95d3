// Package signing provides the gateway through which drafts acquire
// signatures. Key material lives behind a sealed set of providers: raw key
// files, environment variables, or an external signing service. Keys are
// loaded per invocation and zeroized before the call returns; they are never
// included in errors or logs.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// PayerKeyID addresses the fee payer; every gateway has one.
const PayerKeyID = ""

var (
	ErrUnknownKey      = errors.New("unknown key id")
	ErrUnknownProvider = errors.New("unknown signing provider")
)

// Gateway signs draft payloads. Implementations must honour the context
// deadline and must not retain or log key material.
type Gateway interface {
	Sign(ctx context.Context, message []byte, keyID string) (solana.Signature, error)
	PublicKey(ctx context.Context, keyID string) (solana.PublicKey, error)
	Probe(ctx context.Context) error
}

type Provider string

const (
	ProviderFile     Provider = "file"
	ProviderEnv      Provider = "env"
	ProviderExternal Provider = "external"
)

type Config struct {
	Provider Provider      `yaml:"provider"`
	Timeout  time.Duration `yaml:"-"`

	// file provider
	KeyFile        string            `yaml:"key_file"`
	AdditionalKeys map[string]string `yaml:"additional_keys"`

	// env provider
	EnvVar         string            `yaml:"env_var"`
	AdditionalVars map[string]string `yaml:"additional_vars"`

	// external provider
	Endpoint string `yaml:"endpoint"`
}

const defaultSignTimeout = 3 * time.Second

// New builds the gateway configured by cfg.
func New(log *zap.Logger, cfg Config) (Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSignTimeout
	}
	switch cfg.Provider {
	case ProviderFile:
		return newFileGateway(log, cfg)
	case ProviderEnv:
		return newEnvGateway(log, cfg)
	case ProviderExternal:
		return newRemoteGateway(log, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// zeroize wipes key bytes after use.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// signWithKey signs and wipes the private key copy.
func signWithKey(priv solana.PrivateKey, message []byte) (solana.Signature, error) {
	defer zeroize(priv)
	return priv.Sign(message)
}
