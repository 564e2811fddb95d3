package bundler

import (
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	"github.com/heliolabs/bundler-node/fees"
	"github.com/heliolabs/bundler-node/nodepool"
	"github.com/heliolabs/bundler-node/signing"
)

// Config is the on-disk configuration of the whole pipeline.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Fees     FeesConfig     `yaml:"fees"`
	Security SecurityConfig `yaml:"security"`
	Bundle   BundleConfig   `yaml:"bundle"`
	Signing  SigningConfig  `yaml:"signing"`
}

type RPCConfig struct {
	Endpoints []struct {
		URL       string  `yaml:"url"`
		Weight    float64 `yaml:"weight"`
		TimeoutMS int64   `yaml:"timeout_ms"`
	} `yaml:"endpoints"`
	MaxRetries         int   `yaml:"max_retries"`
	ProbeIntervalMS    int64 `yaml:"probe_interval_ms"`
	QuarantineInitMS   int64 `yaml:"quarantine_initial_ms"`
	QuarantineMaxMS    int64 `yaml:"quarantine_max_ms"`
}

type FeesConfig struct {
	Strategy         string  `yaml:"strategy"`
	FixedPrice       uint64  `yaml:"fixed_price"`
	WindowSeconds    int     `yaml:"window_seconds"`
	BufferRatio      float64 `yaml:"buffer_ratio"`
	BumpMultiplier   float64 `yaml:"bump_multiplier"`
	MinIncrement     uint64  `yaml:"min_increment"`
	MaxPriceLamports uint64  `yaml:"max_price_lamports"`
}

type SecurityConfig struct {
	ProgramWhitelist  []string `yaml:"program_whitelist"`
	AccountWhitelist  []string `yaml:"account_whitelist"`
	EmptyDataPrograms []string `yaml:"empty_data_programs"`
}

type BundleConfig struct {
	MaxAttempts       int    `yaml:"max_attempts"`
	Parallelism       int    `yaml:"parallelism"`
	PollIntervalMS    int64  `yaml:"poll_interval_ms"`
	ConfirmDeadlineMS int64  `yaml:"confirm_deadline_ms"`
	PerTxCUCap        uint32 `yaml:"per_tx_cu_cap"`
	PerTxSizeCap      int    `yaml:"per_tx_size_cap"`
	AcceptConfirmed   *bool  `yaml:"accept_confirmed"`
}

type SigningConfig struct {
	Provider       string            `yaml:"provider"`
	KeyFile        string            `yaml:"key_file"`
	AdditionalKeys map[string]string `yaml:"additional_keys"`
	EnvVar         string            `yaml:"env_var"`
	AdditionalVars map[string]string `yaml:"additional_vars"`
	Endpoint       string            `yaml:"endpoint"`
	TimeoutMS      int64             `yaml:"timeout_ms"`
}

// LoadConfig parses a config file and applies defaults.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, Wrap(KindConfig, err, "cannot read config file")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, Wrap(KindConfig, err, "cannot parse config file")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = 3
	}
	if c.RPC.ProbeIntervalMS == 0 {
		c.RPC.ProbeIntervalMS = 5000
	}
	if c.RPC.QuarantineInitMS == 0 {
		c.RPC.QuarantineInitMS = 5000
	}
	if c.RPC.QuarantineMaxMS == 0 {
		c.RPC.QuarantineMaxMS = 60000
	}
	if c.Fees.Strategy == "" {
		c.Fees.Strategy = string(fees.StrategyP75PlusBuffer)
	}
	if c.Fees.WindowSeconds == 0 {
		c.Fees.WindowSeconds = 60
	}
	if c.Fees.BufferRatio == 0 {
		c.Fees.BufferRatio = 0.10
	}
	if c.Fees.BumpMultiplier == 0 {
		c.Fees.BumpMultiplier = 1.3
	}
	if c.Fees.MinIncrement == 0 {
		c.Fees.MinIncrement = 100
	}
	if c.Fees.MaxPriceLamports == 0 {
		c.Fees.MaxPriceLamports = 10_000
	}
	if c.Bundle.MaxAttempts == 0 {
		c.Bundle.MaxAttempts = 3
	}
	if c.Bundle.Parallelism == 0 {
		c.Bundle.Parallelism = 8
	}
	if c.Bundle.PollIntervalMS == 0 {
		c.Bundle.PollIntervalMS = 400
	}
	if c.Bundle.ConfirmDeadlineMS == 0 {
		c.Bundle.ConfirmDeadlineMS = 30000
	}
	if c.Bundle.PerTxCUCap == 0 {
		c.Bundle.PerTxCUCap = 1_400_000
	}
	if c.Bundle.PerTxSizeCap == 0 {
		c.Bundle.PerTxSizeCap = maxTransactionSize
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return E(KindConfig, "rpc.endpoints must not be empty")
	}
	for _, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			return E(KindConfig, "rpc.endpoints entries need a url")
		}
	}
	if len(c.Security.ProgramWhitelist) == 0 {
		return E(KindConfig, "security.program_whitelist must not be empty")
	}
	for _, p := range c.Security.ProgramWhitelist {
		if _, err := solana.PublicKeyFromBase58(p); err != nil {
			return Ef(KindConfig, "security.program_whitelist entry %q is not a valid address", p)
		}
	}
	for _, a := range c.Security.AccountWhitelist {
		if _, err := solana.PublicKeyFromBase58(a); err != nil {
			return Ef(KindConfig, "security.account_whitelist entry %q is not a valid address", a)
		}
	}
	switch fees.StrategyKind(c.Fees.Strategy) {
	case fees.StrategyP75PlusBuffer, fees.StrategyFixed:
	default:
		return Ef(KindConfig, "fees.strategy %q is unknown", c.Fees.Strategy)
	}
	switch signing.Provider(c.Signing.Provider) {
	case signing.ProviderFile, signing.ProviderEnv, signing.ProviderExternal:
	default:
		return Ef(KindConfig, "signing.provider %q is unknown", c.Signing.Provider)
	}
	if c.Bundle.PerTxSizeCap > maxTransactionSize {
		return Ef(KindConfig, "bundle.per_tx_size_cap exceeds the transport maximum of %d", maxTransactionSize)
	}
	return nil
}

// PoolConfig translates the RPC section for the node pool.
func (c *Config) PoolConfig() nodepool.Config {
	pc := nodepool.DefaultConfig()
	pc.MaxRetries = c.RPC.MaxRetries
	pc.ProbeInterval = time.Duration(c.RPC.ProbeIntervalMS) * time.Millisecond
	pc.QuarantineInitial = time.Duration(c.RPC.QuarantineInitMS) * time.Millisecond
	pc.QuarantineMax = time.Duration(c.RPC.QuarantineMaxMS) * time.Millisecond
	for _, ep := range c.RPC.Endpoints {
		pc.Endpoints = append(pc.Endpoints, nodepool.EndpointConfig{
			URL:     ep.URL,
			Weight:  ep.Weight,
			Timeout: time.Duration(ep.TimeoutMS) * time.Millisecond,
		})
	}
	return pc
}

// FeeConfig translates the fees section for the estimator.
func (c *Config) FeeConfig() fees.Config {
	fc := fees.DefaultConfig()
	fc.Strategy.Kind = fees.StrategyKind(c.Fees.Strategy)
	fc.Strategy.Price = c.Fees.FixedPrice
	fc.Strategy.Window = time.Duration(c.Fees.WindowSeconds) * time.Second
	fc.Strategy.BufferRatio = c.Fees.BufferRatio
	fc.BumpMultiplier = c.Fees.BumpMultiplier
	fc.MinIncrement = c.Fees.MinIncrement
	fc.MaxPrice = c.Fees.MaxPriceLamports
	return fc
}

// SignerConfig translates the signing section for the gateway.
func (c *Config) SignerConfig() signing.Config {
	return signing.Config{
		Provider:       signing.Provider(c.Signing.Provider),
		Timeout:        time.Duration(c.Signing.TimeoutMS) * time.Millisecond,
		KeyFile:        c.Signing.KeyFile,
		AdditionalKeys: c.Signing.AdditionalKeys,
		EnvVar:         c.Signing.EnvVar,
		AdditionalVars: c.Signing.AdditionalVars,
		Endpoint:       c.Signing.Endpoint,
	}
}

// PipelineConfig translates the bundle section for the orchestrator.
func (c *Config) PipelineConfig() PipelineConfig {
	accept := true
	if c.Bundle.AcceptConfirmed != nil {
		accept = *c.Bundle.AcceptConfirmed
	}
	return PipelineConfig{
		MaxAttempts:     c.Bundle.MaxAttempts,
		Parallelism:     c.Bundle.Parallelism,
		PollInterval:    time.Duration(c.Bundle.PollIntervalMS) * time.Millisecond,
		ConfirmDeadline: time.Duration(c.Bundle.ConfirmDeadlineMS) * time.Millisecond,
		PerTxCUCap:      c.Bundle.PerTxCUCap,
		PerTxSizeCap:    c.Bundle.PerTxSizeCap,
		AcceptConfirmed: accept,
	}
}

// Policy translates the security section for the simulator.
func (c *Config) Policy() SimPolicy {
	pol := SimPolicy{
		Programs: make(map[solana.PublicKey]struct{}, len(c.Security.ProgramWhitelist)),
		Safety:   defaultSafetyMargin,
	}
	for _, p := range c.Security.ProgramWhitelist {
		pol.Programs[solana.MustPublicKeyFromBase58(p)] = struct{}{}
	}
	if len(c.Security.AccountWhitelist) > 0 {
		pol.Accounts = make(map[solana.PublicKey]struct{}, len(c.Security.AccountWhitelist))
		for _, a := range c.Security.AccountWhitelist {
			pol.Accounts[solana.MustPublicKeyFromBase58(a)] = struct{}{}
		}
	}
	if len(c.Security.EmptyDataPrograms) > 0 {
		pol.EmptyData = make(map[solana.PublicKey]struct{}, len(c.Security.EmptyDataPrograms))
		for _, p := range c.Security.EmptyDataPrograms {
			if pk, err := solana.PublicKeyFromBase58(p); err == nil {
				pol.EmptyData[pk] = struct{}{}
			}
		}
	}
	return pol
}
