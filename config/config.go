// Package config loads escrowd and assetd configuration from YAML or TOML
// files.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/native/escrow"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"
)

// Duration wraps time.Duration so it can be written as "30s" in either file
// format.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for escrowd.
type Config struct {
	Listen      string            `yaml:"listen" toml:"listen"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Ledgers     []LedgerConfig    `yaml:"ledgers" toml:"ledgers"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher" toml:"dispatcher"`
	Sweep       SweepConfig       `yaml:"sweep" toml:"sweep"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Genesis     GenesisConfig     `yaml:"genesis" toml:"genesis"`
}

// CoordinatorConfig holds the escrow coordinator parameters. FeeReserve is a
// base-10 integer.
type CoordinatorConfig struct {
	Principal   string   `yaml:"principal" toml:"principal"`
	FeeReserve  string   `yaml:"fee_reserve" toml:"fee_reserve"`
	FeeTreasury string   `yaml:"fee_treasury" toml:"fee_treasury"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// StorageConfig selects the persistence backend. DSN applies to sqlite and
// postgres, Path to leveldb.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	Path    string `yaml:"path" toml:"path"`
}

// LedgerConfig registers an asset ledger. Ledgers with a URL are reached over
// JSON-RPC; ledgers without one are hosted in process from Local.
type LedgerConfig struct {
	ID                string       `yaml:"id" toml:"id"`
	URL               string       `yaml:"url" toml:"url"`
	Secret            string       `yaml:"secret" toml:"secret"`
	Issuer            string       `yaml:"issuer" toml:"issuer"`
	RequestsPerSecond float64      `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int          `yaml:"burst" toml:"burst"`
	Timeout           Duration     `yaml:"timeout" toml:"timeout"`
	Local             *AssetConfig `yaml:"local" toml:"local"`
}

// AssetConfig describes a fixed-price asset. Amounts are base-10 integers.
type AssetConfig struct {
	Price       string `yaml:"price" toml:"price"`
	TotalSupply string `yaml:"total_supply" toml:"total_supply"`
	Owner       string `yaml:"owner" toml:"owner"`
}

type DispatcherConfig struct {
	Concurrency int64    `yaml:"concurrency" toml:"concurrency"`
	CallTimeout Duration `yaml:"call_timeout" toml:"call_timeout"`
}

// SweepConfig enables the periodic sweep when Interval is positive.
type SweepConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

type LoggingConfig struct {
	Env        string `yaml:"env" toml:"env"`
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint   string            `yaml:"endpoint" toml:"endpoint"`
	Insecure   bool              `yaml:"insecure" toml:"insecure"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
	Metrics    bool              `yaml:"metrics" toml:"metrics"`
	Traces     bool              `yaml:"traces" toml:"traces"`
	SampleRate float64           `yaml:"sample_rate" toml:"sample_rate"`
}

// GenesisConfig credits development balances when the native ledger is empty.
type GenesisConfig struct {
	Balances map[string]string `yaml:"balances" toml:"balances"`
}

// Load reads escrowd configuration from path. The format follows the file
// extension: .toml for TOML, anything else for YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, out interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, out); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv lets secrets come from the environment instead of the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("ESCROWD_LISTEN"); ok && strings.TrimSpace(v) != "" {
		cfg.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup("ESCROWD_AUTH_HMAC_SECRET"); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(v)
	}
	if v, ok := lookup("ESCROWD_STORAGE_DSN"); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup("ESCROWD_LEDGER_SECRET"); ok && strings.TrimSpace(v) != "" {
		for i := range cfg.Ledgers {
			if cfg.Ledgers[i].Secret == "" {
				cfg.Ledgers[i].Secret = strings.TrimSpace(v)
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.Coordinator.FeeReserve == "" {
		cfg.Coordinator.FeeReserve = "0"
	}
	if cfg.Coordinator.Timeout.Duration == 0 {
		cfg.Coordinator.Timeout.Duration = escrow.DefaultTimeout
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Dispatcher.Concurrency <= 0 {
		cfg.Dispatcher.Concurrency = 16
	}
	if cfg.Dispatcher.CallTimeout.Duration == 0 {
		cfg.Dispatcher.CallTimeout.Duration = 30 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	for i := range cfg.Ledgers {
		if cfg.Ledgers[i].Timeout.Duration == 0 {
			cfg.Ledgers[i].Timeout.Duration = 15 * time.Second
		}
	}
	applyLoggingDefaults(&cfg.Logging)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 100
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 5
		}
		if cfg.MaxAgeDays <= 0 {
			cfg.MaxAgeDays = 28
		}
	}
}

func validate(cfg Config) error {
	principal, err := types.ParsePrincipal(cfg.Coordinator.Principal)
	if err != nil {
		return fmt.Errorf("coordinator.principal: %w", err)
	}
	if _, err := ParseAmount(cfg.Coordinator.FeeReserve); err != nil {
		return fmt.Errorf("coordinator.fee_reserve: %w", err)
	}
	if cfg.Coordinator.FeeTreasury != "" {
		if _, err := types.ParsePrincipal(cfg.Coordinator.FeeTreasury); err != nil {
			return fmt.Errorf("coordinator.fee_treasury: %w", err)
		}
	}
	if cfg.Coordinator.Timeout.Duration < 0 {
		return fmt.Errorf("coordinator.timeout must be non-negative")
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(cfg.Storage.DSN) == "" && strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.dsn or storage.path required for sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn required for postgres backend")
		}
	case BackendLevelDB:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for leveldb backend")
		}
	default:
		return fmt.Errorf("storage.backend %q not supported", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret required")
	}
	if len(cfg.Ledgers) == 0 {
		return fmt.Errorf("at least one ledger must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Ledgers))
	for i, ledger := range cfg.Ledgers {
		id := strings.ToLower(strings.TrimSpace(ledger.ID))
		if id == "" {
			return fmt.Errorf("ledgers[%d].id required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("ledgers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if err := validateLedger(ledger, principal); err != nil {
			return fmt.Errorf("ledgers[%d] (%s): %w", i, id, err)
		}
	}
	for owner, amount := range cfg.Genesis.Balances {
		if _, err := types.ParsePrincipal(owner); err != nil {
			return fmt.Errorf("genesis.balances: %w", err)
		}
		if _, err := ParseAmount(amount); err != nil {
			return fmt.Errorf("genesis.balances[%s]: %w", owner, err)
		}
	}
	return nil
}

func validateLedger(ledger LedgerConfig, coordinator types.Principal) error {
	remote := strings.TrimSpace(ledger.URL) != ""
	switch {
	case remote && ledger.Local != nil:
		return fmt.Errorf("url and local are mutually exclusive")
	case remote:
		if strings.TrimSpace(ledger.Secret) == "" {
			return fmt.Errorf("secret required for remote ledger")
		}
		if ledger.RequestsPerSecond < 0 {
			return fmt.Errorf("requests_per_second must be non-negative")
		}
		return nil
	case ledger.Local != nil:
		if err := ledger.Local.Validate(); err != nil {
			return err
		}
		if types.MustPrincipal(ledger.Local.Owner) == coordinator {
			return fmt.Errorf("local.owner cannot be the coordinator")
		}
		return nil
	default:
		return fmt.Errorf("either url or local must be set")
	}
}

// Validate checks the asset parameters.
func (a AssetConfig) Validate() error {
	price, err := ParseAmount(a.Price)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if price.Sign() == 0 {
		return fmt.Errorf("price must be positive")
	}
	if _, err := ParseAmount(a.TotalSupply); err != nil {
		return fmt.Errorf("total_supply: %w", err)
	}
	if _, err := types.ParsePrincipal(a.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	return nil
}

// LedgerConfig converts the asset section into ledger parameters with escrow
// as the only principal allowed to mutate holdings.
func (a AssetConfig) LedgerConfig(escrowPrincipal types.Principal) (assets.Config, error) {
	if err := a.Validate(); err != nil {
		return assets.Config{}, err
	}
	price, _ := ParseAmount(a.Price)
	supply, _ := ParseAmount(a.TotalSupply)
	priceU, overflow := uint256.FromBig(price)
	if overflow {
		return assets.Config{}, fmt.Errorf("price overflows 256 bits")
	}
	supplyU, overflow := uint256.FromBig(supply)
	if overflow {
		return assets.Config{}, fmt.Errorf("total_supply overflows 256 bits")
	}
	return assets.Config{
		Price:       priceU,
		TotalSupply: supplyU,
		Owner:       types.MustPrincipal(a.Owner),
		Escrow:      escrowPrincipal,
	}, nil
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return v, nil
}

// EscrowConfig converts the coordinator section into coordinator parameters.
func (c CoordinatorConfig) EscrowConfig() (escrow.Config, error) {
	principal, err := types.ParsePrincipal(c.Principal)
	if err != nil {
		return escrow.Config{}, fmt.Errorf("coordinator.principal: %w", err)
	}
	fee, err := ParseAmount(c.FeeReserve)
	if err != nil {
		return escrow.Config{}, fmt.Errorf("coordinator.fee_reserve: %w", err)
	}
	out := escrow.Config{Principal: principal, FeeReserve: fee, Timeout: c.Timeout.Duration}
	if strings.TrimSpace(c.FeeTreasury) != "" {
		if out.FeeTreasury, err = types.ParsePrincipal(c.FeeTreasury); err != nil {
			return escrow.Config{}, fmt.Errorf("coordinator.fee_treasury: %w", err)
		}
	}
	return out, nil
}

// Parse returns the genesis balances keyed by principal.
func (g GenesisConfig) Parse() (map[types.Principal]*big.Int, error) {
	out := make(map[types.Principal]*big.Int, len(g.Balances))
	for owner, amount := range g.Balances {
		p, err := types.ParsePrincipal(owner)
		if err != nil {
			return nil, err
		}
		v, err := ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out[p] = v
	}
	return out, nil
}
