package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"assetescrow/core/types"
)

// AssetdConfig captures runtime configuration for the reference asset ledger
// service.
type AssetdConfig struct {
	Listen    string             `yaml:"listen" toml:"listen"`
	Asset     AssetConfig        `yaml:"asset" toml:"asset"`
	Escrow    string             `yaml:"escrow" toml:"escrow"`
	Storage   AssetStorageConfig `yaml:"storage" toml:"storage"`
	Auth      AssetdAuthConfig   `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig      `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// AssetStorageConfig selects where holdings live: memory or leveldb.
type AssetStorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

type AssetdAuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// LoadAssetd reads assetd configuration from path.
func LoadAssetd(path string) (AssetdConfig, error) {
	cfg := AssetdConfig{}
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if v, ok := os.LookupEnv("ASSETD_AUTH_HMAC_SECRET"); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(v)
	}
	applyAssetdDefaults(&cfg)
	if err := validateAssetd(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyAssetdDefaults(cfg *AssetdConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":8091"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	applyLoggingDefaults(&cfg.Logging)
}

func validateAssetd(cfg AssetdConfig) error {
	if err := cfg.Asset.Validate(); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	escrowPrincipal, err := types.ParsePrincipal(cfg.Escrow)
	if err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if escrowPrincipal.String() == strings.ToLower(strings.TrimSpace(cfg.Asset.Owner)) {
		return fmt.Errorf("escrow cannot own the asset supply")
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for leveldb backend")
		}
	default:
		return fmt.Errorf("storage.backend %q not supported by assetd", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret required")
	}
	return nil
}
