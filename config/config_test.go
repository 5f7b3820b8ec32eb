package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const yamlConfig = `
listen: "127.0.0.1:9000"
coordinator:
  principal: escrow
  fee_reserve: "5"
  fee_treasury: treasury
  timeout: 2h
storage:
  backend: SQLite
  dsn: "file:escrow.db"
ledgers:
  - id: gold
    local:
      price: "10"
      total_supply: "1000"
      owner: bob
  - id: silver
    url: "http://assetd:8091"
    secret: shared
    requests_per_second: 20
    burst: 5
dispatcher:
  concurrency: 4
  call_timeout: 5s
sweep:
  interval: 1m
auth:
  hmac_secret: topsecret
logging:
  file: /var/log/escrowd.log
genesis:
  balances:
    alice: "1000"
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "escrowd.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen %q", cfg.Listen)
	}
	if cfg.Coordinator.Timeout.Duration != 2*time.Hour {
		t.Fatalf("unexpected timeout %s", cfg.Coordinator.Timeout)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Fatalf("backend not normalised: %q", cfg.Storage.Backend)
	}
	if len(cfg.Ledgers) != 2 || cfg.Ledgers[0].Local == nil || cfg.Ledgers[1].URL == "" {
		t.Fatalf("unexpected ledgers %+v", cfg.Ledgers)
	}
	if cfg.Ledgers[1].Timeout.Duration != 15*time.Second {
		t.Fatalf("ledger timeout default not applied: %s", cfg.Ledgers[1].Timeout)
	}
	if cfg.Dispatcher.CallTimeout.Duration != 5*time.Second || cfg.Sweep.Interval.Duration != time.Minute {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Dispatcher, cfg.Sweep)
	}
	if cfg.Logging.MaxSizeMB != 100 || cfg.Logging.Level != "info" {
		t.Fatalf("logging defaults not applied: %+v", cfg.Logging)
	}

	escrowCfg, err := cfg.Coordinator.EscrowConfig()
	if err != nil {
		t.Fatalf("escrow config: %v", err)
	}
	if escrowCfg.Principal != "escrow" || escrowCfg.FeeReserve.Int64() != 5 || escrowCfg.FeeTreasury != "treasury" {
		t.Fatalf("unexpected escrow config %+v", escrowCfg)
	}
	balances, err := cfg.Genesis.Parse()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if balances[types.Principal("alice")].Int64() != 1000 {
		t.Fatalf("unexpected genesis balances %v", balances)
	}
}

func TestLoadTOMLAppliesDefaults(t *testing.T) {
	contents := `
[coordinator]
principal = "escrow"

[auth]
hmac_secret = "topsecret"

[[ledgers]]
id = "gold"

[ledgers.local]
price = "10"
total_supply = "1000"
owner = "bob"
`
	cfg, err := Load(writeFile(t, "escrowd.toml", contents))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8090" || cfg.Storage.Backend != BackendMemory {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Coordinator.Timeout.Duration != escrow.DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", cfg.Coordinator.Timeout)
	}
	if cfg.Coordinator.FeeReserve != "0" || cfg.Dispatcher.Concurrency != 16 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Coordinator, cfg.Dispatcher)
	}
	if cfg.Logging.MaxSizeMB != 0 {
		t.Fatalf("rotation defaults only apply with a log file")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := Config{Ledgers: []LedgerConfig{{ID: "a"}, {ID: "b", Secret: "own"}}}
	env := map[string]string{
		"ESCROWD_AUTH_HMAC_SECRET": " from-env ",
		"ESCROWD_LEDGER_SECRET":    "ledger-env",
		"ESCROWD_STORAGE_DSN":      "postgres://db",
	}
	applyEnv(&cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if cfg.Auth.HMACSecret != "from-env" || cfg.Storage.DSN != "postgres://db" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Ledgers[0].Secret != "ledger-env" || cfg.Ledgers[1].Secret != "own" {
		t.Fatalf("ledger secrets wrong: %+v", cfg.Ledgers)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		cfg := Config{
			Coordinator: CoordinatorConfig{Principal: "escrow"},
			Auth:        AuthConfig{HMACSecret: "s"},
			Ledgers: []LedgerConfig{{
				ID:    "gold",
				Local: &AssetConfig{Price: "10", TotalSupply: "100", Owner: "bob"},
			}},
		}
		applyDefaults(&cfg)
		return cfg
	}
	if err := validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"principal", func(c *Config) { c.Coordinator.Principal = "" }, "coordinator.principal"},
		{"fee", func(c *Config) { c.Coordinator.FeeReserve = "-1" }, "fee_reserve"},
		{"treasury", func(c *Config) { c.Coordinator.FeeTreasury = "Bad Name" }, "fee_treasury"},
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }, "not supported"},
		{"dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.dsn"},
		{"leveldb", func(c *Config) { c.Storage.Backend = BackendLevelDB }, "storage.path"},
		{"secret", func(c *Config) { c.Auth.HMACSecret = "" }, "hmac_secret"},
		{"no ledgers", func(c *Config) { c.Ledgers = nil }, "at least one ledger"},
		{"duplicate", func(c *Config) { c.Ledgers = append(c.Ledgers, LedgerConfig{ID: "GOLD", URL: "http://x", Secret: "s"}) }, "duplicate"},
		{"both", func(c *Config) { c.Ledgers[0].URL = "http://x" }, "mutually exclusive"},
		{"neither", func(c *Config) { c.Ledgers[0].Local = nil }, "either url or local"},
		{"remote secret", func(c *Config) { c.Ledgers[0] = LedgerConfig{ID: "gold", URL: "http://x"} }, "secret required"},
		{"zero price", func(c *Config) { c.Ledgers[0].Local.Price = "0" }, "price must be positive"},
		{"owner is coordinator", func(c *Config) { c.Ledgers[0].Local.Owner = "escrow" }, "cannot be the coordinator"},
		{"genesis", func(c *Config) { c.Genesis.Balances = map[string]string{"alice": "x"} }, "genesis.balances"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	if _, err := Load(writeFile(t, "escrowd.yml", "listne: \":1\"\n")); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := d.UnmarshalText([]byte(" 90s ")); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("unexpected duration %s err %v", d, err)
	}
}

func TestLoadAssetd(t *testing.T) {
	contents := `
escrow: escrow
asset:
  price: "10"
  total_supply: "1000"
  owner: bob
storage:
  backend: leveldb
  path: /tmp/assets
auth:
  hmac_secret: shared
`
	cfg, err := LoadAssetd(writeFile(t, "assetd.yaml", contents))
	if err != nil {
		t.Fatalf("load assetd: %v", err)
	}
	if cfg.Listen != ":8091" || cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	bad := strings.Replace(contents, "owner: bob", "owner: escrow", 1)
	if _, err := LoadAssetd(writeFile(t, "assetd.yaml", bad)); err == nil {
		t.Fatalf("expected escrow-owned supply to be rejected")
	}
	sqlite := strings.Replace(contents, "backend: leveldb", "backend: sqlite", 1)
	if _, err := LoadAssetd(writeFile(t, "assetd.yaml", sqlite)); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestAssetConfigLedgerConfig(t *testing.T) {
	cfg, err := AssetConfig{Price: "10", TotalSupply: "1000", Owner: "Bob"}.LedgerConfig(types.MustPrincipal("escrow"))
	if err != nil {
		t.Fatalf("ledger config: %v", err)
	}
	if cfg.Price.Uint64() != 10 || cfg.TotalSupply.Uint64() != 1000 {
		t.Fatalf("unexpected amounts: %s %s", cfg.Price, cfg.TotalSupply)
	}
	if cfg.Owner != types.MustPrincipal("bob") || cfg.Escrow != types.MustPrincipal("escrow") {
		t.Fatalf("unexpected principals: %s %s", cfg.Owner, cfg.Escrow)
	}

	huge := "1" + strings.Repeat("0", 80)
	if _, err := (AssetConfig{Price: huge, TotalSupply: "1", Owner: "bob"}).LedgerConfig("escrow"); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestDeploySamplesLoad(t *testing.T) {
	t.Setenv("ESCROWD_AUTH_HMAC_SECRET", "api")
	t.Setenv("ESCROWD_LEDGER_SECRET", "ledger")
	for _, name := range []string{"escrowd.yaml", "escrowd.toml"} {
		cfg, err := Load(filepath.Join("..", "deploy", name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(cfg.Ledgers) == 0 || cfg.Coordinator.Principal != "escrow" {
			t.Fatalf("%s: unexpected config %+v", name, cfg)
		}
	}
	t.Setenv("ASSETD_AUTH_HMAC_SECRET", "ledger")
	if _, err := LoadAssetd(filepath.Join("..", "deploy", "assetd.yaml")); err != nil {
		t.Fatalf("assetd.yaml: %v", err)
	}
}
