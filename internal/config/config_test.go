package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Ledger.GasPriceMultiplier != 1.2 {
		t.Errorf("expected gas price multiplier 1.2, got %v", cfg.Ledger.GasPriceMultiplier)
	}
	if cfg.Ledger.GasLimitMultiplier != 1.3 {
		t.Errorf("expected gas limit multiplier 1.3, got %v", cfg.Ledger.GasLimitMultiplier)
	}
	if cfg.Limits.Window() != 24*time.Hour {
		t.Errorf("expected 24h window, got %v", cfg.Limits.Window())
	}
	if cfg.Limits.FundingDaily.Cmp(types.AmountFromUnits(1000)) != 0 {
		t.Errorf("expected funding limit 1000, got %s", cfg.Limits.FundingDaily)
	}
	if cfg.Relay.DomainName != "MinimalForwarder" || cfg.Relay.DomainVersion != "0.0.1" {
		t.Errorf("unexpected forwarder domain %s/%s", cfg.Relay.DomainName, cfg.Relay.DomainVersion)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory store by default, got %s", cfg.Store.Driver)
	}
}

func TestValidate(t *testing.T) {
	const addr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			modify: func(c *Config) {},
		},
		{
			name:    "gas multiplier below one",
			modify:  func(c *Config) { c.Ledger.GasPriceMultiplier = 0.9 },
			wantErr: "gas_price_multiplier",
		},
		{
			name:    "real chain without addresses",
			modify:  func(c *Config) { c.Ledger.MockMode = false },
			wantErr: "required when mock_mode is false",
		},
		{
			name: "real chain with zero address",
			modify: func(c *Config) {
				c.Ledger.MockMode = false
				c.Ledger.ContractAddress = "0x0000000000000000000000000000000000000000"
				c.Ledger.TokenAddress = addr
				c.Ledger.ForwarderAddress = addr
			},
			wantErr: "zero address",
		},
		{
			name: "real chain without webhook secret",
			modify: func(c *Config) {
				c.Ledger.MockMode = false
				c.Ledger.ContractAddress = addr
				c.Ledger.TokenAddress = addr
				c.Ledger.ForwarderAddress = addr
			},
			wantErr: "webhook_secret",
		},
		{
			name: "real chain complete",
			modify: func(c *Config) {
				c.Ledger.MockMode = false
				c.Ledger.ContractAddress = addr
				c.Ledger.TokenAddress = addr
				c.Ledger.ForwarderAddress = addr
				c.GitHub.WebhookSecret = "s3cret"
			},
		},
		{
			name:    "zero funding limit",
			modify:  func(c *Config) { c.Limits.FundingDaily = types.Amount{} },
			wantErr: "must be positive",
		},
		{
			name:    "unknown limit backend",
			modify:  func(c *Config) { c.Limits.Backend = "etcd" },
			wantErr: "limits.backend",
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: "store.dsn",
		},
		{
			name:    "kafka without brokers",
			modify:  func(c *Config) { c.Notify.Driver = "kafka" },
			wantErr: "kafka_brokers",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadYAMLAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
server:
  addr: ":9090"
limits:
  funding_daily: "250.5"
  transfer_daily: "10"
notify:
  driver: kafka
  kafka_brokers: ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(yamlData), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BOUNTYRELAY_SERVER_ADDR", ":7070")
	t.Setenv("BOUNTYRELAY_GAS_MIN_RESERVE", "0.5")
	t.Setenv("BOUNTYRELAY_STORE_AUTO_MIGRATE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("env should override yaml addr, got %s", cfg.Server.Addr)
	}
	if cfg.Limits.FundingDaily.String() != "250.5" {
		t.Errorf("funding_daily = %s, want 250.5", cfg.Limits.FundingDaily)
	}
	if cfg.Gas.MinReserve.String() != "0.5" {
		t.Errorf("min_reserve = %s, want 0.5", cfg.Gas.MinReserve)
	}
	if cfg.Store.AutoMigrate {
		t.Error("expected auto_migrate disabled by env")
	}
	if cfg.Notify.KafkaTopic != "bountyrelay.rewards" {
		t.Errorf("unset yaml keys should keep defaults, got topic %q", cfg.Notify.KafkaTopic)
	}
}

func TestLoadRejectsBadAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("limits:\n  funding_daily: \"-5\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Server.Addr = ":6060"
	cfg.Limits.TransferDaily = types.MustParseAmount("42.25")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != ":6060" {
		t.Errorf("addr = %s", loaded.Server.Addr)
	}
	if loaded.Limits.TransferDaily.String() != "42.25" {
		t.Errorf("transfer_daily = %s", loaded.Limits.TransferDaily)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandPath("~/keys"); got != filepath.Join(home, "keys") {
		t.Errorf("expandPath = %s", got)
	}
	if got := expandPath("/abs/keys"); got != "/abs/keys" {
		t.Errorf("absolute path changed: %s", got)
	}
}
