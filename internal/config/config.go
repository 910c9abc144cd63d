package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// EnvPrefix is the prefix for environment overrides, e.g. BOUNTYRELAY_LEDGER_RPC_URL.
const EnvPrefix = "bountyrelay"

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"server"`
	Ledger     LedgerConfig     `yaml:"ledger" envconfig:"ledger"`
	Limits     LimitsConfig     `yaml:"limits" envconfig:"limits"`
	Gas        GasConfig        `yaml:"gas" envconfig:"gas"`
	Relay      RelayConfig      `yaml:"relay" envconfig:"relay"`
	GitHub     GitHubConfig     `yaml:"github" envconfig:"github"`
	Store      StoreConfig      `yaml:"store" envconfig:"store"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"redis"`
	Notify     NotifyConfig     `yaml:"notify" envconfig:"notify"`
	Wallet     WalletConfig     `yaml:"wallet" envconfig:"wallet"`
	Settlement SettlementConfig `yaml:"settlement" envconfig:"settlement"`
	Log        LogConfig        `yaml:"log" envconfig:"log"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"addr"`

	// Per-IP rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests" envconfig:"rate_limit_requests"`       // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs" envconfig:"rate_limit_window_secs"` // Window duration in seconds (default: 60)

	MaxRequestSize int64 `yaml:"max_request_size" envconfig:"max_request_size"` // Max request body size in bytes (default: 1MB)

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs" envconfig:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs" envconfig:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs" envconfig:"idle_timeout_secs"`

	CORSOrigins []string `yaml:"cors_origins" envconfig:"cors_origins"`

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool `yaml:"trust_proxy" envconfig:"trust_proxy"`

	// AdminToken guards /v1/admin routes. Empty disables them.
	AdminToken string `yaml:"admin_token" envconfig:"admin_token"`
}

// LedgerConfig contains chain connection and transaction settings
type LedgerConfig struct {
	RPCURL           string `yaml:"rpc_url" envconfig:"rpc_url"`
	ChainID          int64  `yaml:"chain_id" envconfig:"chain_id"`
	ContractAddress  string `yaml:"contract_address" envconfig:"contract_address"`
	TokenAddress     string `yaml:"token_address" envconfig:"token_address"`
	ForwarderAddress string `yaml:"forwarder_address" envconfig:"forwarder_address"`

	GasPriceMultiplier float64 `yaml:"gas_price_multiplier" envconfig:"gas_price_multiplier"` // default 1.2
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier" envconfig:"gas_limit_multiplier"` // default 1.3
	MaxGasPriceGwei    int64   `yaml:"max_gas_price_gwei" envconfig:"max_gas_price_gwei"`     // 0 = no cap
	ReceiptTimeoutSecs int     `yaml:"receipt_timeout_secs" envconfig:"receipt_timeout_secs"`

	// MockMode runs every contract against in-process state. For development only.
	MockMode bool `yaml:"mock_mode" envconfig:"mock_mode"`
}

// LimitsConfig contains the daily funding and transfer caps
type LimitsConfig struct {
	FundingDaily  types.Amount `yaml:"funding_daily" envconfig:"funding_daily"`   // per repository
	TransferDaily types.Amount `yaml:"transfer_daily" envconfig:"transfer_daily"` // per user
	WindowHours   int          `yaml:"window_hours" envconfig:"window_hours"`
	Backend       string       `yaml:"backend" envconfig:"backend"` // "memory" or "redis"
}

// GasConfig contains relayer top-up settings
type GasConfig struct {
	MinReserve         types.Amount `yaml:"min_reserve" envconfig:"min_reserve"`
	MaxTopUp           types.Amount `yaml:"max_top_up" envconfig:"max_top_up"`
	PropagationDelayMs int          `yaml:"propagation_delay_ms" envconfig:"propagation_delay_ms"`
	SubsidyEnabled     bool         `yaml:"subsidy_enabled" envconfig:"subsidy_enabled"`
	RelayerSecretRef   string       `yaml:"relayer_secret_ref" envconfig:"relayer_secret_ref"`
}

// RelayConfig contains EIP-712 forwarder domain settings
type RelayConfig struct {
	// Enabled routes user registration and /v1/relay through the forwarder
	// with the gas relayer paying.
	Enabled       bool   `yaml:"enabled" envconfig:"enabled"`
	DomainName    string `yaml:"domain_name" envconfig:"domain_name"`
	DomainVersion string `yaml:"domain_version" envconfig:"domain_version"`
	DefaultGas    uint64 `yaml:"default_gas" envconfig:"default_gas"`
}

// GitHubConfig contains GitHub App settings
type GitHubConfig struct {
	APIURL         string `yaml:"api_url" envconfig:"api_url"`
	AppID          int64  `yaml:"app_id" envconfig:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path" envconfig:"private_key_path"` // PEM, or a file sealed with "bountyrelay seal"
	WebhookSecret  string `yaml:"webhook_secret" envconfig:"webhook_secret"`
	TimeoutSecs    int    `yaml:"timeout_secs" envconfig:"timeout_secs"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	Driver      string `yaml:"driver" envconfig:"driver"` // "memory" or "postgres"
	DSN         string `yaml:"dsn" envconfig:"dsn"`
	MaxConns    int32  `yaml:"max_conns" envconfig:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate" envconfig:"auto_migrate"`
}

// RedisConfig contains the shared rate-limit counter store settings
type RedisConfig struct {
	Addr      string `yaml:"addr" envconfig:"addr"`
	Password  string `yaml:"password" envconfig:"password"`
	DB        int    `yaml:"db" envconfig:"db"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"key_prefix"`
}

// NotifyConfig contains CRM notification settings
type NotifyConfig struct {
	Driver       string   `yaml:"driver" envconfig:"driver"` // "none", "http" or "kafka"
	URL          string   `yaml:"url" envconfig:"url"`
	KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" envconfig:"kafka_topic"`
}

// WalletConfig contains key custody settings
type WalletConfig struct {
	KeystoreDir    string `yaml:"keystore_dir" envconfig:"keystore_dir"`
	PasswordSource string `yaml:"password_source" envconfig:"password_source"` // "keyring" or "env"
	KeyringService string `yaml:"keyring_service" envconfig:"keyring_service"`
}

// SettlementConfig contains webhook settlement settings
type SettlementConfig struct {
	RecordPayouts bool `yaml:"record_payouts" envconfig:"record_payouts"`
	DedupTTLSecs  int  `yaml:"dedup_ttl_secs" envconfig:"dedup_ttl_secs"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"` // "json" or "text"
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".bountyrelay")

	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			RateLimitRequests:   100,
			RateLimitWindowSecs: 60,
			MaxRequestSize:      1 << 20,
			ReadTimeoutSecs:     30,
			WriteTimeoutSecs:    30,
			IdleTimeoutSecs:     120,
		},
		Ledger: LedgerConfig{
			RPCURL:             "http://127.0.0.1:8545",
			ChainID:            31337,
			GasPriceMultiplier: 1.2,
			GasLimitMultiplier: 1.3,
			ReceiptTimeoutSecs: 120,
			MockMode:           true,
		},
		Limits: LimitsConfig{
			FundingDaily:  types.AmountFromUnits(1000),
			TransferDaily: types.AmountFromUnits(500),
			WindowHours:   24,
			Backend:       "memory",
		},
		Gas: GasConfig{
			MinReserve:         types.MustParseAmount("0.001"),
			MaxTopUp:           types.MustParseAmount("0.01"),
			PropagationDelayMs: 2000,
			SubsidyEnabled:     false,
			RelayerSecretRef:   "relayer",
		},
		Relay: RelayConfig{
			DomainName:    "MinimalForwarder",
			DomainVersion: "0.0.1",
			DefaultGas:    300_000,
		},
		GitHub: GitHubConfig{
			APIURL:      "https://api.github.com",
			TimeoutSecs: 15,
		},
		Store: StoreConfig{
			Driver:      "memory",
			MaxConns:    10,
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "bountyrelay:",
		},
		Notify: NotifyConfig{
			Driver:     "none",
			KafkaTopic: "bountyrelay.rewards",
		},
		Wallet: WalletConfig{
			KeystoreDir:    filepath.Join(dataDir, "keystore"),
			PasswordSource: "keyring",
			KeyringService: "bountyrelay",
		},
		Settlement: SettlementConfig{
			RecordPayouts: true,
			DedupTTLSecs:  600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (a missing file yields defaults), applies
// BOUNTYRELAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateLimitRequests < 1 {
		return fmt.Errorf("server.rate_limit_requests must be at least 1")
	}

	if c.Ledger.GasPriceMultiplier < 1 {
		return fmt.Errorf("ledger.gas_price_multiplier must be >= 1, got %v", c.Ledger.GasPriceMultiplier)
	}
	if c.Ledger.GasLimitMultiplier < 1 {
		return fmt.Errorf("ledger.gas_limit_multiplier must be >= 1, got %v", c.Ledger.GasLimitMultiplier)
	}
	if c.Ledger.ReceiptTimeoutSecs < 1 {
		return fmt.Errorf("ledger.receipt_timeout_secs must be at least 1")
	}

	// Contract addresses only matter against a real chain
	if !c.Ledger.MockMode {
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required when mock_mode is false")
		}
		if c.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id must be positive")
		}
		addrs := map[string]string{
			"ledger.contract_address":  c.Ledger.ContractAddress,
			"ledger.token_address":     c.Ledger.TokenAddress,
			"ledger.forwarder_address": c.Ledger.ForwarderAddress,
		}
		for name, addr := range addrs {
			if err := validateEthAddress(name, addr); err != nil {
				return err
			}
		}
		if c.GitHub.WebhookSecret == "" {
			return fmt.Errorf("github.webhook_secret is required when mock_mode is false")
		}
	}

	if c.Limits.FundingDaily.IsZero() || c.Limits.TransferDaily.IsZero() {
		return fmt.Errorf("limits.funding_daily and limits.transfer_daily must be positive")
	}
	if c.Limits.WindowHours < 1 {
		return fmt.Errorf("limits.window_hours must be at least 1")
	}
	if c.Limits.Backend != "memory" && c.Limits.Backend != "redis" {
		return fmt.Errorf("invalid limits.backend: %s", c.Limits.Backend)
	}
	if c.Limits.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when limits.backend is redis")
	}

	if c.Gas.SubsidyEnabled && c.Gas.MaxTopUp.IsZero() {
		return fmt.Errorf("gas.max_top_up must be positive when subsidy is enabled")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store.driver: %s", c.Store.Driver)
	}

	switch c.Notify.Driver {
	case "none":
	case "http":
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for the http driver")
		}
	case "kafka":
		if len(c.Notify.KafkaBrokers) == 0 || c.Notify.KafkaTopic == "" {
			return fmt.Errorf("notify.kafka_brokers and notify.kafka_topic are required for the kafka driver")
		}
	default:
		return fmt.Errorf("invalid notify.driver: %s", c.Notify.Driver)
	}

	if c.Wallet.PasswordSource != "keyring" && c.Wallet.PasswordSource != "env" {
		return fmt.Errorf("invalid wallet.password_source: %s", c.Wallet.PasswordSource)
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log.format: %s", c.Log.Format)
	}

	return nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock_mode is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.KeystoreDir = expandPath(c.Wallet.KeystoreDir)
	c.GitHub.PrivateKeyPath = expandPath(c.GitHub.PrivateKeyPath)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".bountyrelay", "config.yaml")
}

// Address parses one of the validated contract addresses.
func (lc LedgerConfig) Address(addr string) types.Address {
	a, err := types.ParseAddress(addr)
	if err != nil {
		return types.Address{}
	}
	return a
}

func (lc LedgerConfig) ReceiptTimeout() time.Duration {
	return time.Duration(lc.ReceiptTimeoutSecs) * time.Second
}

func (lc LimitsConfig) Window() time.Duration {
	return time.Duration(lc.WindowHours) * time.Hour
}

func (gc GasConfig) PropagationDelay() time.Duration {
	return time.Duration(gc.PropagationDelayMs) * time.Millisecond
}

func (gc GitHubConfig) Timeout() time.Duration {
	return time.Duration(gc.TimeoutSecs) * time.Second
}

func (sc SettlementConfig) DedupTTL() time.Duration {
	return time.Duration(sc.DedupTTLSecs) * time.Second
}

func (sc ServerConfig) RateLimitWindow() time.Duration {
	return time.Duration(sc.RateLimitWindowSecs) * time.Second
}
