// Package app assembles the service from configuration. Both binaries build
// on it: cmd/api serves the HTTP surface, cmd/cli reuses the same wiring for
// operator commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bountyrelay/bountyrelay/internal/api"
	"github.com/bountyrelay/bountyrelay/internal/bounty"
	"github.com/bountyrelay/bountyrelay/internal/config"
	"github.com/bountyrelay/bountyrelay/internal/gas"
	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/internal/notify"
	"github.com/bountyrelay/bountyrelay/internal/ratelimit"
	"github.com/bountyrelay/bountyrelay/internal/relay"
	"github.com/bountyrelay/bountyrelay/internal/scm"
	"github.com/bountyrelay/bountyrelay/internal/settlement"
	"github.com/bountyrelay/bountyrelay/internal/store"
	"github.com/bountyrelay/bountyrelay/internal/wallet"
	"github.com/bountyrelay/bountyrelay/internal/webhook"
)

// Environment variables read outside the config file. Passwords and
// passphrases never live in YAML.
const (
	WalletPasswordEnv = "BOUNTYRELAY_WALLET_PASSWORD"
	GitHubKeyPassEnv  = "BOUNTYRELAY_GITHUB_KEY_PASSPHRASE"
	GitHubTokenEnv    = "BOUNTYRELAY_GITHUB_TOKEN"
)

// App holds the assembled components.
type App struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Store    store.Store
	Vault    *wallet.Vault
	Ledger   ledger.Gateway
	Funding  *ratelimit.Limiter
	Transfer *ratelimit.Limiter
	Bounty   *bounty.Service
	Pipeline *settlement.Pipeline
	Webhook  *webhook.Handler
	Server   *api.Server

	closers []func() error
}

// ConfigureLogging applies the log section of cfg to the global logger.
func ConfigureLogging(cfg config.LogConfig) {
	if cfg.Format == "text" {
		logging.SetTextOutput(os.Stderr)
	} else {
		logging.SetOutput(os.Stdout)
	}
	logging.SetLevel(logging.ParseLevel(cfg.Level))
}

// New builds every component named by cfg. Nothing is served until
// App.Server is started; Close releases connections either way.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.build(ctx, version); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, version string) error {
	cfg := a.Config

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	a.Store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})

	if a.Vault, err = OpenVault(cfg.Wallet); err != nil {
		return err
	}

	if a.Ledger, err = a.openLedger(ctx); err != nil {
		return err
	}

	counter, err := a.openCounter(ctx)
	if err != nil {
		return err
	}
	window := time.Duration(cfg.Limits.WindowHours) * time.Hour
	a.Funding = ratelimit.NewFundingLimiter(ratelimit.Config{
		Limit:   cfg.Limits.FundingDaily,
		Window:  window,
		Counter: counter,
		Metrics: a.Metrics,
	})
	a.Transfer = ratelimit.NewTransferLimiter(ratelimit.Config{
		Limit:   cfg.Limits.TransferDaily,
		Window:  window,
		Counter: counter,
		Metrics: a.Metrics,
	})

	notifier, err := notify.New(notify.Config{
		Driver:       cfg.Notify.Driver,
		URL:          cfg.Notify.URL,
		KafkaBrokers: cfg.Notify.KafkaBrokers,
		KafkaTopic:   cfg.Notify.KafkaTopic,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, notifier.Close)

	ensurer := gas.NewEnsurer(a.Ledger, gas.Config{
		MinReserve:       cfg.Gas.MinReserve,
		MaxTopUp:         cfg.Gas.MaxTopUp,
		PropagationDelay: time.Duration(cfg.Gas.PropagationDelayMs) * time.Millisecond,
		SubsidyEnabled:   cfg.Gas.SubsidyEnabled,
		RelayerRef:       cfg.Gas.RelayerSecretRef,
		Metrics:          a.Metrics,
	})

	deps := bounty.Deps{
		Ledger:   a.Ledger,
		Store:    a.Store,
		Funding:  a.Funding,
		Transfer: a.Transfer,
		Gas:      ensurer,
		Notifier: notifier,
	}
	if cfg.Relay.Enabled {
		deps.Relay = relay.New(a.Ledger, a.Vault, relay.Config{
			DomainName:    cfg.Relay.DomainName,
			DomainVersion: cfg.Relay.DomainVersion,
			DefaultGas:    cfg.Relay.DefaultGas,
			RelayerRef:    cfg.Gas.RelayerSecretRef,
		})
	}
	a.Bounty = bounty.NewService(deps)

	source, err := a.openSourceControl()
	if err != nil {
		return err
	}
	a.Pipeline = settlement.New(source, a.Ledger, a.Store, settlement.Config{
		RecordPayouts: cfg.Settlement.RecordPayouts,
		Notifier:      notifier,
		Metrics:       a.Metrics,
	})

	if cfg.GitHub.WebhookSecret == "" {
		logging.Warn("github.webhook_secret is empty; every delivery will be rejected",
			logging.Component("app"))
	}
	a.Webhook = webhook.NewHandler(a.Pipeline, webhook.Config{
		Secret:   []byte(cfg.GitHub.WebhookSecret),
		DedupTTL: time.Duration(cfg.Settlement.DedupTTLSecs) * time.Second,
		Metrics:  a.Metrics,
	})

	a.Server = api.NewServer(ServerConfig(cfg.Server, version), api.Deps{
		Bounty:  a.Bounty,
		Settler: a.Pipeline,
		Webhook: a.Webhook,
		Ledger:  a.Ledger,
		Store:   a.Store,
		Metrics: a.Metrics,
	})
	return nil
}

// ServerConfig maps the server section onto api.ServerConfig.
func ServerConfig(sc config.ServerConfig, version string) *api.ServerConfig {
	cfg := api.DefaultServerConfig()
	cfg.HTTPAddr = sc.Addr
	cfg.RateLimit = sc.RateLimitRequests
	if sc.RateLimitWindowSecs > 0 {
		cfg.RateLimitWindow = time.Duration(sc.RateLimitWindowSecs) * time.Second
	}
	cfg.RateLimitBurst = sc.RateLimitRequests
	cfg.TrustProxy = sc.TrustProxy
	cfg.AllowedOrigins = sc.CORSOrigins
	if sc.MaxRequestSize > 0 {
		cfg.MaxRequestSize = sc.MaxRequestSize
	}
	cfg.ReadTimeout = time.Duration(sc.ReadTimeoutSecs) * time.Second
	cfg.WriteTimeout = time.Duration(sc.WriteTimeoutSecs) * time.Second
	cfg.IdleTimeout = time.Duration(sc.IdleTimeoutSecs) * time.Second
	cfg.AdminToken = sc.AdminToken
	if version != "" {
		cfg.Version = version
	}
	return cfg
}

// OpenStore connects the configured persistence driver.
func OpenStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:         sc.DSN,
			MaxConns:    sc.MaxConns,
			AutoMigrate: sc.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory", "":
		logging.Warn("using the in-memory store; users and repositories are lost on restart",
			logging.Component("app"))
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// OpenVault opens the keystore with the configured password source.
func OpenVault(wc config.WalletConfig) (*wallet.Vault, error) {
	var passwords wallet.PasswordSource
	switch wc.PasswordSource {
	case "env":
		passwords = wallet.EnvPasswords{Prefix: WalletPasswordEnv}
	default:
		ring, err := wallet.OpenKeyringPasswords(wc.KeyringService)
		if err != nil {
			return nil, err
		}
		passwords = ring
	}
	return wallet.NewVault(wallet.VaultConfig{Dir: wc.KeystoreDir, Passwords: passwords})
}

func (a *App) openLedger(ctx context.Context) (ledger.Gateway, error) {
	lc := a.Config.Ledger
	if lc.MockMode {
		logging.Warn("ledger mock mode enabled; no transaction reaches a chain",
			logging.Component("app"))
		return ledger.NewMockGateway(a.Vault), nil
	}

	clientCfg := ledger.DefaultClientConfig()
	clientCfg.RPCURL = lc.RPCURL
	clientCfg.ChainID = lc.ChainID
	clientCfg.GasPriceMultiplier = lc.GasPriceMultiplier
	clientCfg.GasLimitMultiplier = lc.GasLimitMultiplier
	clientCfg.ReceiptTimeout = time.Duration(lc.ReceiptTimeoutSecs) * time.Second
	clientCfg.Metrics = a.Metrics
	if lc.MaxGasPriceGwei > 0 {
		clientCfg.MaxGasPrice = new(big.Int).Mul(big.NewInt(lc.MaxGasPriceGwei), big.NewInt(1_000_000_000))
	}

	client, err := ledger.Dial(ctx, clientCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})

	gateway, err := ledger.NewContractGateway(client, a.Vault, ledger.Contracts{
		Bounty:    lc.Address(lc.ContractAddress).Common(),
		Token:     lc.Address(lc.TokenAddress).Common(),
		Forwarder: lc.Address(lc.ForwarderAddress).Common(),
	})
	if err != nil {
		return nil, err
	}
	return gateway, nil
}

func (a *App) openCounter(ctx context.Context) (ratelimit.Counter, error) {
	if a.Config.Limits.Backend != "redis" {
		return ratelimit.NewMemoryCounter(), nil
	}
	rc := a.Config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
	}
	return ratelimit.NewRedisCounter(client, rc.KeyPrefix), nil
}

func (a *App) openSourceControl() (*scm.Client, error) {
	gc := a.Config.GitHub
	httpClient := &http.Client{Timeout: time.Duration(gc.TimeoutSecs) * time.Second}

	var tokens scm.TokenSource
	switch {
	case gc.PrivateKeyPath != "":
		pemBytes, err := wallet.ReadMaybeSealed(gc.PrivateKeyPath, func() ([]byte, error) {
			pass, ok := os.LookupEnv(GitHubKeyPassEnv)
			if !ok {
				return nil, fmt.Errorf("%s is not set", GitHubKeyPassEnv)
			}
			return []byte(pass), nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read GitHub App key: %w", err)
		}
		key, err := scm.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, err
		}
		tokens = scm.NewAppTokenSource(scm.AppConfig{
			AppID:      gc.AppID,
			PrivateKey: key,
			APIURL:     gc.APIURL,
			HTTPClient: httpClient,
		})
	default:
		logging.Warn("no GitHub App key configured; using "+GitHubTokenEnv,
			logging.Component("app"))
		tokens = scm.StaticToken(os.Getenv(GitHubTokenEnv))
	}

	return scm.NewClient(scm.ClientConfig{
		APIURL:     gc.APIURL,
		HTTPClient: httpClient,
		Tokens:     tokens,
	}), nil
}

// Shutdown stops serving, waits for in-flight settlements and notifications,
// then closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		if err := a.Server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Webhook != nil {
		if err := a.Webhook.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("webhook drain: %w", err))
		}
	}
	if a.Bounty != nil {
		if err := a.Bounty.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notification drain: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
