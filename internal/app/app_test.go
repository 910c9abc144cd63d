package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bountyrelay/bountyrelay/internal/config"
	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/webhook"
)

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ledger.MockMode = true
	cfg.Store.Driver = "memory"
	cfg.Wallet.PasswordSource = "env"
	cfg.Wallet.KeystoreDir = t.TempDir()
	cfg.GitHub.WebhookSecret = "hook-secret"
	cfg.Server.AdminToken = "admin"
	return cfg
}

func TestNewWiresMockDeployment(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, mockConfig(t), "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	if _, ok := a.Ledger.(*ledger.MockLedger); !ok {
		t.Errorf("ledger = %T, want *ledger.MockLedger in mock mode", a.Ledger)
	}

	handler := a.Server.Handler()
	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := serve(httptest.NewRequest(http.MethodGet, "/v1/readyz", nil)); rec.Code != http.StatusOK {
		t.Errorf("readyz: status = %d, body = %s", rec.Code, rec.Body)
	}

	body := []byte(`{"action":"opened"}`)
	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(body)))
	unsigned.Header.Set(webhook.EventHeader, "issues")
	if rec := serve(unsigned); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned delivery: status = %d, want 401", rec.Code)
	}

	signed := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(body)))
	signed.Header.Set(webhook.EventHeader, "issues")
	signed.Header.Set(webhook.DeliveryHeader, "d-1")
	signed.Header.Set(webhook.SignatureHeader, webhook.Sign(body, []byte("hook-secret")))
	if rec := serve(signed); rec.Code != http.StatusOK {
		t.Errorf("ignored delivery: status = %d, want 200", rec.Code)
	}

	if rec := serve(httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusOK {
		t.Errorf("metrics: status = %d", rec.Code)
	}
}

func TestServerConfig(t *testing.T) {
	sc := config.ServerConfig{
		Addr:                ":9000",
		RateLimitRequests:   30,
		RateLimitWindowSecs: 10,
		ReadTimeoutSecs:     5,
		CORSOrigins:         []string{"https://bounties.example"},
		AdminToken:          "tok",
		TrustProxy:          true,
	}
	cfg := ServerConfig(sc, "1.0.0")

	if cfg.HTTPAddr != ":9000" || cfg.RateLimit != 30 || cfg.RateLimitWindow != 10*time.Second {
		t.Errorf("limits = %s %d/%s", cfg.HTTPAddr, cfg.RateLimit, cfg.RateLimitWindow)
	}
	if cfg.ReadTimeout != 5*time.Second || !cfg.TrustProxy || cfg.AdminToken != "tok" || cfg.Version != "1.0.0" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxRequestSize != 1<<20 {
		t.Errorf("max request size = %d, want the default", cfg.MaxRequestSize)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.StoreConfig{Driver: "sqlite"}); err == nil {
		t.Error("OpenStore accepted an unknown driver")
	}
}
