package scm

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/bountyrelay/bountyrelay/internal/logging"
)

const (
	appJWTLifetime = 9 * time.Minute
	appJWTBackdate = 60 * time.Second
	tokenRefresh   = time.Minute // refresh installation tokens this long before expiry

	// exchangeTimeout bounds a shared token exchange, which outlives any
	// single caller's context.
	exchangeTimeout = 30 * time.Second
)

// TokenSource yields an access token for one app installation.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// StaticToken returns the same token for every installation. Useful for
// personal access tokens in development.
type StaticToken string

func (s StaticToken) Token(context.Context, int64) (string, error) {
	return string(s), nil
}

// ParsePrivateKey parses a PEM-encoded RSA app key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return key, nil
}

type installationToken struct {
	value     string
	expiresAt time.Time
}

// AppTokenSource exchanges a GitHub App JWT for installation tokens. Tokens
// are cached per installation until shortly before their stated expiry, and
// concurrent requests for the same installation share one exchange.
type AppTokenSource struct {
	appID  int64
	key    *rsa.PrivateKey
	apiURL string
	http   *http.Client
	clock  clockwork.Clock

	group singleflight.Group
	mu    sync.Mutex
	cache map[int64]installationToken
}

// AppConfig holds configuration for AppTokenSource.
type AppConfig struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey
	APIURL     string
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

func NewAppTokenSource(cfg AppConfig) *AppTokenSource {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &AppTokenSource{
		appID:  cfg.AppID,
		key:    cfg.PrivateKey,
		apiURL: cfg.APIURL,
		http:   cfg.HTTPClient,
		clock:  cfg.Clock,
		cache:  make(map[int64]installationToken),
	}
}

// AppJWT signs a short-lived app JWT. iat is backdated to absorb clock drift.
func (s *AppTokenSource) AppJWT() (string, error) {
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// Token returns a cached installation token or exchanges a new one. A caller
// whose ctx ends stops waiting without failing others joined on the exchange.
func (s *AppTokenSource) Token(ctx context.Context, installationID int64) (string, error) {
	if token, ok := s.cached(installationID); ok {
		return token, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(strconv.FormatInt(installationID, 10), func() (interface{}, error) {
		if token, ok := s.cached(installationID); ok {
			return token, nil
		}
		exCtx, cancel := context.WithTimeout(shared, exchangeTimeout)
		defer cancel()
		tok, err := s.exchange(exCtx, installationID)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.cache[installationID] = tok
		s.mu.Unlock()
		return tok.value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *AppTokenSource) cached(installationID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.cache[installationID]
	if !ok || !s.clock.Now().Before(tok.expiresAt.Add(-tokenRefresh)) {
		return "", false
	}
	return tok.value, true
}

func (s *AppTokenSource) exchange(ctx context.Context, installationID int64) (installationToken, error) {
	appJWT, err := s.AppJWT()
	if err != nil {
		return installationToken{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return installationToken{}, err
	}
	setHeaders(req, appJWT)

	resp, err := s.http.Do(req)
	if err != nil {
		return installationToken{}, fmt.Errorf("installation token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return installationToken{}, statusError(resp)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return installationToken{}, fmt.Errorf("failed to decode installation token: %w", err)
	}
	if body.Token == "" {
		return installationToken{}, fmt.Errorf("installation token response for %d carried no token", installationID)
	}

	logging.Debug("installation token issued",
		logging.Component("scm"),
		"installation_id", installationID,
		"expires_at", body.ExpiresAt)
	return installationToken{value: body.Token, expiresAt: body.ExpiresAt}, nil
}
