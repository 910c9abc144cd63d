package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeyPatterns lists substrings of attribute keys whose values are
// always replaced. Transaction hashes share the 0x+64 hex shape of a private
// key, so hex values are only redacted when the key marks them as secret.
var sensitiveKeyPatterns = []string{
	"password",
	"passphrase",
	"secret",
	"private_key",
	"privkey",
	"credential",
	"authorization",
	"signature",
}

// githubTokenPattern matches GitHub installation, user and PAT tokens.
var githubTokenPattern = regexp.MustCompile(`\b(ghs|ghu|ghp|gho)_[A-Za-z0-9]{20,}|\bgithub_pat_[A-Za-z0-9_]{20,}`)

// jwtPattern matches compact JWS tokens (header.payload.signature).
var jwtPattern = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

// pemPattern matches an inline PEM private key block.
var pemPattern = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)

// RedactingHandler wraps an slog.Handler and scrubs secrets before records
// reach the inner handler.
type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	if rh, ok := inner.(*RedactingHandler); ok {
		return rh
	}
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, redactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g)
		}
		return slog.Group(a.Key, out...)
	}

	key := strings.ToLower(a.Key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	// "token" alone is ambiguous (token_balance, token_address), so only
	// credential-shaped values are dropped.
	if strings.Contains(key, "token") && a.Value.Kind() == slog.KindString {
		if looksLikeCredential(a.Value.String()) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	switch a.Value.Kind() {
	case slog.KindString:
		val := a.Value.String()
		if redacted := redactString(val); redacted != val {
			return slog.String(a.Key, redacted)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			val := err.Error()
			if redacted := redactString(val); redacted != val {
				return slog.String(a.Key, redacted)
			}
		}
	}
	return a
}

func looksLikeCredential(val string) bool {
	return githubTokenPattern.MatchString(val) || jwtPattern.MatchString(val) ||
		strings.HasPrefix(val, "Bearer ") || strings.HasPrefix(val, "token ")
}

// redactString masks credentials embedded in free text, keeping a short
// prefix so operators can still tell which token was involved.
func redactString(val string) string {
	val = pemPattern.ReplaceAllString(val, "[REDACTED PRIVATE KEY]")
	val = githubTokenPattern.ReplaceAllStringFunc(val, func(match string) string {
		return match[:8] + "..."
	})
	val = jwtPattern.ReplaceAllString(val, "eyJ...[REDACTED]")
	return val
}

// NewRedactingLogger creates a logger whose output is scrubbed by a RedactingHandler.
func NewRedactingLogger(inner slog.Handler) *slog.Logger {
	return slog.New(NewRedactingHandler(inner))
}
