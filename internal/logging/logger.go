package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

var (
	defaultLogger *slog.Logger
	defaultLevel  = new(slog.LevelVar)
	mu            sync.RWMutex
)

func init() {
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: defaultLevel,
	})))
}

// SetLogger replaces the global logger. The caller is responsible for redaction.
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// SetOutput switches the global logger to redacted JSON on w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: defaultLevel,
	})))
}

// SetTextOutput switches the global logger to colorized console output on w.
// Intended for local development.
func SetTextOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(tint.NewHandler(w, &tint.Options{
		Level:      defaultLevel,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
	})))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetLevel changes the minimum level of the handlers installed by SetOutput
// and SetTextOutput.
func SetLevel(level slog.Level) {
	defaultLevel.Set(level)
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the global logger
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional context
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(ctx, msg, args...)
}

// Common field helpers

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func RepoID(id int64) slog.Attr {
	return slog.Int64("repo_id", id)
}

func IssueID(id int64) slog.Attr {
	return slog.Int64("issue_id", id)
}

func IssueNumber(n int) slog.Attr {
	return slog.Int("issue_number", n)
}

func TxHash(hash string) slog.Attr {
	return slog.String("tx_hash", hash)
}

func Wallet(address string) slog.Attr {
	return slog.String("wallet", address)
}

func DeliveryID(id string) slog.Attr {
	return slog.String("delivery_id", id)
}

func UserID(id string) slog.Attr {
	return slog.String("user_id", id)
}
