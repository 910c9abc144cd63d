package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/internal/config"
)

// Global CLI flags
var (
	// ConfigPath is the service config file shared with the API server
	ConfigPath string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// loadConfig loads the config from --config, or the default path.
func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// withApp builds the full service graph, runs fn, and releases it. Nothing is
// served; the CLI drives the same services the HTTP routes do.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app.ConfigureLogging(config.LogConfig{Level: "warn", Format: "text"})

	a, err := app.New(ctx, cfg, GetVersion())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			Warning(fmt.Sprintf("shutdown: %v", err))
		}
	}()
	return fn(a)
}

func jsonOutput() bool {
	return OutputFormat == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
