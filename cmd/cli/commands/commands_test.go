package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestCommandUse(t *testing.T) {
	tests := []struct {
		name string
		cmd  *cobra.Command
		use  string
	}{
		{"rewards", NewRewardsCmd(), "rewards <repo-id> [issue-id...]"},
		{"repo", NewRepoCmd(), "repo"},
		{"user", NewUserCmd(), "user"},
		{"limits", NewLimitsCmd(), "limits"},
		{"settle", NewSettleCmd(), "settle <repo-id> <number>"},
		{"wallet", NewWalletCmd(), "wallet"},
		{"seal", NewSealCmd(), "seal <input> <output>"},
		{"migrate", NewMigrateCmd(), "migrate"},
		{"version", NewVersionCmd(), "version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cmd.Use != tt.use {
				t.Errorf("Use mismatch: got %s, want %s", tt.cmd.Use, tt.use)
			}
		})
	}
}

func TestSubcommands(t *testing.T) {
	want := map[string][]string{
		"repo":    {"register", "add-manager"},
		"wallet":  {"import", "show", "remove", "forget-password"},
		"migrate": {"up", "down", "version"},
		"limits":  {"funding", "transfer"},
	}
	cmds := map[string]*cobra.Command{
		"repo":    NewRepoCmd(),
		"wallet":  NewWalletCmd(),
		"migrate": NewMigrateCmd(),
		"limits":  NewLimitsCmd(),
	}
	for parent, subs := range want {
		for _, sub := range subs {
			found, _, err := cmds[parent].Find([]string{sub})
			if err != nil || found.Name() != sub {
				t.Errorf("%s %s not registered", parent, sub)
			}
		}
	}
}

func TestSettleFlags(t *testing.T) {
	cmd := NewSettleCmd()
	for _, name := range []string{"pr", "contributor", "yes"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag should exist", name)
		}
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"0", 0, true},
		{"-4", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseID("repo-id", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRenderTablePlain(t *testing.T) {
	out := renderTablePlain([]string{"Issue", "Reward"}, [][]string{{"9001", "12.5"}, {"7", "1"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "Issue  Reward") {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "-----  ------" {
		t.Errorf("separator = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "9001   12.5") {
		t.Errorf("row = %q", lines[2])
	}
}

func TestStatusBoxPlain(t *testing.T) {
	out := statusBoxPlain("Wallet", [][2]string{{"Reference", "relayer"}})
	if !strings.Contains(out, "Wallet\n======\n") {
		t.Errorf("missing title underline:\n%s", out)
	}
	if !strings.Contains(out, "Reference:     relayer") {
		t.Errorf("missing field:\n%s", out)
	}
}

func TestFormatAddress(t *testing.T) {
	got := FormatAddress("0x1234567890abcdef1234567890abcdef12345678")
	if got != "0x1234...5678" {
		t.Errorf("FormatAddress = %s", got)
	}
	if FormatAddress("0xabc") != "0xabc" {
		t.Error("short address should be unchanged")
	}
}

// writeMockConfig points the CLI at a mock-ledger, in-memory deployment.
func writeMockConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `ledger:
  mock_mode: true
store:
  driver: memory
wallet:
  keystore_dir: ` + filepath.Join(dir, "keystore") + `
  password_source: env
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	prevPath, prevFormat := ConfigPath, OutputFormat
	ConfigPath, OutputFormat = path, "json"
	t.Cleanup(func() { ConfigPath, OutputFormat = prevPath, prevFormat })
}

func TestMigrateRequiresPostgres(t *testing.T) {
	writeMockConfig(t)
	cmd := NewMigrateCmd()
	cmd.SetArgs([]string{"up"})
	cmd.SetOut(new(strings.Builder))
	cmd.SetErr(new(strings.Builder))
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("err = %v, want a postgres requirement", err)
	}
}

func TestRewardsAgainstMockLedger(t *testing.T) {
	writeMockConfig(t)
	cmd := NewRewardsCmd()
	cmd.SetArgs([]string{"100", "9001"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("rewards failed: %v", err)
	}
}

func TestRewardsRejectsBadRepoID(t *testing.T) {
	cmd := NewRewardsCmd()
	cmd.SetArgs([]string{"repo"})
	cmd.SetOut(new(strings.Builder))
	cmd.SetErr(new(strings.Builder))
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for a non-numeric repo id")
	}
}

func TestWalletShowMissingKey(t *testing.T) {
	writeMockConfig(t)
	cmd := NewWalletCmd()
	cmd.SetArgs([]string{"show", "nobody"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("show of a missing key should not fail: %v", err)
	}
}
