package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bountyrelay/bountyrelay/internal/app"
	"github.com/bountyrelay/bountyrelay/internal/config"
	"github.com/bountyrelay/bountyrelay/internal/wallet"
)

const minPasswordLen = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage signing keys in the keystore",
		Long: `Manage the signing keys the service resolves by reference.

Each key is an encrypted keystore file (geth V3 format) named <ref>.json in
wallet.keystore_dir. Users, pool managers and the relayer each point at one
reference; the password is looked up at signing time from the platform
keyring or, with wallet.password_source env, from BOUNTYRELAY_WALLET_PASSWORD_<REF>.

Examples:
  bountyrelay wallet import relayer   # Import the relayer key
  bountyrelay wallet show relayer     # Show its address
  bountyrelay wallet forget-password relayer`,
	}

	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletRemoveCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())

	return cmd
}

func openWalletVault() (*config.Config, *wallet.Vault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	v, err := app.OpenVault(cfg.Wallet)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// storePasswordInKeyring saves the password when the keyring is the
// configured source, and prints the env fallback otherwise.
func storePasswordInKeyring(cfg *config.Config, ref, password string) {
	envName := app.WalletPasswordEnv + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(ref))
	if cfg.Wallet.PasswordSource == "env" {
		fmt.Println(Hint("Set " + envName + " for the service to unlock this key."))
		return
	}
	ring, err := wallet.OpenKeyringPasswords(cfg.Wallet.KeyringService)
	if err == nil {
		err = ring.Store(ref, password)
	}
	if err != nil {
		Warning(fmt.Sprintf("Could not store password in system keyring: %v", err))
		fmt.Println(Hint("Set " + envName + " and wallet.password_source: env instead."))
		return
	}
	fmt.Printf("  Password saved to %s\n", ring.Backend())
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <ref>",
		Short: "Import a private key under a reference",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			cfg, vault, err := openWalletVault()
			if err != nil {
				return err
			}
			if addr, err := vault.Address(ref); err == nil {
				return fmt.Errorf("key %q already exists (address: %s)", ref, addr.Hex())
			}

			fmt.Fprint(os.Stderr, "Enter private key (hex, with or without 0x prefix): ")
			privKeyHex, err := readPasswordNoEcho()
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			fmt.Fprintln(os.Stderr)

			password, err := promptNewPassword("wallet password")
			if err != nil {
				return err
			}

			addr, err := vault.ImportHex(ref, strings.TrimSpace(privKeyHex), password)
			if err != nil {
				return fmt.Errorf("failed to import key: %w", err)
			}

			fmt.Println()
			Success("Key imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Reference", ref},
				{"Address", addr.Hex()},
				{"Keystore", cfg.Wallet.KeystoreDir},
			}))
			storePasswordInKeyring(cfg, ref, password)
			return nil
		},
	}
}

func newWalletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show the address behind a reference",
		Long:  "Display the address and keystore directory of a key. No password needed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			cfg, vault, err := openWalletVault()
			if err != nil {
				return err
			}
			addr, err := vault.Address(ref)
			if errors.Is(err, wallet.ErrSecretNotFound) {
				Info(fmt.Sprintf("No key named %q.", ref))
				fmt.Println(Hint("Import one with: bountyrelay wallet import " + ref))
				return nil
			}
			if err != nil {
				return err
			}

			pwStatus := "not stored (manual unlock required)"
			if cfg.Wallet.PasswordSource == "env" {
				pwStatus = "read from environment"
			} else if ring, err := wallet.OpenKeyringPasswords(cfg.Wallet.KeyringService); err == nil {
				if pw, err := ring.Password(ref); err == nil && pw != "" {
					pwStatus = "stored in " + ring.Backend()
				}
			}

			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Reference", ref},
				{"Address", addr.Hex()},
				{"Keystore", cfg.Wallet.KeystoreDir},
				{"Password", pwStatus},
			}))
			return nil
		},
	}
}

func newWalletRemoveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <ref>",
		Short: "Delete a keystore file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			_, vault, err := openWalletVault()
			if err != nil {
				return err
			}
			if !yes {
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Delete key %q?", ref)).
					Description("Funds held by this address become unreachable without a backup.").
					Affirmative("Delete").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			if err := vault.Remove(ref); err != nil {
				return err
			}
			Success(fmt.Sprintf("Removed %s", ref))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password <ref>",
		Short: "Remove a key's password from the system keyring",
		Long: `Remove the stored password of a key from the platform keyring.

After this the service can only unlock the key through the environment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ring, err := wallet.OpenKeyringPasswords(cfg.Wallet.KeyringService)
			if err != nil {
				return err
			}
			if err := ring.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed password for %s from %s\n", args[0], ring.Backend())
			return nil
		},
	}
}

// NewSealCmd encrypts a file at rest with a passphrase.
func NewSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <input> <output>",
		Short: "Encrypt a file, such as the GitHub App private key, at rest",
		Long: `Seal a file with a passphrase. The service reads sealed files
transparently, taking the passphrase from ` + app.GitHubKeyPassEnv + `.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if wallet.IsSealed(plaintext) {
				return fmt.Errorf("%s is already sealed", args[0])
			}
			pass, err := promptNewPassword("passphrase")
			if err != nil {
				return err
			}
			if err := wallet.SealFile(args[1], plaintext, []byte(pass)); err != nil {
				return err
			}
			Success(fmt.Sprintf("Sealed %s to %s", args[0], args[1]))
			fmt.Println(Hint("Delete the plaintext copy once the sealed file is in place."))
			return nil
		},
	}
}

// promptNewPassword reads a password twice, with retries.
func promptNewPassword(what string) (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprintf(os.Stderr, "Enter %s: ", what)
		password, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", what, err)
		}
		fmt.Fprintln(os.Stderr)

		if len(password) < minPasswordLen {
			Warning(fmt.Sprintf("Must be at least %d characters. Try again.", minPasswordLen))
			continue
		}

		fmt.Fprintf(os.Stderr, "Confirm %s: ", what)
		confirm, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if password != confirm {
			Warning("Entries do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho() (string, error) {
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
