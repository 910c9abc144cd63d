package wallet

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
)

// ErrNoPassword is returned when a PasswordSource has nothing for a reference.
var ErrNoPassword = errors.New("no password stored")

// PasswordSource supplies keystore passwords by secret reference.
type PasswordSource interface {
	Password(ref string) (string, error)
}

// KeyringPasswords keeps keystore passwords in the platform keyring.
// On macOS: Keychain. On Linux: Secret Service (GNOME Keyring / KDE Wallet).
type KeyringPasswords struct {
	ring    keyring.Keyring
	backend string
}

// OpenKeyringPasswords opens the platform keyring under serviceName.
func OpenKeyringPasswords(serviceName string) (*KeyringPasswords, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    serviceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringPasswords{ring: ring, backend: keyringBackendName()}, nil
}

// NewKeyringPasswords wraps an already opened keyring.
func NewKeyringPasswords(ring keyring.Keyring, backend string) *KeyringPasswords {
	return &KeyringPasswords{ring: ring, backend: backend}
}

// Backend returns a human-readable name of the keyring backend.
func (k *KeyringPasswords) Backend() string {
	return k.backend
}

func itemKey(ref string) string {
	return "wallet-password:" + ref
}

func (k *KeyringPasswords) Password(ref string) (string, error) {
	item, err := k.ring.Get(itemKey(ref))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", ref, ErrNoPassword)
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

// Store saves the password for ref.
func (k *KeyringPasswords) Store(ref, password string) error {
	err := k.ring.Set(keyring.Item{
		Key:         itemKey(ref),
		Data:        []byte(password),
		Label:       "bountyrelay wallet password (" + ref + ")",
		Description: "Password for a bountyrelay signing keystore",
	})
	if err != nil {
		return fmt.Errorf("failed to store in %s: %w", k.backend, err)
	}
	return nil
}

// Delete removes the password for ref. Deleting a missing entry is not an error.
func (k *KeyringPasswords) Delete(ref string) error {
	err := k.ring.Remove(itemKey(ref))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// EnvPasswords reads passwords from the environment:
// <PREFIX>_<REF> first, then <PREFIX> as a shared fallback. References are
// upper-cased with '-' and '.' mapped to '_'.
type EnvPasswords struct {
	Prefix string
}

func (e EnvPasswords) Password(ref string) (string, error) {
	name := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(ref))
	if v, ok := os.LookupEnv(e.Prefix + "_" + name); ok {
		return v, nil
	}
	if v, ok := os.LookupEnv(e.Prefix); ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", ref, ErrNoPassword)
}

// platformKeyringBackends returns the keyring backends for the current platform.
func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	default:
		return nil
	}
}

// keyringBackendName returns a human-readable name for the platform keyring.
func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}
