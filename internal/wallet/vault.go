package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// ErrSecretNotFound is returned when no keystore file exists for a reference.
var ErrSecretNotFound = errors.New("secret not found")

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Secret is a decrypted signing key. It must be zeroed with Zero once the
// signing operation it was fetched for has finished.
type Secret struct {
	Address    types.Address
	PrivateKey *ecdsa.PrivateKey
}

// Zero wipes the private scalar.
func (s *Secret) Zero() {
	if s != nil && s.PrivateKey != nil {
		s.PrivateKey.D.SetUint64(0)
		s.PrivateKey = nil
	}
}

// VaultConfig configures a Vault.
type VaultConfig struct {
	Dir       string
	Passwords PasswordSource
	// ScryptN and ScryptP default to the geth standard parameters. Tests use
	// keystore.LightScryptN/LightScryptP.
	ScryptN int
	ScryptP int
}

// Vault resolves opaque secret references to signing keys. Each reference is
// one Web3 Secret Storage file, <dir>/<ref>.json, encrypted with a password
// from the configured PasswordSource. Keys are decrypted per call and never
// cached.
type Vault struct {
	dir       string
	passwords PasswordSource
	scryptN   int
	scryptP   int
}

func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Passwords == nil {
		return nil, fmt.Errorf("vault: password source is required")
	}
	if cfg.ScryptN == 0 {
		cfg.ScryptN = keystore.StandardScryptN
	}
	if cfg.ScryptP == 0 {
		cfg.ScryptP = keystore.StandardScryptP
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &Vault{dir: cfg.Dir, passwords: cfg.Passwords, scryptN: cfg.ScryptN, scryptP: cfg.ScryptP}, nil
}

func (v *Vault) path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", &types.ValidationError{Field: "secret_ref", Reason: fmt.Sprintf("invalid reference %q", ref)}
	}
	return filepath.Join(v.dir, ref+".json"), nil
}

// Import encrypts key under ref. An existing reference is not overwritten.
func (v *Vault) Import(ref string, key *ecdsa.PrivateKey, password string) (types.Address, error) {
	path, err := v.path(ref)
	if err != nil {
		return types.Address{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return types.Address{}, fmt.Errorf("secret %s already exists in %s", ref, v.dir)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return types.Address{}, fmt.Errorf("failed to generate key id: %w", err)
	}
	k := &keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	keyJSON, err := keystore.EncryptKey(k, password, v.scryptN, v.scryptP)
	if err != nil {
		return types.Address{}, fmt.Errorf("failed to encrypt key: %w", err)
	}
	if err := os.WriteFile(path, keyJSON, 0600); err != nil {
		return types.Address{}, fmt.Errorf("failed to write key file: %w", err)
	}

	addr := types.Address(k.Address)
	logging.Audit(logging.AuditEvent{
		Operation: "wallet_imported",
		Actor:     "operator",
		Target:    ref,
		Result:    "success",
		Details:   addr.Hex(),
	})
	return addr, nil
}

// ImportHex is Import for a hex-encoded private key.
func (v *Vault) ImportHex(ref, privKeyHex, password string) (types.Address, error) {
	if len(privKeyHex) > 1 && privKeyHex[0] == '0' && (privKeyHex[1] == 'x' || privKeyHex[1] == 'X') {
		privKeyHex = privKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	defer key.D.SetUint64(0)
	return v.Import(ref, key, password)
}

// Address returns the address stored for ref without decrypting the key.
func (v *Vault) Address(ref string) (types.Address, error) {
	keyJSON, err := v.read(ref)
	if err != nil {
		return types.Address{}, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return types.Address{}, fmt.Errorf("failed to parse key file: %w", err)
	}
	return types.ParseAddress(header.Address)
}

// GetSecret decrypts the key for ref. The caller owns the returned Secret and
// must Zero it.
func (v *Vault) GetSecret(ctx context.Context, ref string) (*Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyJSON, err := v.read(ref)
	if err != nil {
		return nil, err
	}
	password, err := v.passwords.Password(ref)
	if err != nil {
		return nil, fmt.Errorf("password for %s: %w", ref, err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key %s: %w", ref, err)
	}
	return &Secret{Address: types.Address(key.Address), PrivateKey: key.PrivateKey}, nil
}

// WithKey decrypts the key for ref, passes it to fn and zeroes it afterwards.
func (v *Vault) WithKey(ctx context.Context, ref string, fn func(*ecdsa.PrivateKey) error) error {
	secret, err := v.GetSecret(ctx, ref)
	if err != nil {
		return err
	}
	defer secret.Zero()
	return fn(secret.PrivateKey)
}

// Remove deletes the keystore file for ref.
func (v *Vault) Remove(ref string) error {
	path, err := v.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", ref, ErrSecretNotFound)
		}
		return err
	}
	return nil
}

func (v *Vault) read(ref string) ([]byte, error) {
	path, err := v.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrSecretNotFound)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}
