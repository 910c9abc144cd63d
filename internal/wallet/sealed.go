package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Sealed file format:
// [4 bytes magic] [16 bytes salt] [12 bytes nonce] [variable ciphertext]
//
// Used for secrets that are not chain keys, such as the GitHub App private
// key PEM. Salt feeds argon2id; nonce feeds AES-256-GCM.

var (
	// sealedMagic identifies a sealed file ("BRSK" = bountyrelay sealed key)
	sealedMagic = []byte{0x42, 0x52, 0x53, 0x4B}

	// argon2id parameters
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024 // 64 MB
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32 // AES-256

	// ErrWrongPassphrase is returned when decryption fails due to wrong passphrase
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted sealed file")

	// ErrInvalidSealedFile is returned when the file format is invalid
	ErrInvalidSealedFile = errors.New("invalid sealed file")
)

const (
	saltLen  = 16
	nonceLen = 12
)

// Seal encrypts plaintext with a key derived from passphrase.
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("seal: failed to generate salt: %w", err)
	}

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(sealedMagic)+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open reverses Seal.
func Open(data, passphrase []byte) ([]byte, error) {
	// magic + salt + nonce + GCM tag
	const minSize = 4 + saltLen + nonceLen + 16
	if len(data) < minSize {
		return nil, fmt.Errorf("open: %w: file too short", ErrInvalidSealedFile)
	}
	if !IsSealed(data) {
		return nil, fmt.Errorf("open: %w: invalid magic bytes", ErrInvalidSealedFile)
	}

	offset := len(sealedMagic)
	salt := data[offset : offset+saltLen]
	offset += saltLen
	nonce := data[offset : offset+nonceLen]
	offset += nonceLen

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, data[offset:], nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", ErrWrongPassphrase)
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the sealed-file magic bytes.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}

// SealFile writes Seal(plaintext) to path with 0600 permissions.
func SealFile(path string, plaintext, passphrase []byte) error {
	sealed, err := Seal(plaintext, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("seal: failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("seal: failed to write file: %w", err)
	}
	return nil
}

// ReadMaybeSealed reads path and opens it if sealed. Plain files are
// returned unchanged; passphrase is only consulted for sealed files.
func ReadMaybeSealed(path string, passphrase func() ([]byte, error)) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !IsSealed(data) {
		return data, nil
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("passphrase for %s: %w", path, err)
	}
	return Open(data, pass)
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	derivedKey := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
