package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// StaticKeys is an in-memory KeySource for tests and local development.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

func NewStaticKeys() *StaticKeys {
	return &StaticKeys{keys: make(map[string]*ecdsa.PrivateKey)}
}

// Generate creates a fresh key under ref and returns its address.
func (s *StaticKeys) Generate(ref string) types.Address {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(fmt.Sprintf("generate key: %v", err))
	}
	s.Add(ref, key)
	return types.Address(crypto.PubkeyToAddress(key.PublicKey))
}

func (s *StaticKeys) Add(ref string, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ref] = key
}

func (s *StaticKeys) WithKey(ctx context.Context, ref string, fn func(*ecdsa.PrivateKey) error) error {
	s.mu.RLock()
	key, ok := s.keys[ref]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no key for %q", ref)
	}
	return fn(key)
}
