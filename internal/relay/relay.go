// Package relay implements ERC-2771 meta-transactions: the user signs an
// EIP-712 forward request and a relayer wallet submits it through the
// forwarder contract, paying the gas.
package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// ErrInvalidSignature is returned when a forward request signature does not
// recover to the request's from address.
var ErrInvalidSignature = errors.New("signature does not match request sender")

// Ledger is the part of ledger.Gateway the relay needs.
type Ledger interface {
	ForwarderNonce(ctx context.Context, from types.Address) (*big.Int, error)
	ExecuteForward(ctx context.Context, signerRef string, req ledger.ForwardRequest, signature []byte) (*ledger.TxResult, error)
	ChainID() *big.Int
	ForwarderAddress() types.Address
}

// Config holds configuration for the relay.
type Config struct {
	DomainName    string // default: "MinimalForwarder"
	DomainVersion string // default: "0.0.1"
	DefaultGas    uint64 // inner gas budget when the caller passes 0
	RelayerRef    string // secret reference of the fee-paying wallet
}

// Signed is a forward request with its detached signature.
type Signed struct {
	Request   ledger.ForwardRequest
	Signature []byte
}

// Relay prepares and submits meta-transactions.
type Relay struct {
	ledger Ledger
	keys   ledger.KeySource
	config Config
}

func New(l Ledger, keys ledger.KeySource, config Config) *Relay {
	if config.DomainName == "" {
		config.DomainName = "MinimalForwarder"
	}
	if config.DomainVersion == "" {
		config.DomainVersion = "0.0.1"
	}
	if config.DefaultGas == 0 {
		config.DefaultGas = 300_000
	}
	return &Relay{ledger: l, keys: keys, config: config}
}

// Prepare builds a forward request from the wallet behind userRef to target
// and signs it with that wallet's key. The key is only held while signing.
func (r *Relay) Prepare(ctx context.Context, userRef string, target types.Address, callData []byte, gasBudget uint64) (*Signed, error) {
	if target.IsZero() {
		return nil, &types.ValidationError{Field: "target", Reason: "must not be the zero address"}
	}
	if gasBudget == 0 {
		gasBudget = r.config.DefaultGas
	}

	var signed *Signed
	err := r.keys.WithKey(ctx, userRef, func(key *ecdsa.PrivateKey) error {
		from := types.Address(crypto.PubkeyToAddress(key.PublicKey))
		nonce, err := r.ledger.ForwarderNonce(ctx, from)
		if err != nil {
			return err
		}

		req := ledger.ForwardRequest{
			From:  from.Common(),
			To:    target.Common(),
			Value: new(big.Int),
			Gas:   new(big.Int).SetUint64(gasBudget),
			Nonce: nonce,
			Data:  callData,
		}
		hash, err := r.TypedDataHash(req)
		if err != nil {
			return err
		}
		sig, err := crypto.Sign(hash, key)
		if err != nil {
			return fmt.Errorf("failed to sign forward request: %w", err)
		}
		sig[crypto.RecoveryIDOffset] += 27

		signed = &Signed{Request: req, Signature: sig}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// Execute verifies signed locally and has the relayer submit it. Replays are
// rejected by the forwarder's nonce check.
func (r *Relay) Execute(ctx context.Context, signed *Signed) (*ledger.TxResult, error) {
	if err := r.VerifySignature(signed.Request, signed.Signature); err != nil {
		return nil, err
	}

	result, err := r.ledger.ExecuteForward(ctx, r.config.RelayerRef, signed.Request, signed.Signature)
	if err != nil {
		return nil, err
	}

	logging.Info("meta-transaction relayed",
		logging.Component("relay"),
		logging.Wallet(signed.Request.From.Hex()),
		"to", signed.Request.To.Hex(),
		"nonce", signed.Request.Nonce.String(),
		logging.TxHash(result.TxHash))
	return result, nil
}

// Submit is Prepare followed by Execute.
func (r *Relay) Submit(ctx context.Context, userRef string, target types.Address, callData []byte, gasBudget uint64) (*ledger.TxResult, error) {
	signed, err := r.Prepare(ctx, userRef, target, callData, gasBudget)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, signed)
}

// TypedData returns the EIP-712 payload for req under the forwarder domain.
func (r *Relay) TypedData(req ledger.ForwardRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ForwardRequest": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "gas", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "data", Type: "bytes"},
			},
		},
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              r.config.DomainName,
			Version:           r.config.DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(r.ledger.ChainID()),
			VerifyingContract: r.ledger.ForwarderAddress().Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":  req.From.Hex(),
			"to":    req.To.Hex(),
			"value": orZero(req.Value),
			"gas":   orZero(req.Gas),
			"nonce": orZero(req.Nonce),
			"data":  hexutil.Bytes(req.Data),
		},
	}
}

// TypedDataHash returns keccak256("\x19\x01" || domainSeparator || hashStruct(req)).
func (r *Relay) TypedDataHash(req ledger.ForwardRequest) ([]byte, error) {
	td := r.TypedData(req)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash forward request: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// VerifySignature checks that signature over req recovers to req.From.
// Both 0/1 and 27/28 recovery ids are accepted.
func (r *Relay) VerifySignature(req ledger.ForwardRequest, signature []byte) error {
	if len(signature) != crypto.SignatureLength {
		return &types.ValidationError{Field: "signature", Reason: fmt.Sprintf("expected %d bytes, got %d", crypto.SignatureLength, len(signature))}
	}
	hash, err := r.TypedDataHash(req)
	if err != nil {
		return err
	}

	sig := bytes.Clone(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != req.From {
		return ErrInvalidSignature
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
