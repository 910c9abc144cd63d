package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a normalized 20-byte chain address. ParseAddress accepts the
// spellings seen in practice ("0xAbC..", "0XABC..", bare hex) and every
// Address renders in EIP-55 checksum form.
type Address common.Address

// ParseAddress validates and normalizes a hex address string.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.AddressLength {
		return Address{}, &ValidationError{Field: "address", Reason: fmt.Sprintf("expected 40 hex characters, got %d", len(s))}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, &ValidationError{Field: "address", Reason: "contains non-hex characters"}
	}
	return Address(common.BytesToAddress(raw)), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Common() common.Address {
	return common.Address(a)
}

func (a Address) Hex() string {
	return common.Address(a).Hex()
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
