package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed-point precision of every ledger amount.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// maxWei is the largest value a uint256 contract argument can carry.
var maxWei = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Amount is a non-negative currency value held in the smallest unit (wei).
// Human-readable decimal strings are only produced or accepted at the edges
// via ParseAmount and String. The zero value is 0.
type Amount struct {
	wei *big.Int
}

// NewAmount wraps a wei value. Negative values are clamped to zero.
func NewAmount(wei *big.Int) Amount {
	if wei == nil || wei.Sign() <= 0 {
		return Amount{}
	}
	return Amount{wei: new(big.Int).Set(wei)}
}

// AmountFromUnits builds an amount from a whole number of currency units.
func AmountFromUnits(units int64) Amount {
	return NewAmount(new(big.Int).Mul(big.NewInt(units), unit))
}

// ParseAmount parses a decimal string such as "12", "0.5" or "1000.000000000000000001".
// It rejects signs, exponents, empty strings, more than 18 fractional digits
// and values a uint256 cannot hold.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, &ValidationError{Field: "amount", Reason: "must not be empty"}
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasFrac && (frac == "" || !isDigits(frac))) {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("invalid decimal %q", s)}
	}
	if len(frac) > Decimals {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("more than %d decimal places", Decimals)}
	}

	wei, _ := new(big.Int).SetString(whole, 10)
	wei.Mul(wei, unit)
	if frac != "" {
		fracWei, _ := new(big.Int).SetString(frac+strings.Repeat("0", Decimals-len(frac)), 10)
		wei.Add(wei, fracWei)
	}
	if wei.Cmp(maxWei) > 0 {
		return Amount{}, &ValidationError{Field: "amount", Reason: "exceeds the uint256 range"}
	}
	return Amount{wei: wei}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Wei returns a copy of the underlying integer.
func (a Amount) Wei() *big.Int {
	if a.wei == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.wei)
}

func (a Amount) IsZero() bool {
	return a.wei == nil || a.wei.Sign() == 0
}

func (a Amount) Cmp(b Amount) int {
	return a.Wei().Cmp(b.Wei())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{wei: new(big.Int).Add(a.Wei(), b.Wei())}
}

// Sub returns a-b, floored at zero.
func (a Amount) Sub(b Amount) Amount {
	return NewAmount(new(big.Int).Sub(a.Wei(), b.Wei()))
}

// String renders the exact decimal value with trailing zeros trimmed.
func (a Amount) String() string {
	wei := a.Wei()
	whole := new(big.Int).Div(wei, unit)
	frac := new(big.Int).Mod(wei, unit)
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := frac.String()
	fracStr = strings.Repeat("0", Decimals-len(fracStr)) + fracStr
	return whole.String() + "." + strings.TrimRight(fracStr, "0")
}

// Display renders at most four decimal places, for CLI and log output.
func (a Amount) Display() string {
	s := a.String()
	whole, frac, ok := strings.Cut(s, ".")
	if !ok {
		return s
	}
	if len(frac) > 4 {
		frac = strings.TrimRight(frac[:4], "0")
	}
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML / UnmarshalYAML let limits and reserves be written as "1000" in config files.
func (a Amount) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *Amount) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Decode implements envconfig.Decoder.
func (a *Amount) Decode(value string) error {
	parsed, err := ParseAmount(value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
