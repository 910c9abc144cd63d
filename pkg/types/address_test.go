package types

import (
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"checksummed", checksummed, false},
		{"lowercase", strings.ToLower(checksummed), false},
		{"upper prefix", "0X" + strings.ToUpper(checksummed[2:]), false},
		{"bare hex", checksummed[2:], false},
		{"too short", "0x1234", true},
		{"non hex", "0x" + strings.Repeat("z", 40), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tt.in, err)
			}
			if got.Hex() != checksummed {
				t.Errorf("Hex() = %s, want %s", got.Hex(), checksummed)
			}
		})
	}
}

func TestAddressText(t *testing.T) {
	var a Address
	if err := a.UnmarshalText([]byte("0x0000000000000000000000000000000000000001")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if a.IsZero() {
		t.Error("address should not be zero")
	}
	if (Address{}).IsZero() != true {
		t.Error("zero value should report IsZero")
	}
}
