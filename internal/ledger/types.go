package ledger

import (
	"encoding/hex"
	"fmt"
)

// Pubkey identifies a signer. Authority and admin fields store it verbatim.
type Pubkey [32]byte

// Address locates a record in the account store.
type Address [32]byte

func (k Pubkey) String() string { return hex.EncodeToString(k[:]) }

func (k Pubkey) IsZero() bool { return k == Pubkey{} }

func (k Pubkey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Pubkey) UnmarshalText(b []byte) error {
	parsed, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePubkey decodes a 64-character hex identity.
func ParsePubkey(s string) (Pubkey, error) {
	var k Pubkey
	if err := decodeHex32(s, k[:]); err != nil {
		return Pubkey{}, fmt.Errorf("parse pubkey: %w", err)
	}
	return k, nil
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decodeHex32(s, a[:]); err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	return a, nil
}

func decodeHex32(s string, dst []byte) error {
	if len(s) != 64 {
		return fmt.Errorf("expected 64 hex characters, got %d", len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
