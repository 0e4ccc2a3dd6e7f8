package domain

import (
	"encoding/hex"
	"strings"
)

// ZeroAddress is the all-zero account identifier.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases a 0x-prefixed 20-byte hex account identifier.
func NormalizeAddress(raw string) (string, error) {
	clean := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(clean, "0x") || len(clean) != 42 {
		return "", Errorf(ErrInvalidAddress, "%q is not a 20-byte hex address", raw)
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return "", Errorf(ErrInvalidAddress, "%q is not a 20-byte hex address", raw)
	}
	return clean, nil
}

// AddressBytes decodes a normalized address.
func AddressBytes(addr string) ([20]byte, error) {
	var out [20]byte
	clean, err := NormalizeAddress(addr)
	if err != nil {
		return out, err
	}
	b, _ := hex.DecodeString(clean[2:])
	copy(out[:], b)
	return out, nil
}

// IsZeroAddress reports whether addr is empty or the zero address.
func IsZeroAddress(addr string) bool {
	clean := strings.ToLower(strings.TrimSpace(addr))
	return clean == "" || clean == ZeroAddress
}

// SameAddress compares two identifiers case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
