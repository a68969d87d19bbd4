package at

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHex renders a payload the way the module expects it on the wire:
// upper-case, two characters per byte.
func EncodeHex(p []byte) string {
	return strings.ToUpper(hex.EncodeToString(p))
}

// DecodeHex parses a hex payload. Odd-length input or a non-hex character
// fails with ErrMalformedHex; there is no partial result.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrMalformedHex, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHex, err)
	}
	return b, nil
}

// IsHex reports whether s is a hex string of exactly n characters.
func IsHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := DecodeHex(s)
	return err == nil
}
