package model

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// CanonicalAddress lowercases and validates a 0x-prefixed 20-byte hex address.
// The house account is accepted as-is.
func CanonicalAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == HouseAddress {
		return s, nil
	}
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	lower := strings.ToLower(s[2:])
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return "0x" + lower, nil
}

// ChecksumAddress renders a canonical address in EIP-55 mixed case.
func ChecksumAddress(addr string) string {
	if len(addr) != 42 {
		return addr
	}
	hexPart := strings.ToLower(addr[2:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexPart))
	sum := h.Sum(nil)

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// VerifyChecksum reports whether a mixed-case address carries a valid EIP-55
// checksum. All-lower and all-upper forms carry no checksum and pass.
func VerifyChecksum(addr string) bool {
	if len(addr) != 42 {
		return false
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return ChecksumAddress(addr) == addr
}
