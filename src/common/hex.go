package common

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// hexPrefix marks the hex strings used throughout Tempo for hashes, public
// keys, and addresses. Uppercase, including the X.
const hexPrefix = "0X"

// EncodeToString returns the uppercase, 0X-prefixed hex encoding of b.
func EncodeToString(b []byte) string {
	return fmt.Sprintf("%s%X", hexPrefix, b)
}

// DecodeFromString is the inverse of EncodeToString. It accepts a lowercase
// 0x prefix too, but the prefix must be present.
func DecodeFromString(s string) ([]byte, error) {
	if len(s) < len(hexPrefix) || strings.ToUpper(s[:len(hexPrefix)]) != hexPrefix {
		return nil, fmt.Errorf("not a %s-prefixed hex string: %q", hexPrefix, s)
	}
	return hex.DecodeString(s[len(hexPrefix):])
}
