package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto"
)

// ToPublicKey is a wrapper around elliptic.Unmarshal which calls Curve() to
// determine which elliptic.Curve to use. The argument pub is expected to be the
// uncompressed form of a point on the curve, as returned by FromPublicKey.
func ToPublicKey(pub []byte) *ecdsa.PublicKey {
	if len(pub) == 0 {
		return nil
	}
	x, y := elliptic.Unmarshal(Curve(), pub)
	if x == nil {
		return nil
	}
	return &ecdsa.PublicKey{Curve: Curve(), X: x, Y: y}
}

// FromPublicKey is a wrapper around elliptic.Marshal which calls Curve() to
// determine which elliptic.Curve to use. It outputs the point in uncompressed
// form.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(Curve(), pub.X, pub.Y)
}

// PublicKeyHex returns the hexadecimal representation of the uncompressed form
// of the public key
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(FromPublicKey(pub))
}

// Address derives a validator address from the uncompressed public key bytes.
// It is the hex representation of the last 20 bytes of the SHA256 hash of the
// key, so addresses sort deterministically and are shorter than full keys.
func Address(pubBytes []byte) string {
	hash := crypto.SHA256(pubBytes)
	return common.EncodeToString(hash[len(hash)-20:])
}

// AddressOf is a convenience wrapper deriving the address directly from an
// ecdsa.PublicKey.
func AddressOf(pub *ecdsa.PublicKey) string {
	return Address(FromPublicKey(pub))
}
