package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// secp256k1N is the order of the curve's base point. ParsePrivateKey uses it
// to reject out-of-range scalars.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// Curve returns the secp256k1 curve from btcsuite, which every key, address,
// and signature in Tempo is built on. The curve is not configurable; mixing
// curves between validators would make signatures unverifiable.
func Curve() elliptic.Curve {
	return btcec.S256()
}
