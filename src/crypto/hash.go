package crypto

import (
	"crypto/sha256"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// SimpleHashFromTwoHashes returns the SHA256 hash of the concatenation of left
// and right data.
func SimpleHashFromTwoHashes(left []byte, right []byte) []byte {
	var hasher = sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// MerkleRoot folds a list of leaves into a single root hash, pairing
// neighbours left to right. An empty list yields a nil root; odd leaves are
// promoted to the next level unchanged.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = SHA256(l)
	}

	for len(level) > 1 {
		next := [][]byte{}
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, SimpleHashFromTwoHashes(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return level[0]
}
