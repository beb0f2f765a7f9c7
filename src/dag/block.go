package dag

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto"
	"github.com/tempoledger/tempo/src/crypto/keys"
	"github.com/tempoledger/tempo/src/hashtimer"
)

// BlockBody contains the payload of a Block as well as the information that
// ties it to other Blocks in the DAG.
type BlockBody struct {
	ShardID      uint16
	TimeValue    uint64
	Parents      []string
	Transactions [][]byte
	Proposer     string
	MerkleRoot   []byte
}

// Block is a DAG vertex. Its identifier is content-addressed over the shard,
// time value, HashTimer, and transaction contents, so two blocks with the same
// content have the same id regardless of who inserted them. A Block is
// immutable once inserted in the DAG.
type Block struct {
	Body      BlockBody
	Timer     hashtimer.HashTimer
	Signature string

	hash []byte
	hex  string
}

// NewBlock assembles a block for the given shard. The HashTimer's content hash
// commits to the transaction list through its merkle root, so the timer cannot
// be reused for a different payload.
func NewBlock(shard uint16, timeValue uint64, nonce uint32, parents []string, transactions [][]byte, proposer string) *Block {
	root := crypto.MerkleRoot(transactions)

	var contentHash [32]byte
	if root == nil {
		copy(contentHash[:], crypto.SHA256(nil))
	} else {
		copy(contentHash[:], root)
	}

	return &Block{
		Body: BlockBody{
			ShardID:      shard,
			TimeValue:    timeValue,
			Parents:      parents,
			Transactions: transactions,
			Proposer:     proposer,
			MerkleRoot:   root,
		},
		Timer: hashtimer.New(timeValue, contentHash, nonce),
	}
}

// genesisMarker seeds the content hash of shard genesis blocks.
const genesisMarker = "tempo-genesis"

// NewGenesisBlock creates the fixed first block of a shard. Every node derives
// the same genesis blocks from the shard count alone.
func NewGenesisBlock(shard uint16) *Block {
	var contentHash [32]byte
	copy(contentHash[:], crypto.SHA256([]byte(fmt.Sprintf("%s-%d", genesisMarker, shard))))

	return &Block{
		Body: BlockBody{
			ShardID:   shard,
			TimeValue: 0,
		},
		Timer: hashtimer.New(0, contentHash, uint32(shard)),
	}
}

// Marshal returns the canonical JSON encoding of the block.
func (b *Block) Marshal() ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal parses a block from the encoding produced by Marshal.
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	if err := dec.Decode(b); err != nil {
		return err
	}

	return nil
}

// idPreimage is the part of the block that its identifier commits to. Parents
// and signature are excluded: the id depends on content only.
type idPreimage struct {
	ShardID      uint16
	TimeValue    uint64
	TimerDigest  []byte
	Transactions [][]byte
}

// Hash returns the block's content-addressed identifier.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		pre := idPreimage{
			ShardID:      b.Body.ShardID,
			TimeValue:    b.Body.TimeValue,
			TimerDigest:  b.Timer.Digest[:],
			Transactions: b.Body.Transactions,
		}

		var buf bytes.Buffer
		jh := new(codec.JsonHandle)
		jh.Canonical = true
		if err := codec.NewEncoder(&buf, jh).Encode(pre); err != nil {
			return nil, err
		}

		b.hash = crypto.SHA256(buf.Bytes())
	}
	return b.hash, nil
}

// Hex returns the hex string of the block identifier.
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// Sign signs the block identifier with the proposer's key and stores the
// signature on the block.
func (b *Block) Sign(priv *ecdsa.PrivateKey) error {
	hash, err := b.Hash()
	if err != nil {
		return err
	}

	sig, err := keys.SignHash(priv, hash)
	if err != nil {
		return err
	}

	b.Signature = sig

	return nil
}

// Verify checks the stored signature against the block identifier and the
// given public key. It says nothing about transaction semantics.
func (b *Block) Verify(pub *ecdsa.PublicKey) (bool, error) {
	hash, err := b.Hash()
	if err != nil {
		return false, err
	}

	return keys.VerifyHash(pub, hash, b.Signature), nil
}

// IsGenesis reports whether the block is a shard genesis block.
func (b *Block) IsGenesis() bool {
	return len(b.Body.Parents) == 0 && b.Body.TimeValue == 0
}
