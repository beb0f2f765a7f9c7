package roundchain

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto"
	"github.com/tempoledger/tempo/src/crypto/keys"
)

// State is the lifecycle of a round: Pending on creation, AwaitingQuorum once
// appended to the chain, Finalized when quorum signatures are in.
// FailedSequence is terminal for rounds rejected by the sequence check.
type State int

const (
	// Pending ...
	Pending State = iota
	// AwaitingQuorum ...
	AwaitingQuorum
	// Finalized ...
	Finalized
	// FailedSequence ...
	FailedSequence
)

var states = []string{"Pending", "AwaitingQuorum", "Finalized", "FailedSequence"}

func (s State) String() string {
	if s < 0 || int(s) >= len(states) {
		return fmt.Sprintf("State(%d)", s)
	}
	return states[s]
}

// RoundBody is the content a round's hash commits to. BlockHashes and
// BlockTimers are ordered by the blocks' HashTimers, which is what makes the
// round encoding canonical.
type RoundBody struct {
	Number          uint64
	ParentRoundHash []byte
	BlockHashes     []string
	BlockTimers     []string
	TimeValue       uint64
}

// Round is an immutable, sequentially-numbered batch finalizing a set of DAG
// blocks. Appending it to the chain and flipping its state is the Chain's
// business; nothing else mutates a round.
type Round struct {
	Body              RoundBody
	Proposer          string
	ProposerSignature string
	Signatures        map[string]RoundSignature // [validator address] => signature
	QuorumSignature   []byte

	state State

	hash []byte
	hex  string
}

// RoundSignature is one validator's signature over a round's hash. The public
// key travels with the signature so that verification needs no side lookup.
type RoundSignature struct {
	Validator   []byte
	RoundNumber uint64
	Signature   string
}

// ValidatorAddress derives the signer's address.
func (rs *RoundSignature) ValidatorAddress() string {
	return keys.Address(rs.Validator)
}

// Key identifies a signature within a round.
func (rs *RoundSignature) Key() string {
	return fmt.Sprintf("%d-%s", rs.RoundNumber, rs.ValidatorAddress())
}

// Marshal returns the canonical JSON encoding of the round body.
func (rb *RoundBody) Marshal() ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(rb); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal parses a round body from the encoding produced by Marshal.
func (rb *RoundBody) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(rb)
}

// wireRound carries the public parts of a Round for persistence.
type wireRound struct {
	Body              RoundBody
	Proposer          string
	ProposerSignature string
	Signatures        map[string]RoundSignature
	QuorumSignature   []byte
	State             State
}

// Marshal returns the canonical JSON encoding of the whole round, state
// included, for persistence.
func (r *Round) Marshal() ([]byte, error) {
	w := wireRound{
		Body:              r.Body,
		Proposer:          r.Proposer,
		ProposerSignature: r.ProposerSignature,
		Signatures:        r.Signatures,
		QuorumSignature:   r.QuorumSignature,
		State:             r.state,
	}

	bf := bytes.NewBuffer([]byte{})
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(w); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal parses a round from the encoding produced by Marshal.
func (r *Round) Unmarshal(data []byte) error {
	var w wireRound

	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	if err := dec.Decode(&w); err != nil {
		return err
	}

	r.Body = w.Body
	r.Proposer = w.Proposer
	r.ProposerSignature = w.ProposerSignature
	r.Signatures = w.Signatures
	r.QuorumSignature = w.QuorumSignature
	r.state = w.State
	r.hash = nil
	r.hex = ""

	return nil
}

// snapshot returns a deep copy of the round that shares no mutable state
// with the original.
func (r *Round) snapshot() *Round {
	cp := &Round{
		Body: RoundBody{
			Number:          r.Body.Number,
			ParentRoundHash: append([]byte{}, r.Body.ParentRoundHash...),
			BlockHashes:     append([]string{}, r.Body.BlockHashes...),
			BlockTimers:     append([]string{}, r.Body.BlockTimers...),
			TimeValue:       r.Body.TimeValue,
		},
		Proposer:          r.Proposer,
		ProposerSignature: r.ProposerSignature,
		QuorumSignature:   append([]byte{}, r.QuorumSignature...),
		state:             r.state,
	}

	if r.Signatures != nil {
		cp.Signatures = make(map[string]RoundSignature, len(r.Signatures))
		for addr, sig := range r.Signatures {
			cp.Signatures[addr] = sig
		}
	}

	return cp
}

// Hash returns the SHA256 hash of the round body. This is what the proposer
// and the committee sign.
func (r *Round) Hash() ([]byte, error) {
	if len(r.hash) == 0 {
		hashBytes, err := r.Body.Marshal()
		if err != nil {
			return nil, err
		}
		r.hash = crypto.SHA256(hashBytes)
	}
	return r.hash, nil
}

// Hex returns the hex string of the round hash.
func (r *Round) Hex() string {
	if r.hex == "" {
		hash, _ := r.Hash()
		r.hex = common.EncodeToString(hash)
	}
	return r.hex
}

// State returns the round's lifecycle state.
func (r *Round) State() State {
	return r.state
}

// Sign produces this validator's signature over the round hash.
func (r *Round) Sign(priv *ecdsa.PrivateKey) (RoundSignature, error) {
	hash, err := r.Hash()
	if err != nil {
		return RoundSignature{}, err
	}

	sig, err := keys.SignHash(priv, hash)
	if err != nil {
		return RoundSignature{}, err
	}

	return RoundSignature{
		Validator:   keys.FromPublicKey(&priv.PublicKey),
		RoundNumber: r.Body.Number,
		Signature:   sig,
	}, nil
}

// Verify checks a RoundSignature against the round hash.
func (r *Round) Verify(sig RoundSignature) (bool, error) {
	hash, err := r.Hash()
	if err != nil {
		return false, err
	}

	pub := keys.ToPublicKey(sig.Validator)
	if pub == nil {
		return false, nil
	}

	return keys.VerifyHash(pub, hash, sig.Signature), nil
}
