package validators

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/ugorji/go/codec"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto/keys"
)

// Reputation tracks a validator's signing history. Score is always kept in
// [0,1]; it is the ratio of rounds signed to rounds assigned, degraded by
// consecutive failures.
type Reputation struct {
	RoundsAssigned      uint64
	RoundsSigned        uint64
	RoundsMissed        uint64
	ConsecutiveFailures uint64
	Score               float64
}

// Validator is a member of the permissioned validator set. Validators are
// created and removed administratively; their reputation is mutated only by
// committee signature recording.
type Validator struct {
	Address     string
	PubKeyHex   string
	Stake       uint64
	Active      bool
	Reputation  Reputation
	Institution string
	Region      string
}

// NewValidator creates an active validator with a perfect starting score. The
// address is derived from the public key.
func NewValidator(pubKeyHex string, stake uint64) (*Validator, error) {
	pubBytes, err := common.DecodeFromString(pubKeyHex)
	if err != nil {
		return nil, err
	}

	return &Validator{
		Address:   keys.Address(pubBytes),
		PubKeyHex: pubKeyHex,
		Stake:     stake,
		Active:    true,
		Reputation: Reputation{
			Score: 1.0,
		},
	}, nil
}

// PubKeyBytes returns the decoded public key.
func (v *Validator) PubKeyBytes() ([]byte, error) {
	return common.DecodeFromString(v.PubKeyHex)
}

// PublicKey returns the validator's ecdsa public key.
func (v *Validator) PublicKey() *ecdsa.PublicKey {
	pubBytes, err := v.PubKeyBytes()
	if err != nil {
		return nil
	}
	return keys.ToPublicKey(pubBytes)
}

// Marshal returns the canonical JSON encoding of the validator record.
func (v *Validator) Marshal() ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

// Unmarshal parses a validator record produced by Marshal.
func (v *Validator) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(v)
}
