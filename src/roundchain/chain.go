package roundchain

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tempoledger/tempo/src/crypto"
	"github.com/tempoledger/tempo/src/crypto/keys"
	"github.com/tempoledger/tempo/src/dag"
	"github.com/tempoledger/tempo/src/hashtimer"
	"github.com/tempoledger/tempo/src/validators"
)

var (
	// ErrInvalidSequence is returned when a round number is not exactly
	// latest+1, or its parent hash does not match the previous round.
	ErrInvalidSequence = errors.New("roundchain: invalid sequence")

	// ErrAlreadyFinalized is returned when a block is already mapped to a
	// round. The mapping is first-write-wins.
	ErrAlreadyFinalized = errors.New("roundchain: block already finalized")

	// ErrQuorumNotMet is returned when the valid signature count is below the
	// quorum threshold.
	ErrQuorumNotMet = errors.New("roundchain: quorum not met")

	// ErrUnknownRound is returned when a round number is not in the chain.
	ErrUnknownRound = errors.New("roundchain: unknown round")
)

// genesisMarker seeds the parent hash of round 1.
const genesisMarker = "tempo-roundchain-genesis"

// Statistics summarizes the chain.
type Statistics struct {
	TotalRounds          int
	TotalFinalizedBlocks int
	AvgBlocksPerRound    float64
	LatestRoundNumber    uint64
}

// Chain is the linear, quorum-signed sequence of rounds. Round creation is
// single-writer: the sequence-number invariant is check-then-act, so every
// operation runs under the chain's lock.
type Chain struct {
	mtx sync.Mutex

	rounds     map[uint64]*Round
	latest     uint64
	finalized  map[string]uint64 // [block id] => round number, first-write-wins
	committees map[uint64]*validators.Committee

	minQuorumSize int

	logger *logrus.Entry
}

// NewChain creates an empty chain.
func NewChain(minQuorumSize int, logger *logrus.Entry) *Chain {
	return &Chain{
		rounds:        make(map[uint64]*Round),
		finalized:     make(map[string]uint64),
		committees:    make(map[uint64]*validators.Committee),
		minQuorumSize: minQuorumSize,
		logger:        logger.WithField("component", "roundchain"),
	}
}

// GenesisRoundHash is the parent hash of the first round.
func GenesisRoundHash() []byte {
	return crypto.SHA256([]byte(genesisMarker))
}

// CreateRound builds and signs a candidate round from a set of DAG blocks.
// The round number must be exactly latest+1. Blocks are ordered by HashTimer
// before their hashes enter the round body, so any two honest proposers build
// byte-identical content for the same inputs.
func (c *Chain) CreateRound(number uint64, blocks []*dag.Block, timeValue uint64, proposerKey *ecdsa.PrivateKey) (*Round, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if number != c.latest+1 {
		c.logger.WithFields(logrus.Fields{
			"number": number,
			"latest": c.latest,
		}).Error("Rejected out-of-sequence round creation")
		return nil, ErrInvalidSequence
	}

	ordered := append([]*dag.Block{}, blocks...)
	sort.Slice(ordered, func(i, j int) bool {
		if cmp := hashtimer.Compare(ordered[i].Timer, ordered[j].Timer); cmp != 0 {
			return cmp < 0
		}
		return ordered[i].Hex() < ordered[j].Hex()
	})

	blockHashes := make([]string, len(ordered))
	blockTimers := make([]string, len(ordered))
	for i, b := range ordered {
		blockHashes[i] = b.Hex()
		blockTimers[i] = b.Timer.DigestHex()
	}

	round := &Round{
		Body: RoundBody{
			Number:          number,
			ParentRoundHash: c.parentHash(),
			BlockHashes:     blockHashes,
			BlockTimers:     blockTimers,
			TimeValue:       timeValue,
		},
		Proposer: keys.AddressOf(&proposerKey.PublicKey),
		state:    Pending,
	}

	hash, err := round.Hash()
	if err != nil {
		return nil, err
	}

	sig, err := keys.SignHash(proposerKey, hash)
	if err != nil {
		return nil, err
	}
	round.ProposerSignature = sig

	return round, nil
}

// parentHash returns the hash of the latest round, or the genesis marker hash
// for round 1. Caller must hold the lock.
func (c *Chain) parentHash() []byte {
	if c.latest == 0 {
		return GenesisRoundHash()
	}
	hash, _ := c.rounds[c.latest].Hash()
	return hash
}

// AddRound appends a round to the chain, advances the latest round number,
// and records each block's finalization mapping. A block already mapped to
// another round fails the whole append with ErrAlreadyFinalized; nothing is
// partially applied.
func (c *Chain) AddRound(round *Round) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if round.Body.Number != c.latest+1 {
		round.state = FailedSequence
		return ErrInvalidSequence
	}

	if !bytes.Equal(round.Body.ParentRoundHash, c.parentHash()) {
		round.state = FailedSequence
		return ErrInvalidSequence
	}

	for _, bh := range round.Body.BlockHashes {
		if prev, ok := c.finalized[bh]; ok {
			c.logger.WithFields(logrus.Fields{
				"block":    bh,
				"round":    round.Body.Number,
				"previous": prev,
			}).Error("Block already finalized in an earlier round")
			return ErrAlreadyFinalized
		}
	}

	c.rounds[round.Body.Number] = round
	c.latest = round.Body.Number
	for _, bh := range round.Body.BlockHashes {
		c.finalized[bh] = round.Body.Number
	}
	round.state = AwaitingQuorum

	c.logger.WithFields(logrus.Fields{
		"round":  round.Body.Number,
		"blocks": len(round.Body.BlockHashes),
	}).Debug("Appended round")

	return nil
}

// Restore re-inserts a persisted round during bootstrap, trusting the state
// it was stored with. Rounds must still arrive in sequence.
func (c *Chain) Restore(round *Round) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if round.Body.Number != c.latest+1 {
		return ErrInvalidSequence
	}

	c.rounds[round.Body.Number] = round
	c.latest = round.Body.Number
	for _, bh := range round.Body.BlockHashes {
		c.finalized[bh] = round.Body.Number
	}

	return nil
}

// SignRoundWithQuorum verifies committee signatures over the round hash,
// discarding invalid ones, and finalizes the round when the valid count
// reaches the quorum threshold. The committee is recorded so the quorum can
// be re-verified later.
func (c *Chain) SignRoundWithQuorum(number uint64, committee *validators.Committee, sigs []RoundSignature) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	round, ok := c.rounds[number]
	if !ok {
		return ErrUnknownRound
	}

	if round.state == Finalized {
		return nil
	}

	c.committees[number] = committee

	valid := map[string]RoundSignature{}
	for _, sig := range sigs {
		addr := sig.ValidatorAddress()

		if committee == nil || !committee.IsMember(addr) {
			continue
		}
		if _, seen := valid[addr]; seen {
			continue
		}

		ok, err := round.Verify(sig)
		if err != nil || !ok {
			c.logger.WithFields(logrus.Fields{
				"round":     number,
				"validator": addr,
			}).Warning("Discarding invalid round signature")
			continue
		}

		valid[addr] = sig
	}

	if len(valid) < c.minQuorumSize {
		return ErrQuorumNotMet
	}

	round.Signatures = valid
	round.QuorumSignature = aggregateSignatures(valid)
	round.state = Finalized

	c.logger.WithFields(logrus.Fields{
		"round":      number,
		"signatures": len(valid),
	}).Debug("Round finalized with quorum")

	return nil
}

// VerifyRoundQuorum revalidates a finalized round's stored signatures against
// the committee recorded for it: each signature is re-verified against the
// round content hash, so a tampered or corrupted signature no longer counts
// toward the quorum.
func (c *Chain) VerifyRoundQuorum(round *Round) bool {
	c.mtx.Lock()
	committee := c.committees[round.Body.Number]
	c.mtx.Unlock()

	if committee == nil {
		return false
	}

	valid := 0
	for addr, sig := range round.Signatures {
		if !committee.IsMember(addr) {
			continue
		}
		if sig.ValidatorAddress() != addr {
			continue
		}
		if ok, err := round.Verify(sig); err != nil || !ok {
			continue
		}
		valid++
	}

	return valid >= c.minQuorumSize
}

// ForceFinalize flips a round to Finalized without quorum signatures. This is
// an administrative override and leaves an audit trail in the logs.
func (c *Chain) ForceFinalize(number uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	round, ok := c.rounds[number]
	if !ok {
		return ErrUnknownRound
	}

	if round.state == Finalized {
		return nil
	}

	round.state = Finalized

	c.logger.WithField("round", number).Warning("Round force-finalized without quorum")

	return nil
}

// GetRound returns the round with the given number.
func (c *Chain) GetRound(number uint64) (*Round, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	round, ok := c.rounds[number]
	if !ok {
		return nil, ErrUnknownRound
	}
	return round, nil
}

// GetRoundSnapshot returns a deep copy of a round, safe to encode or inspect
// while the chain keeps mutating the original.
func (c *Chain) GetRoundSnapshot(number uint64) (*Round, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	round, ok := c.rounds[number]
	if !ok {
		return nil, ErrUnknownRound
	}
	return round.snapshot(), nil
}

// LatestRoundNumber returns the number of the last appended round.
func (c *Chain) LatestRoundNumber() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.latest
}

// IsBlockFinalized reports whether a block belongs to a round that reached
// quorum. It stays false while the block's round is only awaiting quorum.
func (c *Chain) IsBlockFinalized(id string) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	number, ok := c.finalized[id]
	if !ok {
		return false
	}
	return c.rounds[number].state == Finalized
}

// GetFinalizationRound returns the round number a block was finalized in.
func (c *Chain) GetFinalizationRound(id string) (uint64, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	number, ok := c.finalized[id]
	if !ok {
		return 0, false
	}
	if c.rounds[number].state != Finalized {
		return 0, false
	}
	return number, true
}

// GetStatistics summarizes the chain.
func (c *Chain) GetStatistics() Statistics {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	stats := Statistics{
		TotalRounds:       len(c.rounds),
		LatestRoundNumber: c.latest,
	}

	finalizedRounds := 0
	for _, r := range c.rounds {
		if r.state == Finalized {
			finalizedRounds++
			stats.TotalFinalizedBlocks += len(r.Body.BlockHashes)
		}
	}

	if finalizedRounds > 0 {
		stats.AvgBlocksPerRound = float64(stats.TotalFinalizedBlocks) / float64(finalizedRounds)
	}

	return stats
}

// aggregateSignatures folds the valid signatures into a single digest, in
// address order so the aggregate is deterministic.
func aggregateSignatures(sigs map[string]RoundSignature) []byte {
	addrs := make([]string, 0, len(sigs))
	for addr := range sigs {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	agg := []byte{}
	for _, addr := range addrs {
		agg = crypto.SimpleHashFromTwoHashes(agg, []byte(fmt.Sprintf("%s|%s", addr, sigs[addr].Signature)))
	}
	return agg
}
