package validators

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownValidator is returned when an address is not in the set.
	ErrUnknownValidator = errors.New("validators: unknown validator")

	// ErrStaleCommittee is returned when a signature is submitted against a
	// committee that has been superseded by a fallback.
	ErrStaleCommittee = errors.New("validators: stale committee")

	// ErrNotInCommittee is returned when a signer is not a member of the
	// round's committee.
	ErrNotInCommittee = errors.New("validators: not a committee member")
)

// Manager owns the validator set and the committee rotation state. All
// reputation updates go through the manager's lock, so two concurrent
// signature deliveries for the same validator cannot race on the score's
// read-modify-write.
type Manager struct {
	mtx sync.Mutex

	committeeSize       int
	minQuorumSize       int
	reputationThreshold float64
	rotationInterval    uint64

	validators map[string]*Validator

	current           *Committee
	history           []*Committee
	lastRotationRound uint64

	// Now is the time source feeding committee start and end times. It is a
	// field so tests and the engine can plug the synchronized clock in.
	Now func() uint64

	logger *logrus.Entry
}

// NewManager creates an empty validator set with the given committee
// parameters.
func NewManager(committeeSize, minQuorumSize int, reputationThreshold float64, rotationInterval uint64, logger *logrus.Entry) *Manager {
	return &Manager{
		committeeSize:       committeeSize,
		minQuorumSize:       minQuorumSize,
		reputationThreshold: reputationThreshold,
		rotationInterval:    rotationInterval,
		validators:          make(map[string]*Validator),
		Now:                 func() uint64 { return uint64(time.Now().UnixNano() / int64(time.Millisecond)) },
		logger:              logger.WithField("component", "validators"),
	}
}

// MinQuorumSize returns the number of valid signatures required for quorum.
func (m *Manager) MinQuorumSize() int {
	return m.minQuorumSize
}

// AddValidator registers a new validator. Re-adding an existing address
// overwrites stake and activity but preserves reputation.
func (m *Manager) AddValidator(pubKeyHex string, stake uint64) (*Validator, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	v, err := NewValidator(pubKeyHex, stake)
	if err != nil {
		return nil, err
	}

	if existing, ok := m.validators[v.Address]; ok {
		existing.Stake = stake
		existing.Active = true
		return existing, nil
	}

	m.validators[v.Address] = v

	m.logger.WithFields(logrus.Fields{
		"address": v.Address,
		"stake":   stake,
	}).Debug("Added validator")

	return v, nil
}

// Restore reinstalls a persisted validator, reputation included. Used when
// bootstrapping from storage.
func (m *Manager) Restore(v *Validator) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.validators[v.Address] = v
}

// RemoveValidator removes a validator from the set.
func (m *Manager) RemoveValidator(addr string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.validators[addr]; !ok {
		return ErrUnknownValidator
	}

	delete(m.validators, addr)

	m.logger.WithField("address", addr).Debug("Removed validator")

	return nil
}

// SetActive flips a validator's activity flag.
func (m *Manager) SetActive(addr string, active bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	v, ok := m.validators[addr]
	if !ok {
		return ErrUnknownValidator
	}

	v.Active = active

	return nil
}

// Get returns the validator with the given address.
func (m *Manager) Get(addr string) (*Validator, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	v, ok := m.validators[addr]
	if !ok {
		return nil, ErrUnknownValidator
	}
	return v, nil
}

// Len returns the number of registered validators, active or not.
func (m *Manager) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.validators)
}

// List returns all validators sorted by address.
func (m *Manager) List() []*Validator {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	res := []*Validator{}
	for _, v := range m.validators {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Address < res[j].Address })
	return res
}

// EligibleValidators returns the validators that can be selected into a
// committee: active, with a reputation score at or above the threshold. The
// result is in committee order.
func (m *Manager) EligibleValidators() []*Validator {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.eligible()
}

func (m *Manager) eligible() []*Validator {
	res := []*Validator{}
	for _, v := range m.validators {
		if v.Active && scoreOf(v) >= m.reputationThreshold {
			res = append(res, v)
		}
	}
	sortByReputation(res)
	return res
}

// SelectCommittee deterministically selects the committee for a round:
// eligible validators ordered by descending score with ascending address as
// the tie-break, truncated to the committee size. The previous committee is
// archived. With zero eligible validators the committee is empty; callers
// must treat every signature check against it as failing quorum.
func (m *Manager) SelectCommittee(roundNumber uint64) *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.selectCommittee(roundNumber)
}

func (m *Manager) selectCommittee(roundNumber uint64) *Committee {
	eligible := m.eligible()

	size := m.committeeSize
	if len(eligible) < size {
		size = len(eligible)
	}

	members := make([]string, 0, size)
	for _, v := range eligible[:size] {
		members = append(members, v.Address)
		v.Reputation.RoundsAssigned++
	}

	if m.current != nil {
		m.history = append(m.history, m.current)
	}

	m.current = newCommittee(roundNumber, members, m.Now())
	m.lastRotationRound = roundNumber

	m.logger.WithFields(logrus.Fields{
		"round":   roundNumber,
		"members": len(members),
	}).Debug("Selected committee")

	return m.current
}

// RenewCommittee installs the committee for a new round. Membership is
// re-ranked only at rotation boundaries; in between, the previous membership
// carries over with a fresh signature set, so a committee object is always
// scoped to exactly one round.
func (m *Manager) RenewCommittee(roundNumber uint64) *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c := m.current
	if c == nil || roundNumber-m.lastRotationRound >= m.rotationInterval {
		return m.selectCommittee(roundNumber)
	}

	members := append([]string{}, c.Members...)
	for _, addr := range members {
		if v, ok := m.validators[addr]; ok {
			v.Reputation.RoundsAssigned++
		}
	}

	m.history = append(m.history, c)
	m.current = newCommittee(roundNumber, members, m.Now())

	return m.current
}

// CurrentCommittee returns the committee in charge, or nil before the first
// selection.
func (m *Manager) CurrentCommittee() *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.current
}

// CommitteeSnapshot returns a deep copy of the current committee, or nil
// before the first selection. The copy can be read or encoded while
// signatures keep being recorded on the original.
func (m *Manager) CommitteeSnapshot() *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.current == nil {
		return nil
	}
	return m.current.clone()
}

// ValidatorsSnapshot returns copies of all validators sorted by address. The
// copies are detached from the manager's reputation bookkeeping.
func (m *Manager) ValidatorsSnapshot() []*Validator {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	res := []*Validator{}
	for _, v := range m.validators {
		cp := *v
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Address < res[j].Address })
	return res
}

// CommitteeForRound returns the latest committee selected for a round,
// fallback committees included.
func (m *Manager) CommitteeForRound(roundNumber uint64) *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.current != nil && m.current.RoundNumber == roundNumber {
		return m.current
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].RoundNumber == roundNumber {
			return m.history[i]
		}
	}
	return nil
}

// ShouldRotate reports whether the rotation interval has elapsed since the
// last committee selection.
func (m *Manager) ShouldRotate(roundNumber uint64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return roundNumber-m.lastRotationRound >= m.rotationInterval
}

// RecordSignature records that a committee member signed the round. The
// member's score is recomputed and its failure streak reset. Quorum is
// flagged on the committee as soon as enough members have signed.
func (m *Manager) RecordSignature(addr string, roundNumber uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	v, ok := m.validators[addr]
	if !ok {
		return ErrUnknownValidator
	}

	c := m.current
	if c == nil || c.RoundNumber != roundNumber {
		return ErrStaleCommittee
	}

	if !c.IsMember(addr) {
		if m.wasMemberOfSuperseded(addr, roundNumber) {
			return ErrStaleCommittee
		}
		return ErrNotInCommittee
	}

	if c.HasSigned(addr) {
		return nil
	}

	c.SignaturesReceived[addr] = true

	v.Reputation.RoundsSigned++
	assigned := v.Reputation.RoundsAssigned
	if assigned == 0 {
		assigned = 1
	}
	v.Reputation.Score = clampScore(float64(v.Reputation.RoundsSigned) / float64(assigned))
	v.Reputation.ConsecutiveFailures = 0

	if len(c.SignaturesReceived) >= m.minQuorumSize {
		c.QuorumAchieved = true
	}

	return nil
}

func (m *Manager) wasMemberOfSuperseded(addr string, roundNumber uint64) bool {
	for i := len(m.history) - 1; i >= 0; i-- {
		h := m.history[i]
		if h.RoundNumber == roundNumber && h.FallbackTriggered && h.IsMember(addr) {
			return true
		}
	}
	return false
}

// RecordMissedSignature records that a committee member failed to sign in
// time. Each consecutive failure costs more score.
func (m *Manager) RecordMissedSignature(addr string, roundNumber uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	v, ok := m.validators[addr]
	if !ok {
		return ErrUnknownValidator
	}

	v.Reputation.RoundsMissed++
	v.Reputation.ConsecutiveFailures++
	v.Reputation.Score = clampScore(v.Reputation.Score - 0.1*float64(v.Reputation.ConsecutiveFailures))

	m.logger.WithFields(logrus.Fields{
		"address": addr,
		"round":   roundNumber,
		"score":   v.Reputation.Score,
	}).Debug("Recorded missed signature")

	return nil
}

// TriggerFallback supersedes the round's committee if it has not reached
// quorum, and immediately selects a new committee for the same round. It
// returns nil if quorum was already achieved or a fallback already fired.
func (m *Manager) TriggerFallback(roundNumber uint64) *Committee {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c := m.current
	if c == nil || c.RoundNumber != roundNumber {
		return nil
	}
	if c.QuorumAchieved || c.FallbackTriggered {
		return nil
	}

	c.FallbackTriggered = true
	c.EndTime = m.Now()

	m.logger.WithFields(logrus.Fields{
		"round":   roundNumber,
		"signed":  len(c.SignaturesReceived),
		"members": len(c.Members),
	}).Warn("Committee fallback triggered")

	return m.selectCommittee(roundNumber)
}

// clampScore keeps a reputation score inside [0,1]; NaN collapses to 0.
func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// scoreOf reads a validator's score with NaN treated as the minimum, so
// sorting and threshold checks stay total.
func scoreOf(v *Validator) float64 {
	if math.IsNaN(v.Reputation.Score) {
		return math.Inf(-1)
	}
	return v.Reputation.Score
}

// sortByReputation orders validators by descending score, ascending address.
// The comparison never consults a partial float order: NaN scores sort last.
func sortByReputation(vals []*Validator) {
	sort.Slice(vals, func(i, j int) bool {
		si, sj := scoreOf(vals[i]), scoreOf(vals[j])
		if si != sj {
			return si > sj
		}
		return vals[i].Address < vals[j].Address
	})
}
