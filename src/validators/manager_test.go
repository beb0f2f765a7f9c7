package validators

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"testing"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/crypto/keys"
)

func newTestManager(t *testing.T, committeeSize, minQuorum int) *Manager {
	m := NewManager(committeeSize, minQuorum, 0.5, 10, common.NewTestEntry(t, "validators-test"))
	m.Now = func() uint64 { return 1000 }
	return m
}

func addTestValidators(t *testing.T, m *Manager, n int, stake uint64) []*Validator {
	res := []*Validator{}
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		v, err := m.AddValidator(keys.PublicKeyHex(&key.PublicKey), stake)
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, v)
	}
	return res
}

func TestAddRemoveValidator(t *testing.T) {
	m := newTestManager(t, 4, 3)
	vals := addTestValidators(t, m, 3, 1000)

	if m.Len() != 3 {
		t.Fatalf("expected 3 validators, got %d", m.Len())
	}

	if err := m.RemoveValidator(vals[0].Address); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 validators after removal, got %d", m.Len())
	}

	if err := m.RemoveValidator("0Xnobody"); err != ErrUnknownValidator {
		t.Fatalf("expected ErrUnknownValidator, got %v", err)
	}
}

func TestEligibility(t *testing.T) {
	m := newTestManager(t, 4, 3)
	vals := addTestValidators(t, m, 3, 1000)

	if len(m.EligibleValidators()) != 3 {
		t.Fatal("all fresh validators should be eligible")
	}

	if err := m.SetActive(vals[0].Address, false); err != nil {
		t.Fatal(err)
	}
	if len(m.EligibleValidators()) != 2 {
		t.Fatal("inactive validator should not be eligible")
	}

	vals[1].Reputation.Score = 0.2
	if len(m.EligibleValidators()) != 1 {
		t.Fatal("low-score validator should not be eligible")
	}

	vals[2].Reputation.Score = math.NaN()
	if len(m.EligibleValidators()) != 0 {
		t.Fatal("NaN score must be treated as minimum, not panic or pass")
	}
}

func TestSelectCommitteeDeterministic(t *testing.T) {
	m := newTestManager(t, 3, 2)
	addTestValidators(t, m, 5, 1000)

	c1 := m.SelectCommittee(1)
	c2 := m.SelectCommittee(1)

	if !reflect.DeepEqual(c1.Members, c2.Members) {
		t.Fatalf("committee selection not deterministic:\n%v\n%v", c1.Members, c2.Members)
	}
	if c1.Len() != 3 {
		t.Fatalf("expected committee of 3, got %d", c1.Len())
	}
}

func TestSelectCommitteeAllFiveByAddress(t *testing.T) {
	// 5 validators, equal stake, all reputation 1.0, committee size 20:
	// everyone is selected, ordered by address (tie-break).
	m := newTestManager(t, 20, 3)
	addTestValidators(t, m, 5, 1000)

	c := m.SelectCommittee(1)

	if c.Len() != 5 {
		t.Fatalf("expected all 5 validators, got %d", c.Len())
	}

	sorted := append([]string{}, c.Members...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(c.Members, sorted) {
		t.Fatalf("equal scores should order by ascending address, got %v", c.Members)
	}
}

func TestSelectCommitteeOrdersByScore(t *testing.T) {
	m := newTestManager(t, 5, 3)
	vals := addTestValidators(t, m, 3, 1000)

	vals[0].Reputation.Score = 0.6
	vals[1].Reputation.Score = 0.9
	vals[2].Reputation.Score = 0.7

	c := m.SelectCommittee(1)

	want := []string{vals[1].Address, vals[2].Address, vals[0].Address}
	if !reflect.DeepEqual(c.Members, want) {
		t.Fatalf("expected score-descending order %v, got %v", want, c.Members)
	}
}

func TestSelectCommitteeEmptySet(t *testing.T) {
	m := newTestManager(t, 5, 3)

	c := m.SelectCommittee(1)
	if c == nil {
		t.Fatal("empty committee expected, not nil")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty committee, got %d members", c.Len())
	}
	if c.QuorumAchieved {
		t.Fatal("empty committee can never achieve quorum")
	}
}

func TestRecordSignatureQuorumFlip(t *testing.T) {
	// committee of 12 with quorum 8: the 8th valid signature flips the flag
	m := newTestManager(t, 12, 8)
	addTestValidators(t, m, 12, 1000)

	c := m.SelectCommittee(1)
	if c.Len() != 12 {
		t.Fatalf("expected committee of 12, got %d", c.Len())
	}

	for i := 0; i < 7; i++ {
		if err := m.RecordSignature(c.Members[i], 1); err != nil {
			t.Fatal(err)
		}
	}
	if c.QuorumAchieved {
		t.Fatal("quorum should not be achieved with 7 of 8 signatures")
	}

	if err := m.RecordSignature(c.Members[7], 1); err != nil {
		t.Fatal(err)
	}
	if !c.QuorumAchieved {
		t.Fatal("8th signature should flip quorum_achieved")
	}
}

func TestRecordSignatureUpdatesReputation(t *testing.T) {
	m := newTestManager(t, 5, 2)
	addTestValidators(t, m, 2, 1000)

	c := m.SelectCommittee(1)
	addr := c.Members[0]

	v, err := m.Get(addr)
	if err != nil {
		t.Fatal(err)
	}
	v.Reputation.ConsecutiveFailures = 3

	if err := m.RecordSignature(addr, 1); err != nil {
		t.Fatal(err)
	}

	if v.Reputation.RoundsSigned != 1 {
		t.Fatalf("expected 1 signed round, got %d", v.Reputation.RoundsSigned)
	}
	if v.Reputation.Score != 1.0 {
		t.Fatalf("expected score 1.0 (1 signed / 1 assigned), got %f", v.Reputation.Score)
	}
	if v.Reputation.ConsecutiveFailures != 0 {
		t.Fatal("signature should reset the failure streak")
	}

	// double-signing is a no-op
	if err := m.RecordSignature(addr, 1); err != nil {
		t.Fatal(err)
	}
	if v.Reputation.RoundsSigned != 1 {
		t.Fatal("duplicate signature must not count twice")
	}
}

func TestRecordSignatureErrors(t *testing.T) {
	m := newTestManager(t, 2, 2)
	vals := addTestValidators(t, m, 3, 1000)

	// make a deterministic outsider: worst score, not selected
	outsider := vals[2]
	outsider.Reputation.Score = 0.5
	m.SelectCommittee(1)

	if err := m.RecordSignature("0Xnobody", 1); err != ErrUnknownValidator {
		t.Fatalf("expected ErrUnknownValidator, got %v", err)
	}
	if err := m.RecordSignature(outsider.Address, 1); err != ErrNotInCommittee {
		t.Fatalf("expected ErrNotInCommittee, got %v", err)
	}
	if err := m.RecordSignature(vals[0].Address, 7); err != ErrStaleCommittee {
		t.Fatalf("expected ErrStaleCommittee for wrong round, got %v", err)
	}
}

func TestRecordMissedSignature(t *testing.T) {
	m := newTestManager(t, 5, 2)
	vals := addTestValidators(t, m, 1, 1000)
	v := vals[0]

	m.SelectCommittee(1)

	if err := m.RecordMissedSignature(v.Address, 1); err != nil {
		t.Fatal(err)
	}
	if v.Reputation.Score != 0.9 {
		t.Fatalf("first miss should cost 0.1, got score %f", v.Reputation.Score)
	}

	if err := m.RecordMissedSignature(v.Address, 2); err != nil {
		t.Fatal(err)
	}
	if math.Abs(v.Reputation.Score-0.7) > 1e-9 {
		t.Fatalf("second consecutive miss should cost 0.2, got score %f", v.Reputation.Score)
	}

	// score is clamped at 0
	for i := 0; i < 10; i++ {
		m.RecordMissedSignature(v.Address, uint64(3+i))
	}
	if v.Reputation.Score < 0 {
		t.Fatalf("score must be clamped to [0,1], got %f", v.Reputation.Score)
	}
}

func TestShouldRotate(t *testing.T) {
	m := newTestManager(t, 5, 2)
	addTestValidators(t, m, 3, 1000)

	m.SelectCommittee(1)

	if m.ShouldRotate(5) {
		t.Fatal("should not rotate before the interval")
	}
	if !m.ShouldRotate(11) {
		t.Fatal("should rotate after the interval")
	}
}

func TestRenewCommittee(t *testing.T) {
	m := newTestManager(t, 3, 2)
	vals := addTestValidators(t, m, 3, 1000)

	first := m.RenewCommittee(1)
	if first.Len() != 3 {
		t.Fatalf("expected committee of 3, got %d", first.Len())
	}

	// inside the rotation interval the membership carries over
	second := m.RenewCommittee(2)
	if !reflect.DeepEqual(first.Members, second.Members) {
		t.Fatal("membership should carry over between rotations")
	}
	if second.RoundNumber != 2 {
		t.Fatalf("renewed committee should be scoped to round 2, got %d", second.RoundNumber)
	}
	if len(second.SignaturesReceived) != 0 {
		t.Fatal("renewed committee should start with a fresh signature set")
	}
	if vals[0].Reputation.RoundsAssigned != 2 {
		t.Fatalf("carry-over should count as an assignment, got %d", vals[0].Reputation.RoundsAssigned)
	}

	// at the rotation boundary the membership is re-ranked
	vals[0].Reputation.Score = 0.2
	third := m.RenewCommittee(11)
	if third.Len() != 2 {
		t.Fatalf("re-ranking should drop the low-score validator, got %d members", third.Len())
	}
	if third.IsMember(vals[0].Address) {
		t.Fatal("low-score validator should not survive the rotation")
	}
}

func TestTriggerFallback(t *testing.T) {
	m := newTestManager(t, 3, 2)
	addTestValidators(t, m, 3, 1000)

	first := m.SelectCommittee(1)

	second := m.TriggerFallback(1)
	if second == nil {
		t.Fatal("fallback should select a new committee")
	}
	if !first.FallbackTriggered {
		t.Fatal("superseded committee should be marked")
	}
	if first.EndTime == 0 {
		t.Fatal("superseded committee should have an end time")
	}
	if second.RoundNumber != 1 {
		t.Fatal("fallback committee is for the same round")
	}

	// fallback fires at most once
	if m.TriggerFallback(1) != nil {
		t.Fatal("second fallback for the same round should be refused")
	}

	// the superseded committee's signatures are stale
	if err := m.RecordSignature(second.Members[0], 1); err != nil {
		t.Fatal(err)
	}
}

func TestTriggerFallbackAfterQuorum(t *testing.T) {
	m := newTestManager(t, 2, 1)
	addTestValidators(t, m, 2, 1000)

	c := m.SelectCommittee(1)
	if err := m.RecordSignature(c.Members[0], 1); err != nil {
		t.Fatal(err)
	}
	if !c.QuorumAchieved {
		t.Fatal("quorum expected")
	}

	if m.TriggerFallback(1) != nil {
		t.Fatal("no fallback once quorum is achieved")
	}
}

func TestCommitteeSnapshotDecoupled(t *testing.T) {
	m := newTestManager(t, 3, 2)
	addTestValidators(t, m, 3, 1000)

	live := m.SelectCommittee(1)

	snap := m.CommitteeSnapshot()
	if snap == live {
		t.Fatal("snapshot must not alias the live committee")
	}
	if !reflect.DeepEqual(snap.Members, live.Members) {
		t.Fatal("snapshot should carry the live membership")
	}

	// recording signatures on the live committee must not show in the snapshot
	if err := m.RecordSignature(live.Members[0], 1); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordSignature(live.Members[1], 1); err != nil {
		t.Fatal(err)
	}
	if len(snap.SignaturesReceived) != 0 {
		t.Fatal("snapshot signature set grew with the live committee")
	}
	if snap.QuorumAchieved {
		t.Fatal("snapshot quorum flag flipped with the live committee")
	}
}

func TestCommitteeSnapshotNil(t *testing.T) {
	m := newTestManager(t, 3, 2)

	if m.CommitteeSnapshot() != nil {
		t.Fatal("no committee selected yet, expected nil snapshot")
	}
}

func TestValidatorsSnapshotDecoupled(t *testing.T) {
	m := newTestManager(t, 3, 2)
	vals := addTestValidators(t, m, 3, 1000)

	snap := m.ValidatorsSnapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 validators in snapshot, got %d", len(snap))
	}

	sorted := []string{}
	for _, v := range snap {
		sorted = append(sorted, v.Address)
	}
	if !sort.StringsAreSorted(sorted) {
		t.Fatalf("snapshot should be ordered by address, got %v", sorted)
	}

	// mutating the live validator must not reach the copy
	live := vals[0]
	var cp *Validator
	for _, v := range snap {
		if v.Address == live.Address {
			cp = v
		}
	}
	if cp == nil {
		t.Fatal("live validator missing from snapshot")
	}
	if cp == live {
		t.Fatal("snapshot must not alias the live validator")
	}

	live.Reputation.Score = 0.1
	live.Reputation.RoundsSigned = 42
	if cp.Reputation.Score != 1.0 || cp.Reputation.RoundsSigned != 0 {
		t.Fatal("snapshot reputation changed with the live validator")
	}
}

func TestValidatorRoundTrip(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	v, err := NewValidator(keys.PublicKeyHex(&key.PublicKey), 5000)
	if err != nil {
		t.Fatal(err)
	}
	v.Institution = "Bank A"
	v.Region = "eu-west"

	data, err := v.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var dec Validator
	if err := dec.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if dec.Address != v.Address || dec.Stake != v.Stake || dec.Institution != v.Institution {
		t.Fatalf("round trip mismatch: %+v != %+v", dec, v)
	}
}

func TestSortByReputationNaN(t *testing.T) {
	vals := []*Validator{}
	for i := 0; i < 3; i++ {
		vals = append(vals, &Validator{Address: fmt.Sprintf("0X%02d", i)})
	}
	vals[0].Reputation.Score = math.NaN()
	vals[1].Reputation.Score = 0.8
	vals[2].Reputation.Score = 0.9

	sortByReputation(vals)

	if vals[0].Reputation.Score != 0.9 || vals[1].Reputation.Score != 0.8 {
		t.Fatal("scores should sort descending")
	}
	if !math.IsNaN(vals[2].Reputation.Score) {
		t.Fatal("NaN must sort last")
	}
}
