package engine

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tempoledger/tempo/src/config"
	"github.com/tempoledger/tempo/src/crypto/keys"
	"github.com/tempoledger/tempo/src/roundchain"
	"github.com/tempoledger/tempo/src/store"
)

// newTestEngine builds an engine with a controllable clock. Handlers are
// exercised directly, without the Run loop, so tests stay deterministic.
func newTestEngine(t *testing.T, db store.Store) *Engine {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.CommitteeSize = 3
	conf.MinQuorumSize = 2
	conf.MinValidators = 1
	conf.ShardCount = 2

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	conf.Key = key

	e := NewEngine(conf, db, conf.Logger())

	now := uint64(1000)
	e.Now = func() uint64 { return now }

	return e
}

func addEngineValidators(t *testing.T, e *Engine, n int) []*ecdsa.PrivateKey {
	res := []*ecdsa.PrivateKey{}
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.addValidator(keys.PublicKeyHex(&key.PublicKey), 1000); err != nil {
			t.Fatal(err)
		}
		res = append(res, key)
	}
	return res
}

func TestSubmitBlockAndProduceRound(t *testing.T) {
	e := newTestEngine(t, nil)
	addEngineValidators(t, e, 3)

	block, err := e.submitBlock(0, [][]byte{[]byte("tx1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(e.pending) != 1 {
		t.Fatalf("expected 1 pending block, got %d", len(e.pending))
	}

	// the block's event was emitted
	select {
	case ev := <-e.Events():
		bp, ok := ev.(BlockProduced)
		if !ok {
			t.Fatalf("expected BlockProduced, got %T", ev)
		}
		if bp.ID != block.Hex() {
			t.Fatal("event carries the wrong block id")
		}
	default:
		t.Fatal("expected a BlockProduced event")
	}

	e.produceRound()

	if e.chain.LatestRoundNumber() != 1 {
		t.Fatalf("expected round 1, got %d", e.chain.LatestRoundNumber())
	}
	if len(e.pending) != 0 {
		t.Fatal("pending blocks should be cleared after round production")
	}

	round, err := e.GetRound(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(round.Body.BlockHashes) != 1 || round.Body.BlockHashes[0] != block.Hex() {
		t.Fatal("round should contain the submitted block")
	}
	if round.State() != roundchain.AwaitingQuorum {
		t.Fatalf("round should await quorum, got %s", round.State())
	}
}

func TestProduceRoundRequiresValidators(t *testing.T) {
	e := newTestEngine(t, nil)
	e.conf.MinValidators = 2
	addEngineValidators(t, e, 1)

	if _, err := e.submitBlock(0, [][]byte{[]byte("tx1")}); err != nil {
		t.Fatal(err)
	}

	e.produceRound()

	if e.chain.LatestRoundNumber() != 0 {
		t.Fatal("no round should be produced below the validator minimum")
	}
	if len(e.pending) != 1 {
		t.Fatal("pending blocks should survive a skipped round")
	}
}

func TestVoteQuorumFinalizes(t *testing.T) {
	e := newTestEngine(t, nil)
	ks := addEngineValidators(t, e, 3)

	block, err := e.submitBlock(0, [][]byte{[]byte("tx1")})
	if err != nil {
		t.Fatal(err)
	}
	<-e.Events() // BlockProduced

	e.produceRound()

	round, err := e.GetRound(1)
	if err != nil {
		t.Fatal(err)
	}

	sig0, err := round.Sign(ks[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := e.submitVote(sig0); err != nil {
		t.Fatal(err)
	}
	if e.IsBlockFinalized(block.Hex()) {
		t.Fatal("one vote should not finalize with quorum 2")
	}

	sig1, err := round.Sign(ks[1])
	if err != nil {
		t.Fatal(err)
	}
	if err := e.submitVote(sig1); err != nil {
		t.Fatal(err)
	}

	if round.State() != roundchain.Finalized {
		t.Fatalf("expected Finalized after quorum, got %s", round.State())
	}
	if !e.IsBlockFinalized(block.Hex()) {
		t.Fatal("block should be finalized")
	}

	select {
	case ev := <-e.Events():
		rf, ok := ev.(RoundFinalized)
		if !ok {
			t.Fatalf("expected RoundFinalized, got %T", ev)
		}
		if rf.Number != 1 {
			t.Fatalf("expected round 1 in the event, got %d", rf.Number)
		}
	default:
		t.Fatal("expected a RoundFinalized event")
	}

	// a vote for a finalized round is a no-op
	sig2, err := round.Sign(ks[2])
	if err != nil {
		t.Fatal(err)
	}
	if err := e.submitVote(sig2); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitVoteErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	ks := addEngineValidators(t, e, 3)

	if _, err := e.submitBlock(0, [][]byte{[]byte("tx1")}); err != nil {
		t.Fatal(err)
	}
	e.produceRound()

	round, err := e.GetRound(1)
	if err != nil {
		t.Fatal(err)
	}

	// unknown round
	ghost := roundchain.RoundSignature{RoundNumber: 5}
	if err := e.submitVote(ghost); err != roundchain.ErrUnknownRound {
		t.Fatalf("expected ErrUnknownRound, got %v", err)
	}

	// tampered signature
	sig, err := round.Sign(ks[0])
	if err != nil {
		t.Fatal(err)
	}
	good, err := round.Sign(ks[1])
	if err != nil {
		t.Fatal(err)
	}
	sig.Signature = good.Signature
	if err := e.submitVote(sig); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestFallbackCheck(t *testing.T) {
	e := newTestEngine(t, nil)
	addEngineValidators(t, e, 3)

	now := uint64(1000)
	e.Now = func() uint64 { return now }

	if _, err := e.submitBlock(0, [][]byte{[]byte("tx1")}); err != nil {
		t.Fatal(err)
	}
	e.produceRound()

	first := e.CurrentCommittee()
	if first == nil || first.RoundNumber != 1 {
		t.Fatal("expected a committee for round 1")
	}

	// before the timeout nothing happens
	e.checkFallback()
	if first.FallbackTriggered {
		t.Fatal("fallback should not fire before the timeout")
	}

	now += uint64(e.fallbackTimeout/time.Millisecond) + 1
	e.checkFallback()

	if !first.FallbackTriggered {
		t.Fatal("fallback should fire after the timeout")
	}

	second := e.CurrentCommittee()
	if second == first {
		t.Fatal("a new committee should be in charge")
	}
	if second.RoundNumber != 1 {
		t.Fatal("fallback committee is for the same round")
	}

	for _, addr := range first.Members {
		v, err := e.vals.Get(addr)
		if err != nil {
			t.Fatal(err)
		}
		if v.Reputation.RoundsMissed != 1 {
			t.Fatalf("missing member should be penalized, got %d misses", v.Reputation.RoundsMissed)
		}
	}
}

func TestEventQueueDrop(t *testing.T) {
	e := newTestEngine(t, nil)
	e.eventCh = make(chan Event, 1)
	addEngineValidators(t, e, 1)

	// the second event overflows the queue and is dropped, not blocked on
	if _, err := e.submitBlock(0, [][]byte{[]byte("tx1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.submitBlock(0, [][]byte{[]byte("tx2")}); err != nil {
		t.Fatal(err)
	}

	if len(e.eventCh) != 1 {
		t.Fatalf("expected exactly 1 buffered event, got %d", len(e.eventCh))
	}
}

func TestBootstrap(t *testing.T) {
	db := store.NewInmemStore()

	e1 := newTestEngine(t, db)
	ks := addEngineValidators(t, e1, 3)

	block, err := e1.submitBlock(0, [][]byte{[]byte("tx1")})
	if err != nil {
		t.Fatal(err)
	}
	e1.produceRound()

	round, err := e1.GetRound(1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		sig, err := round.Sign(ks[i])
		if err != nil {
			t.Fatal(err)
		}
		if err := e1.submitVote(sig); err != nil {
			t.Fatal(err)
		}
	}
	if !e1.IsBlockFinalized(block.Hex()) {
		t.Fatal("round 1 should be finalized")
	}

	e2 := newTestEngine(t, db)
	e2.conf.Bootstrap = true
	if err := e2.Init(); err != nil {
		t.Fatal(err)
	}

	if e2.chain.LatestRoundNumber() != 1 {
		t.Fatalf("expected bootstrapped latest round 1, got %d", e2.chain.LatestRoundNumber())
	}
	if !e2.IsBlockFinalized(block.Hex()) {
		t.Fatal("finalization map should survive the restart")
	}
	if len(e2.Validators()) != 3 {
		t.Fatalf("expected 3 restored validators, got %d", len(e2.Validators()))
	}

	v, err := e2.vals.Get(keys.AddressOf(&ks[0].PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	if v.Reputation.RoundsSigned != 1 {
		t.Fatalf("reputation should survive the restart, got %d signed", v.Reputation.RoundsSigned)
	}

	restored, err := e2.GetBlock(block.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if restored.Hex() != block.Hex() {
		t.Fatal("block should be readable from storage after restart")
	}
}

func TestRunLoop(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Now = func() uint64 { return uint64(time.Now().UnixNano() / int64(time.Millisecond)) }
	e.roundInterval = 10 * time.Millisecond
	e.fallbackCheckInterval = 10 * time.Millisecond

	if err := e.Init(); err != nil {
		t.Fatal(err)
	}
	e.RunAsync()

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddValidator(keys.PublicKeyHex(&key.PublicKey), 1000); err != nil {
		t.Fatal(err)
	}

	block, err := e.SubmitBlock(0, [][]byte{[]byte("tx1")})
	if err != nil {
		t.Fatal(err)
	}
	if block == nil {
		t.Fatal("expected a block back")
	}

	// wait for the round ticker to pick the block up
	deadline := time.After(3 * time.Second)
	for e.chain.LatestRoundNumber() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for round production")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.Shutdown()

	if _, err := e.SubmitBlock(0, [][]byte{[]byte("tx2")}); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestShutdownDuringSubmit(t *testing.T) {
	// callers racing Shutdown must all get an answer, never hang on a
	// command enqueued after the loop's final drain
	e := newTestEngine(t, nil)
	if err := e.Init(); err != nil {
		t.Fatal(err)
	}
	e.RunAsync()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			_, err := e.SubmitBlock(0, [][]byte{[]byte("tx")})
			if err == ErrShutdown {
				return
			}
			if err != nil {
				t.Errorf("unexpected submit error: %v", err)
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	e.Shutdown()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("caller hung on a command enqueued during shutdown")
	}
}

func TestUpdateConfig(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.updateConfig(ConfigUpdate{
		RoundInterval:   100 * time.Millisecond,
		FallbackTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	if e.roundInterval != 100*time.Millisecond {
		t.Fatalf("round interval not applied, got %v", e.roundInterval)
	}
	if e.fallbackTimeout != time.Second {
		t.Fatalf("fallback timeout not applied, got %v", e.fallbackTimeout)
	}
	if e.fallbackCheckInterval != config.DefaultFallbackCheckInterval {
		t.Fatal("zero fields must leave the current value untouched")
	}
}
