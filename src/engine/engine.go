// Package engine runs the finality core as an ordered command loop. All
// mutations of the DAG, the validator set, and the round chain flow through a
// single bounded command queue; outbound notifications are published on a
// separate bounded event channel that never blocks command processing.
package engine

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/config"
	"github.com/tempoledger/tempo/src/crypto/keys"
	"github.com/tempoledger/tempo/src/dag"
	"github.com/tempoledger/tempo/src/engine/state"
	"github.com/tempoledger/tempo/src/roundchain"
	"github.com/tempoledger/tempo/src/store"
	"github.com/tempoledger/tempo/src/validators"
)

var (
	// ErrShutdown is returned by the public API once the engine has been
	// shut down.
	ErrShutdown = errors.New("engine: shut down")

	// ErrInvalidSignature is returned when a submitted vote does not verify
	// against the round content hash.
	ErrInvalidSignature = errors.New("engine: invalid signature")
)

// State tree keys.
const (
	latestRoundKey    = "latest-round"
	validatorIndexKey = "validator-index"
)

// Engine ties the DAG, the validator manager and the round chain together
// behind a single-threaded command loop.
type Engine struct {
	state.Manager

	conf   *config.Config
	logger *logrus.Entry

	key     *ecdsa.PrivateKey
	address string

	dag   *dag.DAG
	chain *roundchain.Chain
	vals  *validators.Manager

	db store.Store

	commandCh chan command
	eventCh   chan Event

	// loop-owned state, only touched from Run
	pending []*dag.Block
	votes   map[uint64]map[string]roundchain.RoundSignature
	nonce   uint32

	roundInterval         time.Duration
	fallbackTimeout       time.Duration
	fallbackCheckInterval time.Duration

	roundTicker    *time.Ticker
	fallbackTicker *time.Ticker

	// Now is the synchronized time source, in milliseconds. It feeds
	// HashTimer time values, round time values and committee timing.
	Now func() uint64

	shutdownCh chan struct{}
}

// NewEngine instantiates the engine from a config object. The store may be
// nil, in which case nothing is persisted.
func NewEngine(conf *config.Config, db store.Store, logger *logrus.Entry) *Engine {
	entry := logger.WithField("component", "engine")

	e := &Engine{
		conf:                  conf,
		logger:                entry,
		key:                   conf.Key,
		address:               keys.AddressOf(&conf.Key.PublicKey),
		dag:                   dag.NewDAG(conf.ShardCount, conf.GlobalTips, logger),
		chain:                 roundchain.NewChain(conf.MinQuorumSize, logger),
		vals:                  validators.NewManager(conf.CommitteeSize, conf.MinQuorumSize, conf.ReputationThreshold, conf.RotationInterval, logger),
		db:                    db,
		commandCh:             make(chan command, conf.CommandQueueSize),
		eventCh:               make(chan Event, conf.EventQueueSize),
		votes:                 make(map[uint64]map[string]roundchain.RoundSignature),
		roundInterval:         conf.RoundInterval,
		fallbackTimeout:       conf.FallbackTimeout,
		fallbackCheckInterval: conf.FallbackCheckInterval,
		Now:                   func() uint64 { return uint64(time.Now().UnixNano() / int64(time.Millisecond)) },
		shutdownCh:            make(chan struct{}),
	}

	e.vals.Now = func() uint64 { return e.Now() }

	return e
}

// Init restores persisted state when bootstrapping is enabled.
func (e *Engine) Init() error {
	e.SetState(state.Suspended)

	if e.conf.Bootstrap && e.db != nil {
		if err := e.bootstrap(); err != nil {
			return err
		}
	}

	return nil
}

// RunAsync calls Run in a background goroutine.
func (e *Engine) RunAsync() {
	e.GoFunc(e.Run)
}

// Run is the engine's main loop. It returns when Shutdown is called.
func (e *Engine) Run() {
	e.SetState(state.Running)
	e.logger.WithField("state", e.GetState().String()).Debug("Run")

	e.roundTicker = time.NewTicker(e.roundInterval)
	e.fallbackTicker = time.NewTicker(e.fallbackCheckInterval)

	defer func() {
		e.roundTicker.Stop()
		e.fallbackTicker.Stop()
		e.drainCommands()
		close(e.eventCh)
	}()

	for {
		select {
		case cmd := <-e.commandCh:
			e.handleCommand(cmd)
		case <-e.roundTicker.C:
			e.produceRound()
		case <-e.fallbackTicker.C:
			e.checkFallback()
		case <-e.shutdownCh:
			return
		}
	}
}

// Shutdown stops the engine. Commands still queued are answered with
// ErrShutdown.
func (e *Engine) Shutdown() {
	if e.GetState() == state.Shutdown {
		return
	}

	e.logger.Debug("Shutdown")
	e.SetState(state.Shutdown)
	close(e.shutdownCh)
	e.WaitRoutines()
}

// Events returns the outbound event channel. It is closed when the engine
// shuts down.
func (e *Engine) Events() <-chan Event {
	return e.eventCh
}

/*******************************************************************************
Public API. Each call enqueues a command and waits for the loop's answer.
*******************************************************************************/

// SubmitBlock builds, signs and inserts a block carrying the given
// transactions into the DAG. Parents are selected from the current tip
// frontier.
func (e *Engine) SubmitBlock(shardID uint16, transactions [][]byte) (*dag.Block, error) {
	respCh := make(chan submitBlockResponse, 1)
	if err := e.enqueue(submitBlockCommand{shardID: shardID, transactions: transactions, respCh: respCh}); err != nil {
		return nil, err
	}
	resp := <-respCh
	return resp.block, resp.err
}

// SubmitVote accumulates one validator's signature over a round. The vote
// that completes the quorum triggers finalization.
func (e *Engine) SubmitVote(sig roundchain.RoundSignature) error {
	respCh := make(chan error, 1)
	if err := e.enqueue(submitVoteCommand{sig: sig, respCh: respCh}); err != nil {
		return err
	}
	return <-respCh
}

// AddValidator registers a validator.
func (e *Engine) AddValidator(pubKeyHex string, stake uint64) (*validators.Validator, error) {
	respCh := make(chan addValidatorResponse, 1)
	if err := e.enqueue(addValidatorCommand{pubKeyHex: pubKeyHex, stake: stake, respCh: respCh}); err != nil {
		return nil, err
	}
	resp := <-respCh
	return resp.validator, resp.err
}

// RemoveValidator removes a validator.
func (e *Engine) RemoveValidator(address string) error {
	respCh := make(chan error, 1)
	if err := e.enqueue(removeValidatorCommand{address: address, respCh: respCh}); err != nil {
		return err
	}
	return <-respCh
}

// SetActive flips a validator's activity flag.
func (e *Engine) SetActive(address string, active bool) error {
	respCh := make(chan error, 1)
	if err := e.enqueue(setActiveCommand{address: address, active: active, respCh: respCh}); err != nil {
		return err
	}
	return <-respCh
}

// UpdateConfig applies runtime-tunable engine timings.
func (e *Engine) UpdateConfig(update ConfigUpdate) error {
	respCh := make(chan error, 1)
	if err := e.enqueue(updateConfigCommand{update: update, respCh: respCh}); err != nil {
		return err
	}
	return <-respCh
}

// ForceFinalize finalizes a round without quorum signatures.
func (e *Engine) ForceFinalize(number uint64) error {
	respCh := make(chan error, 1)
	if err := e.enqueue(forceFinalizeCommand{number: number, respCh: respCh}); err != nil {
		return err
	}
	return <-respCh
}

func (e *Engine) enqueue(cmd command) error {
	if e.GetState() == state.Shutdown {
		return ErrShutdown
	}

	select {
	case e.commandCh <- cmd:
		// The send can win the race against a closing shutdownCh after the
		// loop's final drain has already run, leaving the command unanswered.
		// Shutdown sets the state before closing the channel, so a re-check
		// catches this; draining here answers the stranded command. Draining
		// concurrently with the loop is safe: both sides only receive from
		// commandCh and reply on buffered response channels.
		if e.GetState() == state.Shutdown {
			e.drainCommands()
		}
		return nil
	case <-e.shutdownCh:
		return ErrShutdown
	}
}

/*******************************************************************************
Queries. These read through the components' own locks and bypass the command
loop.
*******************************************************************************/

// GetBlock returns a block by id, falling back to storage for blocks that
// predate this process.
func (e *Engine) GetBlock(id string) (*dag.Block, error) {
	if b, ok := e.dag.GetBlock(id); ok {
		return b, nil
	}

	if e.db != nil {
		data, err := e.db.Get(store.BlockTree, []byte(id))
		if err == nil {
			b := new(dag.Block)
			if err := b.Unmarshal(data); err != nil {
				return nil, err
			}
			return b, nil
		}
	}

	return nil, common.NewStoreErr(store.BlockTree, common.KeyNotFound, id)
}

// GetRound returns a round by number.
func (e *Engine) GetRound(number uint64) (*roundchain.Round, error) {
	return e.chain.GetRound(number)
}

// GetTips returns the tip frontier of a shard.
func (e *Engine) GetTips(shardID uint16) []string {
	return e.dag.Tips(shardID)
}

// IsBlockFinalized reports whether a block belongs to a finalized round.
func (e *Engine) IsBlockFinalized(id string) bool {
	return e.chain.IsBlockFinalized(id)
}

// GetFinalizationRound returns the round a block was finalized in.
func (e *Engine) GetFinalizationRound(id string) (uint64, bool) {
	return e.chain.GetFinalizationRound(id)
}

// GetRoundSnapshot returns a deep copy of a round, for readers outside the
// command loop.
func (e *Engine) GetRoundSnapshot(number uint64) (*roundchain.Round, error) {
	return e.chain.GetRoundSnapshot(number)
}

// Validators returns the registered validators sorted by address.
func (e *Engine) Validators() []*validators.Validator {
	return e.vals.List()
}

// ValidatorsSnapshot returns detached copies of the registered validators,
// for readers outside the command loop.
func (e *Engine) ValidatorsSnapshot() []*validators.Validator {
	return e.vals.ValidatorsSnapshot()
}

// CurrentCommittee returns the committee in charge, or nil.
func (e *Engine) CurrentCommittee() *validators.Committee {
	return e.vals.CurrentCommittee()
}

// CommitteeSnapshot returns a deep copy of the committee in charge, for
// readers outside the command loop.
func (e *Engine) CommitteeSnapshot() *validators.Committee {
	return e.vals.CommitteeSnapshot()
}

// GetStatistics returns the chain statistics.
func (e *Engine) GetStatistics() roundchain.Statistics {
	return e.chain.GetStatistics()
}

// GetStats returns a map of engine figures for the stats endpoint.
func (e *Engine) GetStats() map[string]string {
	chainStats := e.chain.GetStatistics()

	return map[string]string{
		"state":                  e.GetState().String(),
		"moniker":                e.conf.Moniker,
		"address":                e.address,
		"num_blocks":             strconv.Itoa(e.dag.Count()),
		"num_validators":         strconv.Itoa(e.vals.Len()),
		"total_rounds":           strconv.Itoa(chainStats.TotalRounds),
		"total_finalized_blocks": strconv.Itoa(chainStats.TotalFinalizedBlocks),
		"avg_blocks_per_round":   strconv.FormatFloat(chainStats.AvgBlocksPerRound, 'f', 2, 64),
		"latest_round":           strconv.FormatUint(chainStats.LatestRoundNumber, 10),
	}
}

/*******************************************************************************
Command loop internals.
*******************************************************************************/

func (e *Engine) handleCommand(cmd command) {
	e.logger.WithField("command", cmd.name()).Debug("Processing command")

	switch c := cmd.(type) {
	case submitBlockCommand:
		block, err := e.submitBlock(c.shardID, c.transactions)
		c.respCh <- submitBlockResponse{block: block, err: err}
	case submitVoteCommand:
		c.respCh <- e.submitVote(c.sig)
	case addValidatorCommand:
		v, err := e.addValidator(c.pubKeyHex, c.stake)
		c.respCh <- addValidatorResponse{validator: v, err: err}
	case removeValidatorCommand:
		err := e.vals.RemoveValidator(c.address)
		if err == nil {
			e.persistValidatorIndex()
		}
		c.respCh <- err
	case setActiveCommand:
		err := e.vals.SetActive(c.address, c.active)
		if err == nil {
			e.persistValidatorByAddr(c.address)
		}
		c.respCh <- err
	case updateConfigCommand:
		c.respCh <- e.updateConfig(c.update)
	case forceFinalizeCommand:
		c.respCh <- e.forceFinalize(c.number)
	}
}

func (e *Engine) submitBlock(shardID uint16, transactions [][]byte) (*dag.Block, error) {
	e.nonce++

	block := dag.NewBlock(shardID, e.Now(), e.nonce, nil, transactions, e.address)
	if err := block.Sign(e.key); err != nil {
		return nil, err
	}

	if err := e.dag.AddBlock(block); err != nil {
		return nil, err
	}

	e.pending = append(e.pending, block)
	e.persistBlock(block)

	e.emit(BlockProduced{
		ID:        block.Hex(),
		ShardID:   shardID,
		TimeValue: block.Body.TimeValue,
	})

	return block, nil
}

func (e *Engine) submitVote(sig roundchain.RoundSignature) error {
	number := sig.RoundNumber

	round, err := e.chain.GetRound(number)
	if err != nil {
		return err
	}

	if round.State() == roundchain.Finalized {
		return nil
	}

	ok, err := round.Verify(sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}

	addr := sig.ValidatorAddress()
	if err := e.vals.RecordSignature(addr, number); err != nil {
		return err
	}
	e.persistValidatorByAddr(addr)

	if e.votes[number] == nil {
		e.votes[number] = make(map[string]roundchain.RoundSignature)
	}
	e.votes[number][addr] = sig

	if len(e.votes[number]) >= e.conf.MinQuorumSize {
		e.finalizeRound(number)
	}

	return nil
}

func (e *Engine) finalizeRound(number uint64) {
	committee := e.vals.CommitteeForRound(number)

	sigs := make([]roundchain.RoundSignature, 0, len(e.votes[number]))
	for _, s := range e.votes[number] {
		sigs = append(sigs, s)
	}

	if err := e.chain.SignRoundWithQuorum(number, committee, sigs); err != nil {
		if err != roundchain.ErrQuorumNotMet {
			e.logger.WithField("round", number).WithError(err).Error("Failed to finalize round")
		}
		return
	}

	delete(e.votes, number)

	round, err := e.chain.GetRound(number)
	if err != nil {
		return
	}

	e.persistRound(round)
	e.persistLatest()

	e.emit(RoundFinalized{
		Number:    number,
		TimeValue: round.Body.TimeValue,
		Blocks:    round.Body.BlockHashes,
	})
}

func (e *Engine) produceRound() {
	if len(e.pending) == 0 {
		return
	}

	if e.vals.Len() < e.conf.MinValidators {
		e.logger.WithFields(logrus.Fields{
			"validators": e.vals.Len(),
			"min":        e.conf.MinValidators,
		}).Debug("Not enough validators to produce a round")
		return
	}

	number := e.chain.LatestRoundNumber() + 1

	e.vals.RenewCommittee(number)

	round, err := e.chain.CreateRound(number, e.pending, e.Now(), e.key)
	if err != nil {
		e.logger.WithField("round", number).WithError(err).Error("Failed to create round")
		return
	}

	if err := e.chain.AddRound(round); err != nil {
		e.logger.WithField("round", number).WithError(err).Error("Failed to append round")
		return
	}

	e.logger.WithFields(logrus.Fields{
		"round":  number,
		"blocks": len(e.pending),
	}).Debug("Produced round")

	e.pending = nil
	e.persistRound(round)
	e.persistLatest()
}

func (e *Engine) checkFallback() {
	c := e.vals.CurrentCommittee()
	if c == nil || c.QuorumAchieved || c.FallbackTriggered {
		return
	}

	if e.Now()-c.StartTime < uint64(e.fallbackTimeout/time.Millisecond) {
		return
	}

	if round, err := e.chain.GetRound(c.RoundNumber); err == nil && round.State() == roundchain.Finalized {
		return
	}

	for _, addr := range c.Missing() {
		e.vals.RecordMissedSignature(addr, c.RoundNumber)
		e.persistValidatorByAddr(addr)
	}

	if next := e.vals.TriggerFallback(c.RoundNumber); next != nil {
		delete(e.votes, c.RoundNumber)
		e.logger.WithFields(logrus.Fields{
			"round":   c.RoundNumber,
			"members": next.Len(),
		}).Warn("Selected fallback committee")
	}
}

func (e *Engine) addValidator(pubKeyHex string, stake uint64) (*validators.Validator, error) {
	v, err := e.vals.AddValidator(pubKeyHex, stake)
	if err != nil {
		return nil, err
	}

	e.persistValidator(v)
	e.persistValidatorIndex()

	return v, nil
}

func (e *Engine) updateConfig(update ConfigUpdate) error {
	if update.RoundInterval > 0 {
		e.roundInterval = update.RoundInterval
		if e.roundTicker != nil {
			e.roundTicker.Reset(e.roundInterval)
		}
	}
	if update.FallbackTimeout > 0 {
		e.fallbackTimeout = update.FallbackTimeout
	}
	if update.FallbackCheckInterval > 0 {
		e.fallbackCheckInterval = update.FallbackCheckInterval
		if e.fallbackTicker != nil {
			e.fallbackTicker.Reset(e.fallbackCheckInterval)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"round-interval":   e.roundInterval,
		"fallback-timeout": e.fallbackTimeout,
		"fallback-check":   e.fallbackCheckInterval,
	}).Debug("Updated config")

	return nil
}

func (e *Engine) forceFinalize(number uint64) error {
	if err := e.chain.ForceFinalize(number); err != nil {
		return err
	}

	round, err := e.chain.GetRound(number)
	if err != nil {
		return err
	}

	e.persistRound(round)
	e.persistLatest()

	e.emit(RoundFinalized{
		Number:    number,
		TimeValue: round.Body.TimeValue,
		Blocks:    round.Body.BlockHashes,
	})

	return nil
}

// emit publishes an event without ever blocking the command loop. State has
// already been durably updated when an event is emitted, so a drop is
// non-fatal.
func (e *Engine) emit(event Event) {
	select {
	case e.eventCh <- event:
	default:
		e.logger.WithField("event", event.Name()).Warning("Event queue full, dropping event")
	}
}

// drainCommands answers queued commands with ErrShutdown so that no caller is
// left hanging after the loop exits.
func (e *Engine) drainCommands() {
	for {
		select {
		case cmd := <-e.commandCh:
			switch c := cmd.(type) {
			case submitBlockCommand:
				c.respCh <- submitBlockResponse{err: ErrShutdown}
			case submitVoteCommand:
				c.respCh <- ErrShutdown
			case addValidatorCommand:
				c.respCh <- addValidatorResponse{err: ErrShutdown}
			case removeValidatorCommand:
				c.respCh <- ErrShutdown
			case setActiveCommand:
				c.respCh <- ErrShutdown
			case updateConfigCommand:
				c.respCh <- ErrShutdown
			case forceFinalizeCommand:
				c.respCh <- ErrShutdown
			}
		default:
			return
		}
	}
}

/*******************************************************************************
Persistence.
*******************************************************************************/

func (e *Engine) persistBlock(b *dag.Block) {
	if e.db == nil {
		return
	}

	data, err := b.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal block")
		return
	}

	if err := e.db.Put(store.BlockTree, []byte(b.Hex()), data); err != nil {
		e.logger.WithError(err).Error("Failed to persist block")
	}
}

func (e *Engine) persistRound(r *roundchain.Round) {
	if e.db == nil {
		return
	}

	data, err := r.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal round")
		return
	}

	key := []byte(strconv.FormatUint(r.Body.Number, 10))
	if err := e.db.Put(store.RoundTree, key, data); err != nil {
		e.logger.WithError(err).Error("Failed to persist round")
	}
}

func (e *Engine) persistLatest() {
	if e.db == nil {
		return
	}

	value := []byte(strconv.FormatUint(e.chain.LatestRoundNumber(), 10))
	if err := e.db.Put(store.StateTree, []byte(latestRoundKey), value); err != nil {
		e.logger.WithError(err).Error("Failed to persist latest round number")
	}
}

func (e *Engine) persistValidator(v *validators.Validator) {
	if e.db == nil {
		return
	}

	data, err := v.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal validator")
		return
	}

	if err := e.db.Put(store.ValidatorTree, []byte(v.Address), data); err != nil {
		e.logger.WithError(err).Error("Failed to persist validator")
	}
}

func (e *Engine) persistValidatorByAddr(addr string) {
	v, err := e.vals.Get(addr)
	if err != nil {
		return
	}
	e.persistValidator(v)
}

func (e *Engine) persistValidatorIndex() {
	if e.db == nil {
		return
	}

	addrs := []string{}
	for _, v := range e.vals.List() {
		addrs = append(addrs, v.Address)
	}

	data, err := marshalStrings(addrs)
	if err != nil {
		e.logger.WithError(err).Error("Failed to marshal validator index")
		return
	}

	if err := e.db.Put(store.StateTree, []byte(validatorIndexKey), data); err != nil {
		e.logger.WithError(err).Error("Failed to persist validator index")
	}
}

// bootstrap reloads rounds and validators from storage. Blocks that were
// never finalized are not restored; their producers are expected to resubmit.
func (e *Engine) bootstrap() error {
	latestBytes, err := e.db.Get(store.StateTree, []byte(latestRoundKey))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return nil
		}
		return err
	}

	latest, err := strconv.ParseUint(string(latestBytes), 10, 64)
	if err != nil {
		return err
	}

	for n := uint64(1); n <= latest; n++ {
		key := []byte(strconv.FormatUint(n, 10))
		data, err := e.db.Get(store.RoundTree, key)
		if err != nil {
			return err
		}

		round := new(roundchain.Round)
		if err := round.Unmarshal(data); err != nil {
			return err
		}

		if err := e.chain.Restore(round); err != nil {
			return err
		}
	}

	idxData, err := e.db.Get(store.StateTree, []byte(validatorIndexKey))
	if err == nil {
		addrs, err := unmarshalStrings(idxData)
		if err != nil {
			return err
		}

		for _, addr := range addrs {
			data, err := e.db.Get(store.ValidatorTree, []byte(addr))
			if err != nil {
				return err
			}

			v := new(validators.Validator)
			if err := v.Unmarshal(data); err != nil {
				return err
			}

			e.vals.Restore(v)
		}
	} else if !common.IsStore(err, common.KeyNotFound) {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"rounds":     latest,
		"validators": e.vals.Len(),
	}).Debug("Bootstrapped from store")

	return nil
}

func marshalStrings(ss []string) ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)

	if err := enc.Encode(ss); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

func unmarshalStrings(data []byte) ([]string, error) {
	var ss []string

	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)

	if err := dec.Decode(&ss); err != nil {
		return nil, err
	}

	return ss, nil
}
