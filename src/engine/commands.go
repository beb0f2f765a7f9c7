package engine

import (
	"time"

	"github.com/tempoledger/tempo/src/dag"
	"github.com/tempoledger/tempo/src/roundchain"
	"github.com/tempoledger/tempo/src/validators"
)

// Commands are the only way to mutate the engine. They are consumed one at a
// time, in arrival order, by the Run loop; each carries a response channel so
// that the public API can stay synchronous.
type command interface {
	name() string
}

type submitBlockCommand struct {
	shardID      uint16
	transactions [][]byte
	respCh       chan submitBlockResponse
}

type submitBlockResponse struct {
	block *dag.Block
	err   error
}

func (submitBlockCommand) name() string { return "submit-block" }

type submitVoteCommand struct {
	sig    roundchain.RoundSignature
	respCh chan error
}

func (submitVoteCommand) name() string { return "submit-vote" }

type addValidatorCommand struct {
	pubKeyHex string
	stake     uint64
	respCh    chan addValidatorResponse
}

type addValidatorResponse struct {
	validator *validators.Validator
	err       error
}

func (addValidatorCommand) name() string { return "add-validator" }

type removeValidatorCommand struct {
	address string
	respCh  chan error
}

func (removeValidatorCommand) name() string { return "remove-validator" }

type setActiveCommand struct {
	address string
	active  bool
	respCh  chan error
}

func (setActiveCommand) name() string { return "set-active" }

// ConfigUpdate carries the engine timings that may change at runtime. A zero
// field leaves the current value untouched. Committee and quorum sizes are
// fixed for the lifetime of the engine.
type ConfigUpdate struct {
	RoundInterval         time.Duration
	FallbackTimeout       time.Duration
	FallbackCheckInterval time.Duration
}

type updateConfigCommand struct {
	update ConfigUpdate
	respCh chan error
}

func (updateConfigCommand) name() string { return "update-config" }

type forceFinalizeCommand struct {
	number uint64
	respCh chan error
}

func (forceFinalizeCommand) name() string { return "force-finalize" }
