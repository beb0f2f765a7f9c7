package engine

// Event is an outbound notification published by the engine. Events are
// emitted on a bounded channel after the corresponding state change is
// applied; a full channel drops the event with a log entry instead of
// blocking the command loop.
type Event interface {
	Name() string
}

// RoundFinalized is published when a round reaches quorum (or is
// force-finalized).
type RoundFinalized struct {
	Number    uint64
	TimeValue uint64
	Blocks    []string
}

// Name ...
func (RoundFinalized) Name() string { return "round-finalized" }

// BlockProduced is published when a block is accepted into the DAG.
type BlockProduced struct {
	ID        string
	ShardID   uint16
	TimeValue uint64
}

// Name ...
func (BlockProduced) Name() string { return "block-produced" }
