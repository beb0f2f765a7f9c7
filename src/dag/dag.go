package dag

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tempoledger/tempo/src/hashtimer"
)

var (
	// ErrDuplicateBlock is returned by AddBlock when the block's id is already
	// present in the graph.
	ErrDuplicateBlock = errors.New("dag: duplicate block")

	// ErrUnknownParent is returned by AddBlock when a declared parent has not
	// been inserted.
	ErrUnknownParent = errors.New("dag: unknown parent")

	// ErrUnknownShard is returned when a block references a shard outside the
	// configured range.
	ErrUnknownShard = errors.New("dag: unknown shard")
)

type blockEntry struct {
	block      *Block
	insertedAt time.Time
}

// DAG holds the block graph, the per-shard genesis blocks, and the tip
// frontier. The frontier is kept equal to "inserted blocks minus blocks
// referenced as a parent" at all times; every insert removes the parents it
// references from the tip set.
//
// Readers and writers share the structure, so all access goes through a
// reader/writer lock with writers exclusive.
type DAG struct {
	mtx sync.RWMutex

	shardCount uint16
	globalTips bool

	entries    map[string]*blockEntry
	referenced map[string]bool
	tips       map[string]*Block
	genesis    []*Block

	logger *logrus.Entry
}

// NewDAG initialises the graph with one genesis block per shard. The genesis
// blocks form the initial tip frontier.
func NewDAG(shardCount uint16, globalTips bool, logger *logrus.Entry) *DAG {
	if shardCount == 0 {
		shardCount = 1
	}

	d := &DAG{
		shardCount: shardCount,
		globalTips: globalTips,
		entries:    make(map[string]*blockEntry),
		referenced: make(map[string]bool),
		tips:       make(map[string]*Block),
		logger:     logger.WithField("component", "dag"),
	}

	for shard := uint16(0); shard < shardCount; shard++ {
		g := NewGenesisBlock(shard)
		d.entries[g.Hex()] = &blockEntry{block: g, insertedAt: time.Now()}
		d.tips[g.Hex()] = g
		d.genesis = append(d.genesis, g)
	}

	d.logger.WithField("shards", shardCount).Debug("DAG initialised")

	return d
}

// AddBlock inserts a block into the graph. If the block does not declare
// parents, the current tip frontier of its shard (or the global frontier,
// depending on configuration) is selected for it. AddBlock does not validate
// signatures or transaction semantics.
func (d *DAG) AddBlock(b *Block) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if b.Body.ShardID >= d.shardCount {
		return ErrUnknownShard
	}

	if len(b.Body.Parents) == 0 {
		b.Body.Parents = d.frontierFor(b.Body.ShardID)
	}

	hex := b.Hex()

	if _, ok := d.entries[hex]; ok {
		return ErrDuplicateBlock
	}

	for _, p := range b.Body.Parents {
		if _, ok := d.entries[p]; !ok {
			return ErrUnknownParent
		}
	}

	d.entries[hex] = &blockEntry{block: b, insertedAt: time.Now()}

	// Recompute the frontier: every parent is now referenced and leaves the
	// tip set; the new block enters it.
	for _, p := range b.Body.Parents {
		d.referenced[p] = true
		delete(d.tips, p)
	}
	d.tips[hex] = b

	d.logger.WithFields(logrus.Fields{
		"block":   hex,
		"shard":   b.Body.ShardID,
		"parents": len(b.Body.Parents),
		"tips":    len(d.tips),
	}).Debug("Added block")

	return nil
}

// frontierFor returns the sorted tip ids a new block on the given shard should
// attach to. Caller must hold the lock.
func (d *DAG) frontierFor(shard uint16) []string {
	res := []string{}
	for hex, b := range d.tips {
		if d.globalTips || b.Body.ShardID == shard {
			res = append(res, hex)
		}
	}
	sort.Strings(res)
	return res
}

// SelectParents exposes the frontier a producer should attach a new block to.
func (d *DAG) SelectParents(shard uint16) []string {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.frontierFor(shard)
}

// Tips returns the ids of the current tip frontier for one shard, sorted.
func (d *DAG) Tips(shard uint16) []string {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	res := []string{}
	for hex, b := range d.tips {
		if b.Body.ShardID == shard {
			res = append(res, hex)
		}
	}
	sort.Strings(res)
	return res
}

// AllTips returns the ids of the whole tip frontier, sorted.
func (d *DAG) AllTips() []string {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	res := []string{}
	for hex := range d.tips {
		res = append(res, hex)
	}
	sort.Strings(res)
	return res
}

// TipBlocks returns the blocks of the tip frontier ordered by HashTimer.
func (d *DAG) TipBlocks() []*Block {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	res := []*Block{}
	for _, b := range d.tips {
		res = append(res, b)
	}
	sortByTimer(res)
	return res
}

// GetBlock returns the block with the given id, if present.
func (d *DAG) GetBlock(id string) (*Block, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// Genesis returns the genesis block of a shard.
func (d *DAG) Genesis(shard uint16) (*Block, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if int(shard) >= len(d.genesis) {
		return nil, false
	}
	return d.genesis[shard], true
}

// InsertionTime returns the local wall-clock time at which a block entered
// the graph.
func (d *DAG) InsertionTime(id string) (time.Time, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.insertedAt, true
}

// Count returns the number of inserted blocks, genesis included.
func (d *DAG) Count() int {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return len(d.entries)
}

// ShardCount returns the number of shards the DAG was initialised with.
func (d *DAG) ShardCount() uint16 {
	return d.shardCount
}

func sortByTimer(blocks []*Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if c := hashtimer.Compare(blocks[i].Timer, blocks[j].Timer); c != 0 {
			return c < 0
		}
		return blocks[i].Hex() < blocks[j].Hex()
	})
}
