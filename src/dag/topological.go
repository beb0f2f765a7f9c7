package dag

import (
	"sort"

	"github.com/tempoledger/tempo/src/hashtimer"
)

// TopoIterator is a lazy, restartable traversal of the DAG in an order that
// respects parent-before-child. Ties among concurrently-ready blocks are
// broken by HashTimer order. The iterator works over a snapshot of the graph
// taken when it was created; blocks inserted afterwards are not visited.
type TopoIterator struct {
	blocks   map[string]*Block
	children map[string][]string

	indegree map[string]int
	ready    []*Block
}

// TopologicalOrder snapshots the current graph and returns an iterator over
// it.
func (d *DAG) TopologicalOrder() *TopoIterator {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	it := &TopoIterator{
		blocks:   make(map[string]*Block, len(d.entries)),
		children: make(map[string][]string),
	}

	for hex, e := range d.entries {
		it.blocks[hex] = e.block
		for _, p := range e.block.Body.Parents {
			it.children[p] = append(it.children[p], hex)
		}
	}

	it.Reset()

	return it
}

// Reset rewinds the iterator to the start of the traversal.
func (it *TopoIterator) Reset() {
	it.indegree = make(map[string]int, len(it.blocks))
	it.ready = it.ready[:0]

	for hex, b := range it.blocks {
		it.indegree[hex] = len(b.Body.Parents)
		if len(b.Body.Parents) == 0 {
			it.pushReady(b)
		}
	}
}

// Next returns the next block of the traversal, or false when it is done.
func (it *TopoIterator) Next() (*Block, bool) {
	if len(it.ready) == 0 {
		return nil, false
	}

	// ready is kept sorted; the head is the smallest HashTimer
	b := it.ready[0]
	it.ready = it.ready[1:]

	for _, child := range it.children[b.Hex()] {
		it.indegree[child]--
		if it.indegree[child] == 0 {
			it.pushReady(it.blocks[child])
		}
	}

	return b, true
}

func (it *TopoIterator) pushReady(b *Block) {
	i := sort.Search(len(it.ready), func(i int) bool {
		if c := hashtimer.Compare(it.ready[i].Timer, b.Timer); c != 0 {
			return c > 0
		}
		return it.ready[i].Hex() > b.Hex()
	})

	it.ready = append(it.ready, nil)
	copy(it.ready[i+1:], it.ready[i:])
	it.ready[i] = b
}
