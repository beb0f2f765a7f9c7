// Package store provides the key-value storage capability consumed by the
// finality core. Records are grouped into named trees so that blocks, rounds
// and validators do not share a key space.
package store

// Store is the persistence capability. Get returns a common.StoreErr with the
// KeyNotFound code when the key is absent from the tree.
type Store interface {
	Put(tree string, key []byte, value []byte) error
	Get(tree string, key []byte) ([]byte, error)
	Has(tree string, key []byte) bool
	Close() error
}

// Tree names used by the engine.
const (
	BlockTree     = "block"
	RoundTree     = "round"
	ValidatorTree = "validator"
	StateTree     = "state"
)
