// Package state manages the engine's lifecycle state and its background
// goroutines.
package state

import (
	"sync"
	"sync/atomic"
)

// State captures the state of the engine: Running, Suspended, or Shutdown.
type State uint32

const (
	// Running is the normal operating state: the command loop is consuming
	// commands and the timers are live.
	Running State = iota
	// Suspended is initialised but not producing rounds.
	Suspended
	// Shutdown is shutdown.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// Manager.GoFunc.
const WGLIMIT = 20

// Manager wraps an atomically accessed State and a bounded waitgroup for the
// goroutines attached to it.
type Manager struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (m *Manager) GetState() State {
	stateAddr := (*uint32)(&m.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (m *Manager) SetState(s State) {
	stateAddr := (*uint32)(&m.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// GoFunc starts a goroutine and adds it to the waitgroup.
func (m *Manager) GoFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&m.wgCount)
	if tempWgCount < WGLIMIT {
		m.wg.Add(1)
		atomic.AddInt32(&m.wgCount, 1)
		go func() {
			defer m.wg.Done()
			atomic.AddInt32(&m.wgCount, -1)
			f()
		}()
	}
}

// WaitRoutines waits for all attached goroutines to return.
func (m *Manager) WaitRoutines() {
	m.wg.Wait()
}
