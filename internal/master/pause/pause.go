// Package pause holds the master's process-wide pause flag: a small,
// explicitly-owned state object exposed through typed accessors and
// injected as a dependency, rather than a package-level global.
package pause

import "sync"

// Flag is a concurrency-safe toggle that suppresses lease handouts while set.
type Flag struct {
	mu     sync.RWMutex
	paused bool
}

// New returns a Flag in the unpaused state.
func New() *Flag {
	return &Flag{}
}

// Paused reports the current state.
func (f *Flag) Paused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paused
}

// Set updates the pause state.
func (f *Flag) Set(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
}
