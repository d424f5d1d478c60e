// Atomic bit-mask helpers for state shared between interrupt-style timer
// callbacks and application code.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package signal

import "sync"

// Atomic16 is a 16-bit flag mask mutated from both timer-callback and
// application context. Mutations take a short critical section; the lock is
// never held across a callback or a blocking operation.
type Atomic16 struct {
	mu sync.Mutex
	v  uint16
}

// SetBits sets the given bits and returns the previous value.
func (a *Atomic16) SetBits(bits uint16) uint16 {
	a.mu.Lock()
	prev := a.v
	a.v |= bits
	a.mu.Unlock()
	return prev
}

// ClearBits clears the given bits and returns the previous value.
func (a *Atomic16) ClearBits(bits uint16) uint16 {
	a.mu.Lock()
	prev := a.v
	a.v &^= bits
	a.mu.Unlock()
	return prev
}

// SetValue replaces the whole value and returns the previous one.
func (a *Atomic16) SetValue(v uint16) uint16 {
	a.mu.Lock()
	prev := a.v
	a.v = v
	a.mu.Unlock()
	return prev
}

// Load returns the current value.
func (a *Atomic16) Load() uint16 {
	a.mu.Lock()
	v := a.v
	a.mu.Unlock()
	return v
}

// Any reports whether any of the given bits are set.
func (a *Atomic16) Any(bits uint16) bool {
	return a.Load()&bits != 0
}
