// Package debounce turns raw input edges into settled, per-group change
// notifications. Edges on debounced inputs are parked in a fixed ring
// queue with the pin interrupt masked; a one-shot settle timer drains the
// queue, re-enables the interrupts and dispatches one callback per input
// group with the inputs that actually changed.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package debounce

import (
	"sync"

	"cnc-motion-go/pkg/signal"
)

// QueueSize must be a power of two.
const QueueSize = 8

// DefaultSettleMS is the settle window opened by the first queued edge.
const DefaultSettleMS = 32

// queue is a fixed single-producer ring. Enqueue fails when advancing head
// would collide with tail, leaving one slot unused.
type queue struct {
	slots      [QueueSize]*signal.Input
	head, tail uint8
}

func (q *queue) enqueue(in *signal.Input) bool {
	next := (q.head + 1) & (QueueSize - 1)
	if next == q.tail {
		return false
	}
	q.slots[q.head] = in
	q.head = next
	return true
}

func (q *queue) dequeue() *signal.Input {
	if q.tail == q.head {
		return nil
	}
	in := q.slots[q.tail]
	q.tail = (q.tail + 1) & (QueueSize - 1)
	return in
}

// TimerFunc schedules fn once after ms milliseconds. hal.Driver.DelayMs
// satisfies it.
type TimerFunc func(ms uint, fn func())

// Config for a Filter.
type Config struct {
	// Enabled gates queueing entirely; when false every edge dispatches
	// immediately.
	Enabled bool

	// SettleMS is the drain delay; zero means DefaultSettleMS.
	SettleMS uint
}

// Filter coalesces edges. OnEdge is safe to call from timer context; the
// group handlers run from the settle timer (or inline for non-debounced
// inputs) and must not block.
type Filter struct {
	mu       sync.Mutex
	q        queue
	timer    TimerFunc
	enabled  bool
	settleMS uint
	pending  bool
	handlers map[signal.Group]func(changed []*signal.Input)
}

func NewFilter(cfg Config, timer TimerFunc) *Filter {
	settle := cfg.SettleMS
	if settle == 0 {
		settle = DefaultSettleMS
	}
	return &Filter{
		timer:    timer,
		enabled:  cfg.Enabled,
		settleMS: settle,
		handlers: make(map[signal.Group]func(changed []*signal.Input)),
	}
}

// SetHandler registers the callback for one input group. Call before the
// first edge can arrive.
func (f *Filter) SetHandler(g signal.Group, fn func(changed []*signal.Input)) {
	f.mu.Lock()
	f.handlers[g] = fn
	f.mu.Unlock()
}

// OnEdge is the raw edge entry point. While an input sits in the queue its
// pin interrupt stays masked, so re-entrant edges for the same input
// cannot arrive.
func (f *Filter) OnEdge(in *signal.Input) {
	f.mu.Lock()
	if !f.enabled || !in.Debounce {
		in.Active = in.Settled()
		fn := f.handlers[in.Group]
		f.mu.Unlock()
		if fn != nil {
			fn([]*signal.Input{in})
		}
		return
	}
	if in.Pin != nil {
		in.Pin.EnableInterrupt(false)
	}
	if !f.q.enqueue(in) {
		// Queue full: fall back to immediate dispatch.
		if in.Pin != nil {
			in.Pin.EnableInterrupt(true)
		}
		in.Active = in.Settled()
		fn := f.handlers[in.Group]
		f.mu.Unlock()
		if fn != nil {
			fn([]*signal.Input{in})
		}
		return
	}
	arm := !f.pending
	f.pending = true
	f.mu.Unlock()
	if arm {
		f.timer(f.settleMS, f.drain)
	}
}

// drain empties the queue after the settle window. Inputs whose settled
// level differs from the last dispatched state are reported; inputs that
// bounced back were glitches and only get their interrupt re-enabled.
func (f *Filter) drain() {
	f.mu.Lock()
	f.pending = false
	byGroup := make(map[signal.Group][]*signal.Input)
	for {
		in := f.q.dequeue()
		if in == nil {
			break
		}
		if in.Pin != nil {
			in.Pin.EnableInterrupt(true)
		}
		active := in.Settled()
		if active != in.Active {
			in.Active = active
			byGroup[in.Group] = append(byGroup[in.Group], in)
		}
	}
	handlers := make(map[signal.Group]func(changed []*signal.Input), len(byGroup))
	for g := range byGroup {
		handlers[g] = f.handlers[g]
	}
	f.mu.Unlock()
	for g, changed := range byGroup {
		if fn := handlers[g]; fn != nil {
			fn(changed)
		}
	}
}
