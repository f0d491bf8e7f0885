// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync/atomic"
	"time"
)

// State represents the client connection state.
type State uint32

// Client states.
const (
	StateOnline State = iota
	StateOffline
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// connState is the connectivity view of the dispatch loop. Only the loop
// writes it; anything may read it.
type connState struct {
	state     uint32
	lastProbe atomic.Int64 // unix nanoseconds, 0 before the first probe
}

// newConnState starts online so the first cycle dispatches without waiting
// for a probe.
func newConnState() *connState {
	return &connState{state: uint32(StateOnline)}
}

// get returns the current state.
func (cs *connState) get() State {
	return State(atomic.LoadUint32(&cs.state))
}

// isConnected returns true if the last probe or delivery succeeded.
func (cs *connState) isConnected() bool {
	return cs.get() == StateOnline
}

// set stores the state and reports whether it changed.
func (cs *connState) set(s State) bool {
	return State(atomic.SwapUint32(&cs.state, uint32(s))) != s
}

// probed records the time of a probe.
func (cs *connState) probed(at time.Time) {
	cs.lastProbe.Store(at.UnixNano())
}

// lastProbeAt returns the time of the last probe, or the zero time.
func (cs *connState) lastProbeAt() time.Time {
	ns := cs.lastProbe.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// probeDue reports whether a new probe should run at now.
func (cs *connState) probeDue(now time.Time, every time.Duration) bool {
	last := cs.lastProbe.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= every
}
