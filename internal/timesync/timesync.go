// Package timesync implements the ancillary time-sync component named in
// spec.md §2's "Ancillary" row and supplemented from
// original_source/cherrysim/test/TestTimeSync.cpp and inc/Node.h's
// globalTimeSec/appTimerDs fields: a monotonically increasing deci-second
// application timer and a best-effort wall-clock estimate derived from it,
// plus the node's current sync authority state ("tSync" in the original
// firmware's status command).
//
// A Clock never talks to the network itself — internal/node owns the
// TIME_SYNC_REQUEST/TIME_SYNC_RESPONSE wire exchange and calls into a Clock
// to apply what it learns, the same separation spec §4.1/§4.2's
// controllers keep from the radio that drives them.
package timesync

import "github.com/fruitymesh/core/internal/meshid"

// State mirrors the original firmware's tSync status values surfaced by its
// "status" terminal command.
type State uint8

const (
	StateUnsynced State = iota
	StateSyncing
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "tSync:0"
	case StateSyncing:
		return "tSync:1"
	case StateSynced:
		return "tSync:2"
	default:
		return "tSync:?"
	}
}

// Clock tracks appTimerDs (deciseconds since this process started) and a
// globalTimeSec estimate anchored to it. Neither field is safe for
// concurrent use; like the rest of this core, a Clock is only ever touched
// from the single TimerHandler/ControlMessageReceived event-loop thread.
type Clock struct {
	appTimerDs uint32

	baseAppTimerDs uint32
	baseGlobalSec  uint32

	state  State
	source meshid.NodeId

	// local is true once this node's own time has been set directly (the
	// "settime" terminal command, or a designated clock source); such a
	// node never accepts a remote correction, mirroring the original's
	// single-authority propagation (node 1 in TestTimeSync.cpp is always
	// the one whose time reaches every other node, never the reverse).
	local bool
}

// New returns a Clock that starts unsynced, matching every node's state
// before the first "settime"/TIME_SYNC_REQUEST (TestTimeSync.cpp asserts
// "tSync:0" for all nodes prior to that).
func New() *Clock {
	return &Clock{state: StateUnsynced}
}

// Tick advances the application timer by passedTimeDs, driven by the
// composition root's TimerEventHandler (SPEC_FULL §3).
func (c *Clock) Tick(passedTimeDs uint16) {
	c.appTimerDs += uint32(passedTimeDs)
}

// AppTimerDs returns the monotonic deciseconds elapsed since this Clock was
// created.
func (c *Clock) AppTimerDs() uint32 {
	return c.appTimerDs
}

// State reports the current sync authority state for the "status" terminal
// command.
func (c *Clock) State() State {
	return c.state
}

// GlobalTimeSec returns the best current wall-clock estimate, 0 while
// unsynced. Once synced it advances at one second per ten appTimerDs ticks
// from whatever base SetLocal/ApplyRemote last anchored.
func (c *Clock) GlobalTimeSec() uint32 {
	if c.state == StateUnsynced {
		return 0
	}
	elapsedSec := (c.appTimerDs - c.baseAppTimerDs) / 10
	return c.baseGlobalSec + elapsedSec
}

// SetLocal implements the original firmware's "settime <unixSec>
// <offsetSec>" terminal command: unixSec plus offsetSec becomes the new
// anchor, unless offsetSec is negative and larger in magnitude than
// unixSec itself, in which case the offset is ignored rather than
// underflowing (TestTimeSync.cpp's "Negative Offset ... smaller than
// timestamp" edge case). Once a node's time has been set this way it
// becomes this mesh branch's time source and will not accept a remote
// correction.
func (c *Clock) SetLocal(unixSec uint32, offsetSec int32, ownNodeId meshid.NodeId) {
	adjusted := unixSec
	if offsetSec < 0 && uint32(-offsetSec) > unixSec {
		// offset would underflow the timestamp: ignored, matching the
		// original's guard rather than wrapping to a huge uint32.
	} else if offsetSec < 0 {
		adjusted = unixSec - uint32(-offsetSec)
	} else {
		adjusted = unixSec + uint32(offsetSec)
	}

	c.baseGlobalSec = adjusted
	c.baseAppTimerDs = c.appTimerDs
	c.state = StateSynced
	c.source = ownNodeId
	c.local = true
}

// ApplyRemote applies a time correction heard from elsewhere in the mesh
// tree. It is a no-op, returning false, when this node is itself a time
// source (local == true): the original firmware never lets a propagated
// value override the node whose "settime" started the propagation. It
// otherwise always adopts the remote value and reports true, so the flood
// in internal/node can decide whether to keep rebroadcasting.
func (c *Clock) ApplyRemote(globalTimeSec uint32, source meshid.NodeId) bool {
	if c.local {
		return false
	}
	c.baseGlobalSec = globalTimeSec
	c.baseAppTimerDs = c.appTimerDs
	c.state = StateSynced
	c.source = source
	return true
}
