package node

import (
	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/timesync"
	"github.com/fruitymesh/core/internal/wire"
)

// noExcludeHandle is passed to broadcastTimeSync when the update originates
// locally rather than from an inbound mesh link: connmgr.Slot handles are
// assigned starting at 1, so 0 never matches a real slot and nothing is
// excluded from the broadcast.
const noExcludeHandle ble.ConnHandle = 0

// SetLocalTime implements the original firmware's "settime" terminal
// command (SPEC_FULL §4, original_source/cherrysim/test/TestTimeSync.cpp):
// it anchors this node's own global time estimate and makes it the time
// source for its branch of the mesh, then floods a TIME_SYNC_REQUEST to
// every established mesh link so the rest of the tree converges.
func (n *Node) SetLocalTime(unixSec uint32, offsetSec int32) {
	n.clockSync.SetLocal(unixSec, offsetSec, n.cfg.OwnNodeId)
	n.broadcastTimeSync(noExcludeHandle)
}

func (n *Node) broadcastTimeSync(excludeHandle ble.ConnHandle) {
	payload := wire.EncodeTimeSync(wire.TimeSyncPayload{
		GlobalTimeSec: n.clockSync.GlobalTimeSec(),
		Source:        n.cfg.OwnNodeId,
		SyncState:     uint8(n.clockSync.State()),
	})
	n.cm.SendControlMessage(excludeHandle, wire.MessageTypeTimeSyncRequest, payload, connmgr.LaneLow)
}

// handleTimeSyncRequest applies an inbound time correction and, unless
// this node is its own time source (ApplyRemote returns false), rebroadcasts
// the request to every other mesh link: the same exclude-the-arrival-link tree
// flood internal/node already uses for CLUSTER_INFO_UPDATE, since the mesh
// connection graph is a tree and this reaches every node exactly once.
func (n *Node) handleTimeSyncRequest(handle ble.ConnHandle, payload []byte) {
	p, err := wire.DecodeTimeSync(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed TIME_SYNC_REQUEST on handle %d: %v", handle, err)
		return
	}
	if !n.clockSync.ApplyRemote(p.GlobalTimeSec, p.Source) {
		return
	}
	n.broadcastTimeSync(handle)
}

// handleTimeSyncResponse exists for the TIME_SYNC_RESPONSE message type
// added alongside the request (SPEC_FULL §5): it is purely advisory
// diagnostics, since the request flood above already carries the one
// correction that matters, so receipt is only logged.
func (n *Node) handleTimeSyncResponse(handle ble.ConnHandle, payload []byte) {
	p, err := wire.DecodeTimeSync(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed TIME_SYNC_RESPONSE on handle %d: %v", handle, err)
		return
	}
	n.log.Info(errlog.InfoLifecycle, "node: TIME_SYNC_RESPONSE from node %d on handle %d, state %v", p.Source, handle, timesync.State(p.SyncState))
}
