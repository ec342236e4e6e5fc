package node

import (
	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/handshake"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/wire"
)

// HandshakeDone implements connmgr.NodeCallbacks. A completed handshake is
// a cluster merge (spec §4.3/§4.4): the new link's partner cluster folds
// into ours, clusterId becomes whichever side's id is numerically larger
// (already decided by the handshake FSM and carried in result.ClusterId),
// and the size/hopsToSink deltas propagate to every other mesh link (spec
// §4.6).
func (n *Node) HandshakeDone(handle ble.ConnHandle, partner meshid.NodeId, result handshake.DoneResult) {
	oldClusterId := n.clusterId
	n.clusterId = result.ClusterId

	// result.ClusterSize is already the full merged total (Own+Peer, per
	// handshake.go's pendingMergedSize and CLUSTER_ACK_2's echoed field),
	// not the partner's standalone size, so it replaces our own count
	// rather than adding to it. The partner-only contribution is the
	// delta between the two, and that delta is what subtreeSize tracks
	// and what gets flooded onward (spec §4.6: deltas, not absolutes).
	partnerDelta := result.ClusterSize - n.clusterSize
	n.subtreeSize[handle] = partnerDelta
	n.clusterSize = result.ClusterSize

	n.neighborHops[handle] = result.PeerHopsToSink
	n.recomputeHopsToSink()

	n.log.Count(errlog.CountHandshakeDone)
	n.emitClusterInfoUpdate(oldClusterId, handle, partnerDelta)
	n.refreshJoinMePayload()

	if n.state == StateDiscoveryLow || n.state == StateDiscoveryHigh {
		n.noNodesFoundCounter = 0
		n.setState(StateDiscoveryHigh)
	}
}

// MeshConnectionLost implements connmgr.NodeCallbacks: the reverse of
// HandshakeDone. The subtree that was reachable only through handle is no
// longer ours, so its contribution is subtracted and re-propagated the
// same way a merge's gain is, and the partner is blacklisted for
// BlacklistDs so the next decision tick doesn't immediately redial a link
// that likely just failed for a structural reason (handshake timeout,
// bad NetworkId, or a deliberate emergency disconnect) rather than a
// transient radio blip.
func (n *Node) MeshConnectionLost(handle ble.ConnHandle, partner meshid.NodeId) {
	lost := n.subtreeSize[handle]
	if lost == 0 {
		lost = 1
	}
	delete(n.subtreeSize, handle)
	delete(n.neighborHops, handle)

	oldClusterId := n.clusterId
	n.clusterSize -= lost
	if n.clusterSize < 1 {
		n.clusterSize = 1
	}
	n.recomputeHopsToSink()

	n.blacklistPartner(partner, n.cfg.BlacklistDs)
	n.emitClusterInfoUpdate(oldClusterId, handle, -lost)
	n.refreshJoinMePayload()
}

// recomputeHopsToSink derives the Node's distance to the nearest sink as
// min(neighbor.hopsToSink)+1 across every established mesh link (spec
// §4.6), unless this Node is itself a gateway, which is always zero hops
// from a sink by definition.
func (n *Node) recomputeHopsToSink() {
	if n.cfg.DeviceType == meshid.DeviceTypeGateway {
		n.hopsToSink = 0
		return
	}
	best := NoSinkHops
	for _, hops := range n.neighborHops {
		if hops+1 < best {
			best = hops + 1
		}
	}
	n.hopsToSink = best
}

// emitClusterInfoUpdate broadcasts the delta that just changed our own
// cluster view to every mesh link except excludeHandle (normally the link
// the change came from or was just lost), per spec §4.6: deltas, not
// absolutes, so that concurrent updates from different branches of the
// tree commute instead of clobbering each other.
func (n *Node) emitClusterInfoUpdate(oldClusterId meshid.ClusterId, excludeHandle ble.ConnHandle, sizeDelta meshid.ClusterSize) {
	payload := wire.EncodeClusterInfoUpdate(wire.ClusterInfoUpdatePayload{
		CurrentClusterId:  oldClusterId,
		NewClusterId:      n.clusterId,
		ClusterSizeChange: sizeDelta,
		HopsToSink:        n.hopsToSink,
	})
	n.cm.SendControlMessage(excludeHandle, wire.MessageTypeClusterInfoUpd, payload, connmgr.LaneHigh)
}

// ControlMessageReceived implements connmgr.NodeCallbacks, routing a
// post-handshake core control message to the handler that owns its
// semantics.
func (n *Node) ControlMessageReceived(handle ble.ConnHandle, header wire.ConnPacketHeader, payload []byte) {
	switch header.MessageType {
	case wire.MessageTypeClusterInfoUpd:
		n.handleClusterInfoUpdate(handle, payload)
	case wire.MessageTypeValidateFreeSlot:
		n.handleValidateFreeSlot(handle, payload)
	case wire.MessageTypeTimeSyncRequest:
		n.handleTimeSyncRequest(handle, payload)
	case wire.MessageTypeTimeSyncResponse:
		n.handleTimeSyncResponse(handle, payload)
	case wire.MessageTypeAdvInfo:
		n.handleAdvInfo(payload)
	default:
		n.log.Warn(errlog.WarnClusterUpdateFlowMismatch, "node: unexpected control message type %d on handle %d", header.MessageType, handle)
	}
}

// handleClusterInfoUpdate applies an inbound delta and rebroadcasts it to
// every other mesh link, implementing the tree-wide flood of spec §4.6.
// Because the mesh's connection graph is kept a tree (no cycles), flooding
// "to every link but the one it arrived on" reaches every node exactly
// once and never loops.
func (n *Node) handleClusterInfoUpdate(handle ble.ConnHandle, payload []byte) {
	upd, err := wire.DecodeClusterInfoUpdate(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed CLUSTER_INFO_UPDATE on handle %d: %v", handle, err)
		return
	}
	if upd.CurrentClusterId != n.clusterId {
		// A merge elsewhere in the tree already moved us to a different
		// clusterId than the one this delta was computed against; spec
		// §4.6 has the sender that started a merge re-derive and resend
		// once its own ack completes, so the safe move here is to drop
		// the stale delta rather than apply it against the wrong base.
		n.log.Warn(errlog.WarnClusterUpdateFlowMismatch, "node: CLUSTER_INFO_UPDATE for clusterId %d on handle %d, but we are now %d", upd.CurrentClusterId, handle, n.clusterId)
		return
	}

	oldClusterId := n.clusterId
	n.clusterId = upd.NewClusterId
	n.clusterSize += upd.ClusterSizeChange
	if n.clusterSize < 1 {
		n.clusterSize = 1
	}
	n.subtreeSize[handle] += upd.ClusterSizeChange
	n.neighborHops[handle] = upd.HopsToSink
	n.recomputeHopsToSink()

	n.emitClusterInfoUpdate(oldClusterId, handle, upd.ClusterSizeChange)
	n.refreshJoinMePayload()
}

// handleValidateFreeSlot is the emergency-disconnect admission probe
// (message type 54, spec §4.3): before dropping a mesh link to make room
// for a better-scoring partner, a node asks the partner on that link
// whether it can also free a slot. A request gets an immediate
// Accepted/Rejected reply based on our own free in-slot count; a response
// completes the round-trip that maybeEmergencyDisconnect is waiting on.
func (n *Node) handleValidateFreeSlot(handle ble.ConnHandle, payload []byte) {
	req, err := wire.DecodeValidateFreeSlot(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed VALIDATE_FREE_SLOT on handle %d: %v", handle, err)
		return
	}
	if req.IsResponse {
		n.handleValidateFreeSlotResponse(handle, req)
		return
	}

	accepted := n.cm.FreeMeshInSlots() > 0
	n.log.Info(errlog.InfoLifecycle, "node: VALIDATE_FREE_SLOT request on handle %d, accepted=%v", handle, accepted)
	resp := wire.EncodeValidateFreeSlot(wire.ValidateFreeSlotPayload{IsResponse: true, Accepted: accepted})
	n.cm.SendControlMessageTo(handle, wire.MessageTypeValidateFreeSlot, resp, connmgr.LaneHigh)
}

// handleValidateFreeSlotResponse completes maybeEmergencyDisconnect's
// round-trip: only an Accepted response still being waited on actually
// drops the link; a stray or late response, or a Rejected one, leaves the
// connection alone.
func (n *Node) handleValidateFreeSlotResponse(handle ble.ConnHandle, resp wire.ValidateFreeSlotPayload) {
	if _, ok := n.pendingValidation[handle]; !ok {
		return
	}
	delete(n.pendingValidation, handle)
	if !resp.Accepted {
		return
	}
	if err := n.cm.DisconnectMesh(handle); err != nil {
		n.log.Warn(errlog.WarnGattWriteError, "node: emergency disconnect of handle %d failed: %v", handle, err)
	}
}

// handleAdvInfo relays a neighbor's raw advertisement sighting on to
// modules when ADVINFO relay is enabled (SPEC_FULL §4): a node deep in the
// mesh tree can learn about asset advertisements a module elsewhere wants
// visibility into without it needing its own radio in range.
func (n *Node) handleAdvInfo(payload []byte) {
	if !n.advInfoRelayEnabled {
		return
	}
	info, err := wire.DecodeAdvInfo(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed ADVINFO: %v", err)
		return
	}
	addr := meshid.GapAddr{Bytes: info.Address}
	n.modules.BroadcastAdvertisementReport(addr, info.Rssi, nil)
}
