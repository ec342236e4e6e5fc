package node

import (
	"context"
	"time"

	"github.com/fruitymesh/core/internal/advctrl"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/neighbor"
	"github.com/fruitymesh/core/internal/scanctrl"
	"github.com/fruitymesh/core/internal/wire"
)

// Discovery duty-cycle constants (spec §4.3's DISCOVERY_HIGH/DISCOVERY_LOW
// distinction): high duty cycle burns more power to find a first partner
// quickly after boot or after a link loss, low duty cycle backs off once
// NoNodesFoundThreshold consecutive decision ticks turn up nothing.
const (
	scanWindowHighDs, scanIntervalHighDs = 10, 10
	scanWindowLowDs, scanIntervalLowDs   = 3, 30

	joinMeIntervalHighDs uint16 = 5
	joinMeIntervalLowDs  uint16 = 20
)

// Start kicks discovery off; the composition root calls it once board and
// network configuration have finished loading (spec §6 Init).
func (n *Node) Start() {
	n.setState(StateDiscoveryHigh)
}

// runPartnerSelection implements spec §4.3's decision step: among the
// neighbors heard recently enough to still be live and not currently
// blacklisted, pick the best one (internal/neighbor.BestPartner already
// encodes the merge-winner-first, then-size, then-RSSI scoring rule,
// scored separately for a master and a slave candidate) and act on
// whichever of the three outcomes it returns.
func (n *Node) runPartnerSelection() {
	entries := n.neighbors.Entries()
	var candidates []neighbor.Entry
	for _, e := range entries {
		if n.isBlacklisted(e.Sender) {
			continue
		}
		candidates = append(candidates, e)
	}

	best, decision := neighbor.BestPartner(candidates, n.cm.FreeMeshInSlots() > 0, n.cfg.OwnNodeId, n.clusterId)
	if decision == neighbor.NoNodesFound {
		n.noNodesFoundCounter++
		if n.state == StateDiscoveryHigh && n.noNodesFoundCounter >= n.cfg.NoNodesFoundThreshold {
			n.setState(StateDiscoveryLow)
		}
		return
	}

	n.noNodesFoundCounter = 0
	if n.state == StateDiscoveryLow {
		n.setState(StateDiscoveryHigh)
	}

	if decision == neighbor.ConnectAsSlave {
		// The chosen neighbor has no free mesh-in slot of its own but
		// could still dial us, so the move is to keep advertising and
		// wait — not to dial out, and not to forget the candidate, since
		// it hasn't connected yet.
		return
	}

	n.connectToPartner(best)
}

// connectToPartner hands off to the ConnectionManager (spec §4.3's
// "Handshake hand-off"). If no outbound slot is free, it first tries to
// make room by dropping the worst existing mesh link rather than giving up
// the candidate outright; the disconnect is asynchronous, so this decision
// tick defers the actual OpenMeshConnection to the next one.
func (n *Node) connectToPartner(e neighbor.Entry) {
	if n.cm.FreeMeshOutSlots() <= 0 {
		n.maybeEmergencyDisconnect()
		return
	}
	if err := n.cm.OpenMeshConnection(context.Background(), e.Address, e.ClusterId, e.ClusterSize); err != nil {
		n.log.Warn(errlog.WarnGattWriteError, "node: OpenMeshConnection to node %d failed: %v", e.Sender, err)
		return
	}
	n.neighbors.Remove(e.Sender)
}

// maybeEmergencyDisconnect asks the least valuable existing mesh connection
// to validate that it can also free a slot before dropping it (spec §4.3:
// emergency disconnect happens "provided a validation round-trip confirms
// the partner can also free a slot"). The actual DisconnectMesh only fires
// once handleValidateFreeSlot sees an Accepted response; a timeout or a
// Rejected response leaves the link alone. Slots carry no RSSI, so "worst"
// is judged by subtree-size contribution alone rather than also weighing
// link quality.
func (n *Node) maybeEmergencyDisconnect() {
	slot, ok := n.worstMeshConnection()
	if !ok {
		return
	}
	if _, alreadyPending := n.pendingValidation[slot.Handle]; alreadyPending {
		return
	}
	payload := wire.EncodeValidateFreeSlot(wire.ValidateFreeSlotPayload{RequestedSlots: 1})
	if !n.cm.SendControlMessageTo(slot.Handle, wire.MessageTypeValidateFreeSlot, payload, connmgr.LaneHigh) {
		return
	}
	n.pendingValidation[slot.Handle] = n.cfg.ValidateFreeSlotTimeoutDs
}

func (n *Node) tickPendingValidation(passedTimeDs uint16) {
	for handle, remaining := range n.pendingValidation {
		if passedTimeDs >= remaining {
			delete(n.pendingValidation, handle)
		} else {
			n.pendingValidation[handle] = remaining - passedTimeDs
		}
	}
}

func (n *Node) worstMeshConnection() (connmgr.Slot, bool) {
	var worst connmgr.Slot
	found := false
	for _, s := range n.cm.Slots() {
		if s.State != connmgr.StateHandshakeDone {
			continue
		}
		if s.Category != connmgr.CategoryMeshIn && s.Category != connmgr.CategoryMeshOut {
			continue
		}
		if !found || n.subtreeSize[s.Handle] < n.subtreeSize[worst.Handle] {
			worst, found = s, true
		}
	}
	return worst, found
}

// blacklistPartner excludes sender from partner selection for ds
// deciseconds. Applied on every lost mesh connection with a known
// partner id, not only ones that timed out mid-handshake, since
// connmgr.NodeCallbacks doesn't distinguish the two; this is the blunter
// of the two blacklisting policies spec §4.3 could mean but keeps the
// seam between connmgr and node to the single MeshConnectionLost signal.
func (n *Node) blacklistPartner(id meshid.NodeId, ds uint16) {
	if id == meshid.NodeIdInvalid || ds == 0 {
		return
	}
	n.blacklist[id] = ds
}

func (n *Node) isBlacklisted(id meshid.NodeId) bool {
	_, ok := n.blacklist[id]
	return ok
}

func (n *Node) tickBlacklist(passedTimeDs uint16) {
	for id, remaining := range n.blacklist {
		if passedTimeDs >= remaining {
			delete(n.blacklist, id)
		} else {
			n.blacklist[id] = remaining - passedTimeDs
		}
	}
}

// setState transitions the discovery state machine and reprograms the
// radio jobs that belong to the new state.
func (n *Node) setState(s State) {
	if n.state == s {
		return
	}
	n.state = s
	switch s {
	case StateDiscoveryHigh:
		n.bridge.SetAdvInterval(advIntervalHighMs * time.Millisecond)
		n.reprogramScan(scanWindowHighDs, scanIntervalHighDs)
		n.reprogramAdv(joinMeIntervalHighDs)
	case StateDiscoveryLow:
		n.bridge.SetAdvInterval(advIntervalLowMs * time.Millisecond)
		n.reprogramScan(scanWindowLowDs, scanIntervalLowDs)
		n.reprogramAdv(joinMeIntervalLowDs)
	case StateDiscoveryOff:
		n.stopDiscoveryJobs()
	case StateReestablishing:
		// Per-connection bookkeeping already lives in internal/connmgr
		// (the slot's own Reestablishing state and retry timer); this
		// node-level mirror only suspends partner-selection decisions
		// (TimerHandler gates on StateDiscoveryHigh/Low) while a rebuild is
		// in flight, and leaves the radio jobs programmed as they were.
	}
}

// reprogramScan removes and re-adds the Node's own scan job rather than
// updating it in place: internal/scanctrl (unlike internal/advctrl) has no
// in-place interval-update primitive, since a physical radio's duty cycle
// is normally programmed once and left alone.
func (n *Node) reprogramScan(windowDs, intervalDs uint16) {
	if n.scanJobId != 0 {
		_ = n.scanCtrl.RemoveJob(n.scanJobId)
	}
	n.scanJobId = n.scanCtrl.AddJob(windowDs, intervalDs)
}

func (n *Node) reprogramAdv(intervalDs uint16) {
	payload := n.buildJoinMePayload()
	if n.joinMeJobId != 0 {
		_ = n.advCtrl.RemoveJob(n.joinMeJobId)
		n.joinMeJobId = 0
	}
	id, err := n.advCtrl.AddJob(advctrl.JobTypeScheduled, payload, intervalDs)
	if err != nil {
		n.log.Warn(errlog.WarnAdvertisingControllerDeactivateFailed, "node: could not schedule JOIN_ME advertising job: %v", err)
		return
	}
	n.joinMeJobId = id
}

func (n *Node) stopDiscoveryJobs() {
	if n.scanJobId != 0 {
		_ = n.scanCtrl.RemoveJob(n.scanJobId)
		n.scanJobId = 0
	}
	if n.joinMeJobId != 0 {
		_ = n.advCtrl.RemoveJob(n.joinMeJobId)
		n.joinMeJobId = 0
	}
}

var _ scanctrl.RadioControl = (*radioBridge)(nil)
