// Package node implements the discovery and cluster-state state machine of
// spec §4.3 ("Node") together with the cluster-state propagation protocol
// of spec §4.6: it decides when to advertise and scan, scores candidate
// partners from the JOIN_ME neighbor table, hands off to
// internal/connmgr/internal/handshake to form a link, and keeps the local
// clusterId/clusterSize/hopsToSink view converged as CLUSTER_INFO_UPDATE
// deltas flow across the mesh tree.
//
// Node implements connmgr.NodeCallbacks so internal/connmgr can drive it
// without importing this package (spec §9's "cyclic references" note):
// the composition root constructs a Node first, then a connmgr.Manager
// with that Node as its NodeCallbacks, then calls Node.SetConnManager with
// the result, closing the loop without either package importing the other
// both ways.
package node

import (
	"time"

	"github.com/fruitymesh/core/internal/advctrl"
	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/module"
	"github.com/fruitymesh/core/internal/neighbor"
	"github.com/fruitymesh/core/internal/rng"
	"github.com/fruitymesh/core/internal/scanctrl"
	"github.com/fruitymesh/core/internal/stats"
	"github.com/fruitymesh/core/internal/timesync"
	"github.com/fruitymesh/core/internal/wire"
)

// State is the Node's own discovery/handshake state, spec §4.3.
type State uint8

const (
	StateBootup State = iota
	StateDiscoveryHigh
	StateDiscoveryLow
	StateDiscoveryOff
	StateHandshake
	StateReestablishing
)

func (s State) String() string {
	switch s {
	case StateBootup:
		return "BOOTUP"
	case StateDiscoveryHigh:
		return "DISCOVERY_HIGH"
	case StateDiscoveryLow:
		return "DISCOVERY_LOW"
	case StateDiscoveryOff:
		return "DISCOVERY_OFF"
	case StateHandshake:
		return "HANDSHAKE"
	case StateReestablishing:
		return "REESTABLISHING"
	default:
		return "UNKNOWN"
	}
}

// NoSinkHops is the sentinel hopsToSink value a node reports before any
// path toward a sink is known.
const NoSinkHops int16 = 1000

// Config carries the identity and timing constants a Node needs beyond
// what internal/connmgr already owns directly (spec §4.3, §6, §9).
type Config struct {
	OwnNodeId  meshid.NodeId
	NetworkId  meshid.NetworkId
	DeviceType meshid.DeviceType
	DBmTx      int8

	// RestartCounter seeds ClusterId generation (spec §4.3): persisted by
	// internal/storage and supplied fresh at every boot.
	RestartCounter uint16

	DiscoveryDecisionDs   uint16
	NoNodesFoundThreshold uint16

	// BlacklistDs bounds how long a partner that failed a handshake is
	// excluded from partner selection; spec §9(b) pins this to
	// 2*HANDSHAKE_TIMEOUT_DS.
	BlacklistDs uint16

	// ValidateFreeSlotTimeoutDs bounds how long maybeEmergencyDisconnect
	// waits for a VALIDATE_FREE_SLOT response before giving up on the
	// round-trip (spec §4.3's "provided a validation round-trip confirms
	// the partner can also free a slot").
	ValidateFreeSlotTimeoutDs uint16

	// BatteryReader reports the JOIN_ME batteryRuntime field (0-100); nil
	// falls back to a fixed 100% estimate.
	BatteryReader func() uint8
}

// Node is the discovery/cluster state machine of spec §4.3/§4.6.
type Node struct {
	cfg   Config
	clock func() time.Time

	clusterId   meshid.ClusterId
	clusterSize meshid.ClusterSize
	hopsToSink  int16
	ackField    meshid.ClusterId

	state                State
	preReestablishState  State
	reestablishingCount  int
	noNodesFoundCounter  uint16
	decisionElapsedDs    uint16

	neighbors *neighbor.Table
	blacklist map[meshid.NodeId]uint16

	// pendingValidation tracks VALIDATE_FREE_SLOT requests this node has
	// sent and is still waiting on, keyed by the handle the request went
	// out on, with the remaining deciseconds before the round-trip is
	// abandoned (spec §4.3's emergency-disconnect gate).
	pendingValidation map[ble.ConnHandle]uint16

	// subtreeSize and neighborHops track, per mesh link, the last-known
	// contribution to our own clusterSize and hopsToSink respectively —
	// the bookkeeping spec §4.6 needs to emit a correctly-signed delta
	// when that link is later lost, and to recompute hopsToSink as
	// "min over neighbors (neighbor.hopsToSink + 1)".
	subtreeSize  map[ble.ConnHandle]meshid.ClusterSize
	neighborHops map[ble.ConnHandle]int16

	bridge      *radioBridge
	advCtrl     *advctrl.Controller
	scanCtrl    *scanctrl.Controller
	joinMeJobId advctrl.JobId
	scanJobId   scanctrl.JobId

	cm *connmgr.Manager

	modules *module.Registry
	log     *errlog.Log
	stats   *stats.Table
	rng     *rng.Source

	advInfoRelayEnabled bool

	clockSync *timesync.Clock
}

// New constructs a Node. SetConnManager must be called before Start or any
// connmgr.NodeCallbacks method fires, since the ConnectionManager and Node
// are mutually referential and must be wired up in two steps.
func New(adapter ble.GapAdapter, cfg Config, modules *module.Registry, log *errlog.Log, statsTable *stats.Table, rngSrc *rng.Source, clock func() time.Time) *Node {
	if clock == nil {
		clock = time.Now
	}
	hops := NoSinkHops
	if cfg.DeviceType == meshid.DeviceTypeGateway {
		hops = 0
	}

	bridge := &radioBridge{adapter: adapter}
	n := &Node{
		cfg:          cfg,
		clock:        clock,
		clusterId:    meshid.NewClusterId(cfg.OwnNodeId, cfg.RestartCounter),
		clusterSize:  1,
		hopsToSink:   hops,
		state:        StateBootup,
		neighbors:    neighbor.NewTable(clock),
		blacklist:    make(map[meshid.NodeId]uint16),
		pendingValidation: make(map[ble.ConnHandle]uint16),
		subtreeSize:  make(map[ble.ConnHandle]meshid.ClusterSize),
		neighborHops: make(map[ble.ConnHandle]int16),
		bridge:       bridge,
		advCtrl:      advctrl.NewController(bridge),
		scanCtrl:     scanctrl.NewController(bridge),
		modules:      modules,
		log:          log,
		stats:        statsTable,
		rng:          rngSrc,
		clockSync:    timesync.New(),
	}
	return n
}

// SetConnManager installs the ConnectionManager this Node drives. It must
// be called exactly once, after the Manager has been constructed with this
// Node as its NodeCallbacks.
func (n *Node) SetConnManager(cm *connmgr.Manager) {
	n.cm = cm
}

// EnableAdvInfoRelay turns on the optional ADVINFO relay hook (SPEC_FULL
// §4), off by default since scanning-for-assets itself is out of this
// core's scope.
func (n *Node) EnableAdvInfoRelay() {
	n.advInfoRelayEnabled = true
}

// ClusterId, ClusterSize, HopsToSink, and DiscoveryState expose the Node's
// current view for modules, terminal commands, and tests.
func (n *Node) ClusterId() meshid.ClusterId     { return n.clusterId }
func (n *Node) ClusterSize() meshid.ClusterSize { return n.clusterSize }
func (n *Node) HopsToSink() int16               { return n.hopsToSink }
func (n *Node) DiscoveryState() State           { return n.state }
func (n *Node) NoNodesFoundCounter() uint16     { return n.noNodesFoundCounter }

// TimeSyncState and GlobalTimeSec expose the node's time-sync view for the
// "status" and "gettime" terminal commands (SPEC_FULL §4).
func (n *Node) TimeSyncState() timesync.State { return n.clockSync.State() }
func (n *Node) GlobalTimeSec() uint32         { return n.clockSync.GlobalTimeSec() }

// ClusterSnapshot implements connmgr.NodeCallbacks: the Node's current
// cluster identity, read fresh whenever a handshake needs to seed or echo
// it.
func (n *Node) ClusterSnapshot() connmgr.ClusterSnapshot {
	return connmgr.ClusterSnapshot{
		ClusterId:   n.clusterId,
		ClusterSize: n.clusterSize,
		HopsToSink:  n.hopsToSink,
	}
}

// MeshConnectionChanged implements connmgr.NodeCallbacks, fanning the
// state transition out to every registered module (spec §4.7
// MeshConnectionChangedHandler) and mirroring a Reestablishing/rebuilt
// connection into the Node's own discovery state machine (spec §4.3 lists
// REESTABLISHING as one of the Node's own states, a connection event from
// the ConnectionManager being one of its triggers).
func (n *Node) MeshConnectionChanged(handle ble.ConnHandle, state connmgr.State) {
	switch state {
	case connmgr.StateReestablishing:
		n.reestablishingCount++
		if n.state != StateReestablishing {
			n.preReestablishState = n.state
			n.setState(StateReestablishing)
		}
	case connmgr.StateHandshakeDone:
		if n.reestablishingCount > 0 {
			n.reestablishingCount--
			if n.reestablishingCount == 0 && n.state == StateReestablishing {
				n.setState(n.preReestablishState)
			}
		}
	}
	n.modules.BroadcastConnectionChanged(uint16(handle))
}

// ModuleMessageReceived implements connmgr.NodeCallbacks: a reassembled
// DATA_1 payload is a module.ActionMessage envelope (spec §4.7). raw is
// already stripped of its ConnPacketHeader by internal/connmgr, so the
// header attached to the decoded ActionMessage is reconstructed here
// purely for the module's own bookkeeping.
func (n *Node) ModuleMessageReceived(fromSender meshid.NodeId, raw []byte) {
	header := wire.ConnPacketHeader{MessageType: wire.MessageTypeData1, Sender: fromSender, Receiver: n.cfg.OwnNodeId}
	msg, err := module.DecodeActionMessage(header, raw)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed module action message from %d: %v", fromSender, err)
		return
	}
	n.modules.Dispatch(fromSender, msg)
}

// TimerHandler advances discovery timing and every owned sub-controller by
// passedTimeDs, the composition root's ~100ms tick (spec §6 "Process-level
// contract").
func (n *Node) TimerHandler(passedTimeDs uint16) {
	n.advCtrl.TimerHandler(passedTimeDs)
	n.scanCtrl.TimerHandler(passedTimeDs)
	n.tickBlacklist(passedTimeDs)
	n.tickPendingValidation(passedTimeDs)
	n.clockSync.Tick(passedTimeDs)

	if n.state != StateDiscoveryHigh && n.state != StateDiscoveryLow {
		return
	}

	n.decisionElapsedDs += passedTimeDs
	if n.decisionElapsedDs < n.cfg.DiscoveryDecisionDs {
		return
	}
	n.decisionElapsedDs = 0
	n.runPartnerSelection()
}
