// Package connmgr implements the connection manager of spec §4.5: it owns
// every BLE link in a fixed-capacity slot pool, classifies inbound
// connections with a short resolver dialogue, drives the per-connection
// mesh handshake, serializes each link's send queue under flow control,
// and reassembles MTU-fragmented messages. It is the arena the design note
// in spec §9 asks for ("the ConnectionManager holds a Vec of slots and
// exposes ConnectionHandle(index, generation)"): slots are addressed by
// ble.ConnHandle and never store an owning reference back to the Node —
// internal/node drives connmgr through the NodeCallbacks interface instead,
// which keeps the two packages from importing each other.
package connmgr

import (
	"context"
	"errors"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/handshake"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/stats"
	"github.com/fruitymesh/core/internal/wire"
)

// AttHeaderSize is subtracted from the negotiated MTU to get the usable
// per-write payload, per spec §4.5/§6 ("ATT_HEADER_SIZE=3").
const AttHeaderSize = 3

// discriminator values are the resolver dialogue's 4-bit connection-type
// tag (spec §4.5): the very first byte a newly connected master writes.
const (
	discriminatorMesh uint8 = 0x1
	discriminatorApp  uint8 = 0x2
)

// Category partitions the slot pool the way spec §3's PoolSizes does.
// ResolverIn is not one of the four named pools; it borrows the combined
// MeshIn+AppIn budget until the resolver dialogue classifies it.
type Category uint8

const (
	CategoryMeshOut Category = iota
	CategoryMeshIn
	CategoryAppOut
	CategoryAppIn
	CategoryResolverIn
)

// State is a Connection's lifecycle state, strictly monotone per spec §3
// until disconnection: Disconnected -> Connecting -> Connected ->
// Handshaking -> HandshakeDone (-> Reestablishing) -> Disconnected.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateHandshakeDone
	StateReestablishing
)

var (
	ErrSlotTableFull  = errors.New("connmgr: no free slot in the requested pool")
	ErrUnknownHandle  = errors.New("connmgr: no slot for that connection handle")
	ErrNotMeshOrGone  = errors.New("connmgr: connection is not an established mesh connection")
)

// maxReliableRetries bounds how many times a reliable write is reissued
// before the link is considered lost, per spec §4.5 ("retried up to 3
// times ... beyond that the connection is considered lost").
const maxReliableRetries = 3

// reestablishRetryIntervalDs is how often a Reestablishing central-role
// slot redials its partner address (spec §4.5 disconnection step 2,
// "schedules a rescan for the same partner address").
const reestablishRetryIntervalDs uint16 = 10

// Slot is one entry in the fixed-capacity connection pool: the tagged
// variant spec §9 asks for in place of BaseConnection/MeshConnection/
// ResolverConnection inheritance. Shared bookkeeping (send queue,
// reassembly, credits) lives directly on the slot; Category/State say
// which variant-specific fields are meaningful right now.
type Slot struct {
	Handle   ble.ConnHandle
	Category Category
	State    State
	Role     ble.Role
	PeerAddr meshid.GapAddr
	mtu      uint16

	resolverElapsedDs uint16

	fsm                *handshake.FSM
	handshakeElapsedDs uint16
	PartnerId          meshid.NodeId
	PartnerClusterId   meshid.ClusterId
	PartnerClusterSize meshid.ClusterSize
	HopsToSink         int16
	MasterBit          uint8

	queue            sendQueue
	reassembly       *wire.Reassembler
	inFlight         []byte   // the fragment currently written and awaiting TxComplete
	pendingFragments [][]byte // remaining fragments of the record inFlight belongs to
	inFlightReliable bool
	reliableRetries  int

	// reestablishTimeoutDs counts down the remaining reestablish window;
	// TimerHandler decrements it directly rather than tracking an elapsed
	// timestamp, unlike handshakeElapsedDs, which counts up toward
	// HandshakeTimeoutDs.
	reestablishTimeoutDs uint32

	// reestablishRetryElapsedDs paces how often a central-role slot redials
	// its partner address while Reestablishing, so a still-unreachable
	// partner doesn't get hammered with a Connect attempt on every tick.
	reestablishRetryElapsedDs uint16

	// peerKnownClusterId/Size seed the central side's handshake.Config;
	// the Node supplies these from the neighbor table entry that drove
	// OpenMeshConnection, since spec §4.3 decides the merge before the
	// link even exists.
	peerKnownClusterId   meshid.ClusterId
	peerKnownClusterSize meshid.ClusterSize
}

// ClusterSnapshot is the Node's current view of its own cluster identity,
// read fresh every time a handshake starts or a control message needs it.
type ClusterSnapshot struct {
	ClusterId   meshid.ClusterId
	ClusterSize meshid.ClusterSize
	HopsToSink  int16
}

// NodeCallbacks is the seam connmgr uses to reach back into internal/node
// without importing it, avoiding the cycle node->connmgr->node. Node
// constructs a Manager and passes itself (or an adapter) as this interface.
type NodeCallbacks interface {
	// ClusterSnapshot returns the Node's current cluster identity, read
	// whenever a handshake needs to seed or echo it.
	ClusterSnapshot() ClusterSnapshot

	// HandshakeDone fires once a MeshConnection completes its handshake
	// (fresh or reestablished). The Node updates its own cluster state and
	// decides what CLUSTER_INFO_UPDATE deltas to emit.
	HandshakeDone(handle ble.ConnHandle, partner meshid.NodeId, result handshake.DoneResult)

	// MeshConnectionChanged fires on every slot state transition for a
	// mesh connection (new link, handshake, reestablish, final teardown),
	// mirroring spec §4.7's MeshConnectionChangedHandler module hook.
	MeshConnectionChanged(handle ble.ConnHandle, state State)

	// MeshConnectionLost fires once a mesh connection is torn down for
	// good (not entering Reestablishing), so the Node can kick off a fresh
	// discovery pass per spec §4.5 step 3.
	MeshConnectionLost(handle ble.ConnHandle, partner meshid.NodeId)

	// ControlMessageReceived delivers a post-handshake core control
	// message (CLUSTER_INFO_UPDATE, ADVINFO, VALIDATE_FREE_SLOT) that
	// internal/node owns the semantics of.
	ControlMessageReceived(handle ble.ConnHandle, header wire.ConnPacketHeader, payload []byte)

	// ModuleMessageReceived delivers a reassembled DATA_1 payload for
	// internal/module to dispatch.
	ModuleMessageReceived(fromSender meshid.NodeId, raw []byte)

	// AdvertisementReceived delivers a raw advertisement report, connection
	// independent, so internal/node can parse JOIN_ME traffic into its
	// neighbor table and forward non-mesh reports to modules via
	// GapAdvertisementReportEventHandler.
	AdvertisementReceived(peerAddr meshid.GapAddr, rssi int8, advPacket []byte)
}

// Config sizes the slot pool and the timing constants connmgr owns
// directly (board-config values, spec §5/§6).
type Config struct {
	OwnNodeId  meshid.NodeId
	NetworkKey [16]byte

	MeshInCap  int
	MeshOutCap int
	AppInCap   int
	AppOutCap  int

	HandshakeTimeoutDs    uint16
	ResolverTimeoutDs     uint16
	ReestablishTimeoutSec uint16

	Log   *errlog.Log
	Stats *stats.Table
}

// Manager is the connection manager of spec §4.5.
type Manager struct {
	adapter ble.GapAdapter
	gatt    ble.GattController
	cb      NodeCallbacks
	cfg     Config

	slots []*Slot

	pendingOutbound map[meshid.GapAddr]*Slot

	// pendingReestablish maps a Reestablishing slot's partner address back
	// to that same slot, so the next EventConnected for that address (from
	// either side redialing) restores the existing slot instead of
	// allocating a new one and rerunning the handshake (spec §4.5
	// disconnection step 2 / scenario S5).
	pendingReestablish map[meshid.GapAddr]*Slot
}

// NewManager constructs a Manager with a slot pool sized from cfg, and
// installs itself as adapter's event sink.
func NewManager(adapter ble.GapAdapter, gatt ble.GattController, cb NodeCallbacks, cfg Config) *Manager {
	total := cfg.MeshInCap + cfg.MeshOutCap + cfg.AppInCap + cfg.AppOutCap
	m := &Manager{
		adapter:            adapter,
		gatt:               gatt,
		cb:                 cb,
		cfg:                cfg,
		slots:              make([]*Slot, total),
		pendingOutbound:    make(map[meshid.GapAddr]*Slot),
		pendingReestablish: make(map[meshid.GapAddr]*Slot),
	}
	adapter.SetSink(eventSinkFunc(m.BleEventHandler))
	return m
}

// eventSinkFunc adapts a plain function to ble.EventSink.
type eventSinkFunc func(ble.Event)

func (f eventSinkFunc) Push(ev ble.Event) { f(ev) }

func (m *Manager) capFor(cat Category) int {
	switch cat {
	case CategoryMeshOut:
		return m.cfg.MeshOutCap
	case CategoryMeshIn, CategoryResolverIn:
		return m.cfg.MeshInCap + m.cfg.AppInCap
	case CategoryAppOut:
		return m.cfg.AppOutCap
	case CategoryAppIn:
		return m.cfg.AppInCap
	}
	return 0
}

// countCategory counts slots tagged exactly cat. Callers needing the
// combined inbound budget (MeshIn/AppIn/ResolverIn all draw from the same
// pool) use countInbound instead.
func (m *Manager) countCategory(cat Category) int {
	n := 0
	for _, s := range m.slots {
		if s != nil && s.Category == cat {
			n++
		}
	}
	return n
}

// countInbound counts every slot drawn from the combined MeshIn+AppIn
// budget, regardless of which side of the resolver dialogue it has
// reached.
func countInbound(slots []*Slot) int {
	n := 0
	for _, s := range slots {
		if s == nil {
			continue
		}
		if s.Category == CategoryMeshIn || s.Category == CategoryAppIn || s.Category == CategoryResolverIn {
			n++
		}
	}
	return n
}

func (m *Manager) allocSlot(cat Category) (*Slot, error) {
	budget := m.capFor(cat)
	used := 0
	if cat == CategoryMeshIn || cat == CategoryAppIn || cat == CategoryResolverIn {
		used = countInbound(m.slots)
	} else {
		used = m.countCategory(cat)
	}
	if used >= budget {
		return nil, ErrSlotTableFull
	}
	for i, s := range m.slots {
		if s == nil {
			slot := &Slot{Category: cat, State: StateDisconnected}
			m.slots[i] = slot
			return slot, nil
		}
	}
	return nil, ErrSlotTableFull
}

func (m *Manager) findByHandle(h ble.ConnHandle) *Slot {
	for _, s := range m.slots {
		if s != nil && s.Handle == h && s.State != StateDisconnected {
			return s
		}
	}
	return nil
}

func (m *Manager) freeSlot(s *Slot) {
	for i, cur := range m.slots {
		if cur == s {
			m.slots[i] = nil
			return
		}
	}
}

// OpenMeshConnection asks the adapter to dial addr as a mesh central (spec
// §4.3's "Handshake hand-off": "the Node asks the ConnectionManager to
// open a MeshConnection to the chosen partner"). peerClusterId/Size are
// the partner's last-advertised values from the neighbor table, needed to
// precompute the merge winner before the link exists.
func (m *Manager) OpenMeshConnection(ctx context.Context, addr meshid.GapAddr, peerClusterId meshid.ClusterId, peerClusterSize meshid.ClusterSize) error {
	slot, err := m.allocSlot(CategoryMeshOut)
	if err != nil {
		return err
	}
	slot.PeerAddr = addr
	slot.State = StateConnecting
	slot.Role = ble.RoleCentral
	slot.peerKnownClusterId = peerClusterId
	slot.peerKnownClusterSize = peerClusterSize
	m.pendingOutbound[addr] = slot

	handle, err := m.adapter.Connect(ctx, addr)
	if err != nil {
		delete(m.pendingOutbound, addr)
		m.freeSlot(slot)
		return err
	}
	slot.Handle = handle
	return nil
}

// BleEventHandler is the single fan-in point for every adapter upcall.
func (m *Manager) BleEventHandler(ev ble.Event) {
	switch ev.Kind {
	case ble.EventConnected:
		m.handleConnected(ev)
	case ble.EventDisconnected:
		m.handleDisconnected(ev)
	case ble.EventWriteRx:
		m.handleWriteRx(ev)
	case ble.EventTxComplete:
		m.handleTxComplete(ev)
	case ble.EventMtuChanged:
		if s := m.findByHandle(ev.Handle); s != nil {
			s.mtu = ev.Mtu
		}
	}
}

func (m *Manager) handleConnected(ev ble.Event) {
	if rs, ok := m.pendingReestablish[ev.PeerAddr]; ok {
		delete(m.pendingReestablish, ev.PeerAddr)
		delete(m.pendingOutbound, ev.PeerAddr)
		m.completeReestablish(rs, ev.Handle)
		return
	}

	if ev.Role == ble.RoleCentral {
		slot, ok := m.pendingOutbound[ev.PeerAddr]
		if !ok {
			slot = m.findByHandle(ev.Handle)
		}
		if slot == nil {
			return
		}
		delete(m.pendingOutbound, ev.PeerAddr)
		if other := m.meshSlotForAddr(ev.PeerAddr, slot); other != nil {
			m.cfg.Log.Count(errlog.CountAccessToRemovedConnection)
			m.freeSlot(slot)
			_ = m.adapter.Disconnect(context.Background(), ev.Handle)
			return
		}
		slot.Handle = ev.Handle
		slot.State = StateConnected
		slot.mtu = m.gatt.Mtu(ev.Handle)
		m.startMeshHandshake(slot, handshake.RoleCentral)
		return
	}

	if other := m.meshSlotForAddr(ev.PeerAddr, nil); other != nil {
		m.cfg.Log.Count(errlog.CountAccessToRemovedConnection)
		_ = m.adapter.Disconnect(context.Background(), ev.Handle)
		return
	}

	slot, err := m.allocSlot(CategoryResolverIn)
	if err != nil {
		m.cfg.Log.Count(errlog.CountAccessToRemovedConnection)
		_ = m.adapter.Disconnect(context.Background(), ev.Handle)
		return
	}
	slot.Handle = ev.Handle
	slot.Role = ble.RolePeripheral
	slot.PeerAddr = ev.PeerAddr
	slot.State = StateConnected
	slot.mtu = m.gatt.Mtu(ev.Handle)
}

// meshSlotForAddr reports a mesh slot (CategoryMeshIn/CategoryMeshOut,
// already connected or still handshaking) for addr other than exclude, if
// any. handleConnected uses this as a defensive backstop against a second
// link forming to a partner we're already linked to: the partner-selection
// symmetry-break in internal/neighbor.BestPartner is what's supposed to
// prevent the race in the first place, but a stale JOIN_ME seen just before
// a connect decision, or a peer that hasn't heard our side of the tie-break
// yet, could still produce a redundant inbound or outbound attempt.
func (m *Manager) meshSlotForAddr(addr meshid.GapAddr, exclude *Slot) *Slot {
	var zeroAddr meshid.GapAddr
	if addr == zeroAddr {
		return nil
	}
	for _, s := range m.slots {
		if s == nil || s == exclude {
			continue
		}
		if s.Category != CategoryMeshIn && s.Category != CategoryMeshOut {
			continue
		}
		if s.State == StateDisconnected {
			continue
		}
		if s.PeerAddr == addr {
			return s
		}
	}
	return nil
}

// completeReestablish restores a slot that just reconnected on its
// partner's address straight to HandshakeDone, without rerunning the mesh
// handshake: spec §4.5's "a successful rebuild restores the cluster state
// without a new handshake ... re-enters HandshakeDone directly", and
// scenario S5's "no CLUSTER_INFO_UPDATE is emitted" — so, unlike a fresh
// handshake's applyHandshakeOutput path, this never calls cb.HandshakeDone.
func (m *Manager) completeReestablish(slot *Slot, handle ble.ConnHandle) {
	slot.Handle = handle
	slot.mtu = m.gatt.Mtu(handle)
	slot.reassembly = wire.NewReassembler()
	slot.inFlight = nil
	slot.pendingFragments = nil
	slot.reliableRetries = 0
	slot.State = StateHandshakeDone
	m.cb.MeshConnectionChanged(slot.Handle, StateHandshakeDone)
}

// tryReestablishConnect redials a Reestablishing central-role slot's
// partner address (spec §4.5 disconnection step 2). Like OpenMeshConnection,
// the slot must already be registered under pendingOutbound before calling
// the adapter: blesim (and some real adapters) deliver EventConnected
// synchronously from inside Connect, before this call returns.
func (m *Manager) tryReestablishConnect(slot *Slot) {
	m.pendingOutbound[slot.PeerAddr] = slot
	handle, err := m.adapter.Connect(context.Background(), slot.PeerAddr)
	if err != nil {
		delete(m.pendingOutbound, slot.PeerAddr)
		return
	}
	slot.Handle = handle
}

func (m *Manager) startMeshHandshake(slot *Slot, role handshake.Role) {
	snap := m.cb.ClusterSnapshot()
	cfg := handshake.Config{
		Role:            role,
		OwnNodeId:       m.cfg.OwnNodeId,
		OwnClusterId:    snap.ClusterId,
		OwnClusterSize:  snap.ClusterSize,
		OwnHopsToSink:   snap.HopsToSink,
		PeerClusterId:   slot.peerKnownClusterId,
		PeerClusterSize: slot.peerKnownClusterSize,
		NetworkKey:      m.cfg.NetworkKey,
		Log:             m.cfg.Log,
	}
	fsm, out := handshake.Start(cfg)
	slot.fsm = fsm
	// Category was already set by the caller: CategoryMeshOut by
	// OpenMeshConnection for the dialing side, CategoryMeshIn by
	// handleResolverPayload once the resolver dialogue classifies an
	// inbound link as mesh.
	slot.State = StateHandshaking
	slot.reassembly = wire.NewReassembler()
	slot.handshakeElapsedDs = 0

	if role == handshake.RoleCentral {
		m.enqueueRaw(slot, LaneHigh, true, []byte{discriminatorMesh})
	}
	m.applyHandshakeOutput(slot, out)
	m.pump(slot)
}

func (m *Manager) handleDisconnected(ev ble.Event) {
	slot := m.findByHandle(ev.Handle)
	if slot == nil {
		return
	}

	wasMesh := slot.Category == CategoryMeshIn || slot.Category == CategoryMeshOut
	wasHandshakeDone := slot.State == StateHandshakeDone
	var zeroAddr meshid.GapAddr

	if wasMesh && wasHandshakeDone && m.cfg.ReestablishTimeoutSec > 0 && slot.PeerAddr != zeroAddr {
		slot.State = StateReestablishing
		slot.reestablishTimeoutDs = uint32(m.cfg.ReestablishTimeoutSec) * 10
		slot.reestablishRetryElapsedDs = 0
		m.pendingReestablish[slot.PeerAddr] = slot
		m.cb.MeshConnectionChanged(slot.Handle, StateReestablishing)
		return
	}

	partner := slot.PartnerId
	m.freeSlot(slot)
	if wasMesh {
		m.cb.MeshConnectionLost(ev.Handle, partner)
	}
}

func (m *Manager) handleWriteRx(ev ble.Event) {
	slot := m.findByHandle(ev.Handle)
	if slot == nil {
		return
	}

	if slot.Category == CategoryResolverIn {
		m.handleResolverPayload(slot, ev.Payload)
		return
	}
	if slot.Category != CategoryMeshIn && slot.Category != CategoryMeshOut {
		return // app-connection payloads: protocol out of this core's scope
	}

	fragment := ev.Payload
	payload, done, err := slot.reassembly.Add(fragment)
	if err != nil {
		m.cfg.Log.Warn(errlog.WarnSplitPacketMissing, "connmgr: reassembly failed on handle %d: %v", slot.Handle, err)
		return
	}
	if !done {
		return
	}

	header, err := wire.DecodeHeader(payload)
	if err != nil {
		m.cfg.Log.Warn(errlog.WarnSplitPacketMissing, "connmgr: short connPacket header on handle %d", slot.Handle)
		return
	}
	body := payload[wire.ConnPacketHeaderSize:]
	m.cfg.Stats.Increment(stats.Key{MessageType: header.MessageType, ModuleId: 0, ActionType: 0, RequestHandle: 0})

	// The first connPacket a link carries (CLUSTER_WELCOME or CLUSTER_ACK_1)
	// is the only place either side learns the other's NodeId; every later
	// send to this slot addresses it as the Receiver.
	if slot.PartnerId == 0 {
		slot.PartnerId = header.Sender
	}

	if slot.State == StateHandshaking {
		m.handleHandshakeTraffic(slot, header.MessageType, body)
		return
	}

	switch header.MessageType {
	case wire.MessageTypeData1:
		m.cb.ModuleMessageReceived(header.Sender, body)
	default:
		m.cb.ControlMessageReceived(slot.Handle, header, body)
	}
}

func (m *Manager) handleResolverPayload(slot *Slot, payload []byte) {
	if len(payload) == 0 {
		return
	}
	discriminator := payload[0]
	remainder := payload[1:]

	switch discriminator {
	case discriminatorMesh:
		slot.Category = CategoryMeshIn
		m.startMeshHandshake(slot, handshake.RolePeripheral)
		if len(remainder) > 0 {
			slot.reassembly = wire.NewReassembler()
			fullPayload, done, err := slot.reassembly.Add(remainder)
			if err == nil && done {
				header, herr := wire.DecodeHeader(fullPayload)
				if herr == nil {
					if slot.PartnerId == 0 {
						slot.PartnerId = header.Sender
					}
					m.handleHandshakeTraffic(slot, header.MessageType, fullPayload[wire.ConnPacketHeaderSize:])
				}
			}
		}
	case discriminatorApp:
		slot.Category = CategoryAppIn
		slot.State = StateConnected
	default:
		m.cfg.Log.Count(errlog.CountAccessToRemovedConnection)
		_ = m.adapter.Disconnect(context.Background(), slot.Handle)
		m.freeSlot(slot)
	}
}

func (m *Manager) handleHandshakeTraffic(slot *Slot, messageType wire.MessageType, payload []byte) {
	out := slot.fsm.HandlePacket(messageType, payload)
	m.applyHandshakeOutput(slot, out)
	m.pump(slot)
}

func (m *Manager) applyHandshakeOutput(slot *Slot, out handshake.Output) {
	if out.SendPacket != nil {
		header := wire.ConnPacketHeader{
			MessageType: out.SendPacket.MessageType,
			Sender:      m.cfg.OwnNodeId,
			Receiver:    slot.PartnerId,
		}
		frame := append(wire.EncodeHeader(header), out.SendPacket.Payload...)
		m.enqueueFrame(slot, LaneHigh, true, frame)
	}
	if out.Disconnect {
		_ = m.adapter.Disconnect(context.Background(), slot.Handle)
		return
	}
	if out.Done != nil {
		slot.PartnerClusterId = out.Done.ClusterId
		slot.PartnerClusterSize = out.Done.ClusterSize
		slot.MasterBit = out.Done.MasterBit
		slot.State = StateHandshakeDone
		if out.Done.PeerHopsToSink != 0 || slot.HopsToSink == 0 {
			slot.HopsToSink = out.Done.PeerHopsToSink + 1
		}
		m.cb.MeshConnectionChanged(slot.Handle, StateHandshakeDone)
		m.cb.HandshakeDone(slot.Handle, slot.PartnerId, *out.Done)
	}
}

func (m *Manager) handleTxComplete(ev ble.Event) {
	slot := m.findByHandle(ev.Handle)
	if slot == nil {
		return
	}
	slot.reliableRetries = 0
	slot.inFlight = nil
	slot.inFlightReliable = false
	m.pump(slot)
}

// enqueueRaw queues a frame that must be sent byte-for-byte with no
// ConnPacketHeader (only the resolver discriminator uses this).
func (m *Manager) enqueueRaw(slot *Slot, lane Lane, reliable bool, frame []byte) bool {
	ok := slot.queue.enqueue(lane, queuedRecord{reliable: reliable, raw: true, frame: frame})
	if ok {
		m.pump(slot)
	}
	return ok
}

func (m *Manager) enqueueFrame(slot *Slot, lane Lane, reliable bool, frame []byte) bool {
	ok := slot.queue.enqueue(lane, queuedRecord{reliable: reliable, raw: false, frame: frame})
	if ok {
		m.pump(slot)
	}
	return ok
}

// pump drains the next fragment of the slot's current record, or starts a
// new record if nothing is in flight. It is invoked on enqueue (if the
// connection was idle) and on credit return, per spec §5's "two events: a
// new enqueue ... or a credit return."
func (m *Manager) pump(slot *Slot) {
	if slot.inFlight != nil {
		return // a fragment write is already outstanding; wait for TxComplete
	}

	if len(slot.pendingFragments) > 0 {
		slot.inFlight = slot.pendingFragments[0]
		slot.pendingFragments = slot.pendingFragments[1:]
	} else {
		rec, ok := slot.queue.dequeue()
		if !ok {
			return
		}
		slot.inFlightReliable = rec.reliable
		if rec.raw {
			slot.inFlight = rec.frame
		} else {
			usable := int(slot.mtu) - AttHeaderSize
			fragments, err := wire.Fragment(rec.frame, usable)
			if err != nil || len(fragments) == 0 {
				return
			}
			slot.inFlight = fragments[0]
			slot.pendingFragments = fragments[1:]
		}
	}

	if err := m.gatt.WriteWithoutResponse(context.Background(), slot.Handle, slot.inFlight); err != nil {
		m.handleWriteError(slot)
	}
}

func (m *Manager) handleWriteError(slot *Slot) {
	if !slot.inFlightReliable {
		m.cfg.Log.Count(errlog.CountDroppedPackets)
		slot.inFlight = nil
		slot.pendingFragments = nil
		m.pump(slot)
		return
	}

	slot.reliableRetries++
	if slot.reliableRetries > maxReliableRetries {
		m.cfg.Log.Warn(errlog.WarnGattWriteError, "connmgr: reliable write to handle %d failed after %d retries", slot.Handle, maxReliableRetries)
		_ = m.adapter.Disconnect(context.Background(), slot.Handle)
		return
	}
	if err := m.gatt.WriteWithoutResponse(context.Background(), slot.Handle, slot.inFlight); err != nil {
		m.handleWriteError(slot)
	}
}

// SendMeshMessage resolves dest to zero or more mesh connections and
// enqueues payload on each, per spec §4.5's four destination kinds.
func (m *Manager) SendMeshMessage(payload []byte, dest meshid.NodeId, lane Lane, reliable bool) bool {
	if dest == m.cfg.OwnNodeId {
		m.cb.ModuleMessageReceived(m.cfg.OwnNodeId, payload)
		return true
	}

	targets := m.resolveTargets(dest, nil)
	if len(targets) == 0 {
		return false
	}
	ok := true
	for _, slot := range targets {
		header := wire.ConnPacketHeader{MessageType: wire.MessageTypeData1, Sender: m.cfg.OwnNodeId, Receiver: dest}
		frame := append(wire.EncodeHeader(header), payload...)
		if !m.enqueueFrame(slot, lane, reliable, frame) {
			ok = false
		}
	}
	return ok
}

// SendControlMessage broadcasts a core control message to every
// established mesh connection except excludeHandle, the primitive
// internal/node's cluster-state propagation (spec §4.6) is built on.
func (m *Manager) SendControlMessage(excludeHandle ble.ConnHandle, messageType wire.MessageType, payload []byte, lane Lane) {
	for _, slot := range m.slots {
		if slot == nil || slot.State != StateHandshakeDone {
			continue
		}
		if slot.Category != CategoryMeshIn && slot.Category != CategoryMeshOut {
			continue
		}
		if slot.Handle == excludeHandle {
			continue
		}
		header := wire.ConnPacketHeader{MessageType: messageType, Sender: m.cfg.OwnNodeId, Receiver: meshid.NodeIdBroadcast}
		frame := append(wire.EncodeHeader(header), payload...)
		m.enqueueFrame(slot, lane, true, frame)
	}
}

// SendControlMessageTo sends a core control message to exactly one
// established mesh connection, identified by its handle rather than its
// NodeId: the single-target counterpart to SendControlMessage's broadcast,
// used by the VALIDATE_FREE_SLOT request/response round-trip (spec §4.3's
// emergency-disconnect admission check). Returns false if handle no longer
// names a live mesh slot.
func (m *Manager) SendControlMessageTo(handle ble.ConnHandle, messageType wire.MessageType, payload []byte, lane Lane) bool {
	slot := m.findByHandle(handle)
	if slot == nil || slot.State != StateHandshakeDone {
		return false
	}
	if slot.Category != CategoryMeshIn && slot.Category != CategoryMeshOut {
		return false
	}
	header := wire.ConnPacketHeader{MessageType: messageType, Sender: m.cfg.OwnNodeId, Receiver: slot.PartnerId}
	frame := append(wire.EncodeHeader(header), payload...)
	return m.enqueueFrame(slot, lane, true, frame)
}

func (m *Manager) resolveTargets(dest meshid.NodeId, exclude *Slot) []*Slot {
	var mesh []*Slot
	for _, s := range m.slots {
		if s != nil && s.State == StateHandshakeDone && (s.Category == CategoryMeshIn || s.Category == CategoryMeshOut) && s != exclude {
			mesh = append(mesh, s)
		}
	}

	switch {
	case dest == meshid.NodeIdBroadcast:
		return mesh
	case dest == meshid.NodeIdShortestSink:
		var best *Slot
		for _, s := range mesh {
			if best == nil || s.HopsToSink < best.HopsToSink {
				best = s
			}
		}
		if best == nil {
			return nil
		}
		return []*Slot{best}
	default:
		for _, s := range mesh {
			if s.PartnerId == dest {
				return []*Slot{s}
			}
		}
		return nil
	}
}

// TimerHandler advances every slot's deadlines by passedTimeDs: the
// handshake timeout, the resolver timeout, and the reestablish timeout.
func (m *Manager) TimerHandler(passedTimeDs uint16) {
	for _, slot := range m.slots {
		if slot == nil {
			continue
		}
		switch slot.State {
		case StateHandshaking:
			slot.handshakeElapsedDs += passedTimeDs
			remaining := int32(m.cfg.HandshakeTimeoutDs) - int32(slot.handshakeElapsedDs)
			out := slot.fsm.HandleTimer(remaining)
			m.applyHandshakeOutput(slot, out)
		case StateConnected:
			if slot.Category == CategoryResolverIn {
				slot.resolverElapsedDs += passedTimeDs
				if slot.resolverElapsedDs >= m.cfg.ResolverTimeoutDs {
					m.cfg.Log.Count(errlog.CountAccessToRemovedConnection)
					_ = m.adapter.Disconnect(context.Background(), slot.Handle)
					m.freeSlot(slot)
				}
			}
		case StateReestablishing:
			if uint32(passedTimeDs) >= slot.reestablishTimeoutDs {
				delete(m.pendingReestablish, slot.PeerAddr)
				delete(m.pendingOutbound, slot.PeerAddr)
				partner := slot.PartnerId
				m.freeSlot(slot)
				m.cb.MeshConnectionLost(slot.Handle, partner)
				continue
			}
			slot.reestablishTimeoutDs -= uint32(passedTimeDs)
			if slot.Role != ble.RoleCentral {
				continue
			}
			slot.reestablishRetryElapsedDs += passedTimeDs
			if slot.reestablishRetryElapsedDs >= reestablishRetryIntervalDs {
				slot.reestablishRetryElapsedDs = 0
				m.tryReestablishConnect(slot)
			}
		}
	}
}

// Slots returns a read-only snapshot of every occupied slot, for the
// Node's partner-selection and emergency-disconnect logic (spec §4.3).
func (m *Manager) Slots() []Slot {
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// FreeMeshOutSlots reports how many outbound mesh slots are still
// available, used by the Node's partner scoring (spec §4.3).
func (m *Manager) FreeMeshOutSlots() int {
	return m.cfg.MeshOutCap - m.countCategory(CategoryMeshOut)
}

// FreeMeshInSlots reports how many inbound mesh/resolver slots are still
// available.
func (m *Manager) FreeMeshInSlots() int {
	return (m.cfg.MeshInCap + m.cfg.AppInCap) - countInbound(m.slots)
}

// DisconnectMesh tears down an established mesh connection on the Node's
// own initiative (spec §4.3's emergency-disconnect path: dropping the
// worst existing link to make room for a better partner). The resulting
// EventDisconnected upcall drives the usual teardown/reestablish logic in
// handleDisconnected, exactly as if the link had dropped on its own.
func (m *Manager) DisconnectMesh(handle ble.ConnHandle) error {
	slot := m.findByHandle(handle)
	if slot == nil || (slot.Category != CategoryMeshIn && slot.Category != CategoryMeshOut) {
		return ErrNotMeshOrGone
	}
	return m.adapter.Disconnect(context.Background(), handle)
}
