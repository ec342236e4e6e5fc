package node

import (
	"context"
	"testing"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/handshake"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/module"
	"github.com/fruitymesh/core/internal/rng"
	"github.com/fruitymesh/core/internal/stats"
	"github.com/fruitymesh/core/internal/wire"
)

// stubPeer is a connmgr.NodeCallbacks double standing in for the partner
// side of the VALIDATE_FREE_SLOT round-trip: on a request it immediately
// replies, accepting or rejecting per its accept field, so the test can
// drive both outcomes without a second full Node.
type stubPeer struct {
	snapshot connmgr.ClusterSnapshot
	cm       *connmgr.Manager
	accept   bool
}

func (p *stubPeer) ClusterSnapshot() connmgr.ClusterSnapshot { return p.snapshot }
func (p *stubPeer) HandshakeDone(ble.ConnHandle, meshid.NodeId, handshake.DoneResult) {}
func (p *stubPeer) MeshConnectionChanged(ble.ConnHandle, connmgr.State)               {}
func (p *stubPeer) MeshConnectionLost(ble.ConnHandle, meshid.NodeId)                  {}
func (p *stubPeer) ModuleMessageReceived(meshid.NodeId, []byte)                       {}
func (p *stubPeer) AdvertisementReceived(meshid.GapAddr, int8, []byte)                {}

func (p *stubPeer) ControlMessageReceived(handle ble.ConnHandle, header wire.ConnPacketHeader, payload []byte) {
	if header.MessageType != wire.MessageTypeValidateFreeSlot {
		return
	}
	req, err := wire.DecodeValidateFreeSlot(payload)
	if err != nil || req.IsResponse {
		return
	}
	resp := wire.EncodeValidateFreeSlot(wire.ValidateFreeSlotPayload{IsResponse: true, Accepted: p.accept})
	p.cm.SendControlMessageTo(handle, wire.MessageTypeValidateFreeSlot, resp, connmgr.LaneHigh)
}

// twoSidedHarness wires a real Node (central) against a stubPeer
// (peripheral), both over real connmgr.Managers, and drives the handshake
// to HandshakeDone by hand the same way internal/connmgr's own
// handshakeHarness does, so maybeEmergencyDisconnect has an actual
// established mesh slot to act on.
type twoSidedHarness struct {
	n               *Node
	adapter         *fakeAdapter
	gatt            *fakeGatt
	peripheralGatt  *fakeGatt
	peripheralAdapt *fakeAdapter
	peripheral      *connmgr.Manager
	peer            *stubPeer
}

func newTwoSidedHarness(t *testing.T, accept bool) *twoSidedHarness {
	t.Helper()

	adapter := newFakeAdapter()
	gatt := &fakeGatt{}
	log := errlog.New(nil, nil, nil)
	n := New(adapter, testConfig(1), module.NewRegistry(), log, stats.NewTable(), rng.New(1), nil)
	cm := connmgr.NewManager(adapter, gatt, n, connmgr.Config{
		OwnNodeId:             1,
		NetworkKey:            testNetworkKey,
		MeshInCap:             2,
		MeshOutCap:            2,
		AppInCap:              1,
		AppOutCap:             1,
		HandshakeTimeoutDs:    60,
		ResolverTimeoutDs:     20,
		ReestablishTimeoutSec: 10,
		Log:                   log,
		Stats:                 stats.NewTable(),
	})
	n.SetConnManager(cm)

	peripheralAdapter := newFakeAdapter()
	peripheralGatt := &fakeGatt{}
	peer := &stubPeer{snapshot: connmgr.ClusterSnapshot{ClusterId: meshid.NewClusterId(2, 0), ClusterSize: 1}, accept: accept}
	peripheral := connmgr.NewManager(peripheralAdapter, peripheralGatt, peer, connmgr.Config{
		OwnNodeId:             2,
		NetworkKey:            testNetworkKey,
		MeshInCap:             2,
		MeshOutCap:            2,
		AppInCap:              1,
		AppOutCap:             1,
		HandshakeTimeoutDs:    60,
		ResolverTimeoutDs:     20,
		ReestablishTimeoutSec: 10,
		Log:                   errlog.New(nil, nil, nil),
		Stats:                 stats.NewTable(),
	})
	peer.cm = peripheral

	addr := meshid.GapAddr{Bytes: [6]byte{7}}
	if err := n.cm.OpenMeshConnection(context.Background(), addr, meshid.NewClusterId(2, 0), 1); err != nil {
		t.Fatalf("OpenMeshConnection: %v", err)
	}
	n.cm.BleEventHandler(ble.Event{Kind: ble.EventConnected, Handle: 100, Role: ble.RoleCentral, PeerAddr: addr})
	peripheral.BleEventHandler(ble.Event{Kind: ble.EventConnected, Handle: 200, Role: ble.RolePeripheral})

	h := &twoSidedHarness{n: n, adapter: adapter, gatt: gatt, peripheralGatt: peripheralGatt, peripheralAdapt: peripheralAdapter, peripheral: peripheral, peer: peer}
	h.runHandshake(t)
	return h
}

func (h *twoSidedHarness) deliver(t *testing.T, from *fakeGatt, to *connmgr.Manager, toHandle ble.ConnHandle) {
	t.Helper()
	if len(from.writes) == 0 {
		t.Fatal("expected a pending write to deliver, found none")
	}
	for _, w := range from.writes {
		to.BleEventHandler(ble.Event{Kind: ble.EventWriteRx, Handle: toHandle, Payload: w})
	}
	from.writes = nil
}

func (h *twoSidedHarness) runHandshake(t *testing.T) {
	t.Helper()
	h.deliver(t, h.gatt, h.peripheral, 200) // resolver discriminator byte
	h.n.cm.BleEventHandler(ble.Event{Kind: ble.EventTxComplete, Handle: 100})

	h.deliver(t, h.gatt, h.peripheral, 200) // CLUSTER_WELCOME
	h.n.cm.BleEventHandler(ble.Event{Kind: ble.EventTxComplete, Handle: 100})

	h.deliver(t, h.peripheralGatt, h.n.cm, 100) // CLUSTER_ACK_1
	h.peripheral.BleEventHandler(ble.Event{Kind: ble.EventTxComplete, Handle: 200})

	h.deliver(t, h.gatt, h.peripheral, 200) // CLUSTER_ACK_2
	h.n.cm.BleEventHandler(ble.Event{Kind: ble.EventTxComplete, Handle: 100})
}

// TestMaybeEmergencyDisconnectWaitsForAcceptedResponse is the accepted half
// of spec §4.3's emergency-disconnect round-trip: the request goes out,
// the link is left alone until the response lands, and only an Accepted
// response actually disconnects it.
func TestMaybeEmergencyDisconnectWaitsForAcceptedResponse(t *testing.T) {
	h := newTwoSidedHarness(t, true)
	h.n.cfg.ValidateFreeSlotTimeoutDs = 50

	h.n.maybeEmergencyDisconnect()

	if len(h.adapter.disconnects) != 0 {
		t.Fatalf("disconnect fired before the validation round-trip completed: %v", h.adapter.disconnects)
	}
	if _, pending := h.n.pendingValidation[100]; !pending {
		t.Fatal("expected a pendingValidation entry for handle 100 once the request went out")
	}

	h.deliver(t, h.gatt, h.peripheral, 200) // VALIDATE_FREE_SLOT request
	h.deliver(t, h.peripheralGatt, h.n.cm, 100) // VALIDATE_FREE_SLOT response

	if len(h.adapter.disconnects) != 1 || h.adapter.disconnects[0] != 100 {
		t.Fatalf("disconnects = %v, want exactly [100] once the partner accepted", h.adapter.disconnects)
	}
	if _, stillPending := h.n.pendingValidation[100]; stillPending {
		t.Error("expected pendingValidation to be cleared once the response arrived")
	}
}

// TestMaybeEmergencyDisconnectLeavesLinkAloneOnRejection covers the
// rejected half: a Rejected response clears the round-trip bookkeeping
// without ever calling DisconnectMesh.
func TestMaybeEmergencyDisconnectLeavesLinkAloneOnRejection(t *testing.T) {
	h := newTwoSidedHarness(t, false)
	h.n.cfg.ValidateFreeSlotTimeoutDs = 50

	h.n.maybeEmergencyDisconnect()
	h.deliver(t, h.gatt, h.peripheral, 200)
	h.deliver(t, h.peripheralGatt, h.n.cm, 100)

	if len(h.adapter.disconnects) != 0 {
		t.Fatalf("disconnects = %v, want none: the partner rejected the request", h.adapter.disconnects)
	}
	if _, stillPending := h.n.pendingValidation[100]; stillPending {
		t.Error("expected pendingValidation to be cleared even on rejection")
	}
}

// TestMaybeEmergencyDisconnectAbandonsRoundTripOnTimeout covers the case
// where no response ever arrives: the pending entry ages out and the link
// is left connected rather than disconnected blind.
func TestMaybeEmergencyDisconnectAbandonsRoundTripOnTimeout(t *testing.T) {
	h := newTwoSidedHarness(t, true)
	h.n.cfg.ValidateFreeSlotTimeoutDs = 10

	h.n.maybeEmergencyDisconnect()
	h.gatt.writes = nil // drop the outbound request; the partner never sees it

	h.n.tickPendingValidation(10)

	if _, stillPending := h.n.pendingValidation[100]; stillPending {
		t.Error("expected the pending validation entry to expire")
	}
	if len(h.adapter.disconnects) != 0 {
		t.Errorf("disconnects = %v, want none after a timed-out round-trip", h.adapter.disconnects)
	}
}
