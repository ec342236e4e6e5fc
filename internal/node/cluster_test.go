package node

import (
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

func TestHandshakeDoneMergesPartnerClusterIntoOurs(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()

	n.HandshakeDone(ble.ConnHandle(5), 2, handshake.DoneResult{
		ClusterId:      meshid.NewClusterId(2, 0),
		ClusterSize:    3,
		PeerHopsToSink: 2,
	})

	if n.ClusterId() != meshid.NewClusterId(2, 0) {
		t.Errorf("ClusterId() = %v, want the partner's winning id", n.ClusterId())
	}
	if n.ClusterSize() != 3 {
		t.Errorf("ClusterSize() = %d, want the merged total 3 (1 ours + 2 partner)", n.ClusterSize())
	}
	if n.HopsToSink() != 3 {
		t.Errorf("HopsToSink() = %d, want partner's 2 + 1 = 3", n.HopsToSink())
	}
}

func TestMeshConnectionLostShrinksClusterAndBlacklistsPartner(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()
	n.HandshakeDone(ble.ConnHandle(5), 2, handshake.DoneResult{
		ClusterId:      meshid.NewClusterId(2, 0),
		ClusterSize:    3,
		PeerHopsToSink: 2,
	})

	n.MeshConnectionLost(ble.ConnHandle(5), 2)

	if n.ClusterSize() != 1 {
		t.Errorf("ClusterSize() = %d, want back down to 1", n.ClusterSize())
	}
	if n.HopsToSink() != NoSinkHops {
		t.Errorf("HopsToSink() = %d, want the no-sink sentinel once the only link is gone", n.HopsToSink())
	}
	if !n.isBlacklisted(2) {
		t.Error("expected the lost partner to be blacklisted")
	}
}

func TestGatewayHopsToSinkStaysZeroRegardlessOfNeighbors(t *testing.T) {
	adapter := newFakeAdapter()
	gatt := &fakeGatt{}
	registry := module.NewRegistry()
	log := errlog.New(nil, nil, nil)
	cfg := testConfig(9)
	cfg.DeviceType = meshid.DeviceTypeGateway

	n := New(adapter, cfg, registry, log, stats.NewTable(), rng.New(1), nil)
	cm := connmgr.NewManager(adapter, gatt, n, connmgr.Config{
		OwnNodeId:             cfg.OwnNodeId,
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

	n.HandshakeDone(ble.ConnHandle(1), 2, handshake.DoneResult{ClusterId: meshid.NewClusterId(2, 0), ClusterSize: 1, PeerHopsToSink: 9})
	if n.HopsToSink() != 0 {
		t.Errorf("HopsToSink() = %d, want 0 for a gateway no matter what its neighbors report", n.HopsToSink())
	}
}

func TestControlMessageReceivedAppliesClusterInfoUpdate(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()
	n.HandshakeDone(ble.ConnHandle(5), 2, handshake.DoneResult{ClusterId: meshid.NewClusterId(2, 0), ClusterSize: 1, PeerHopsToSink: 1})

	before := n.ClusterId()
	payload := wire.EncodeClusterInfoUpdate(wire.ClusterInfoUpdatePayload{
		CurrentClusterId:  before,
		NewClusterId:      meshid.NewClusterId(9, 0),
		ClusterSizeChange: 2,
		HopsToSink:        1,
	})
	header := wire.ConnPacketHeader{MessageType: wire.MessageTypeClusterInfoUpd, Sender: 3, Receiver: 1}

	n.ControlMessageReceived(ble.ConnHandle(6), header, payload)

	if n.ClusterId() != meshid.NewClusterId(9, 0) {
		t.Errorf("ClusterId() = %v, want the update's NewClusterId", n.ClusterId())
	}
	if n.ClusterSize() != 3 {
		t.Errorf("ClusterSize() = %d, want 1 (post-merge) + 2 (delta) = 3", n.ClusterSize())
	}
}

func TestControlMessageReceivedDropsUpdateForStaleClusterId(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()
	staleBase := n.ClusterId()
	n.HandshakeDone(ble.ConnHandle(5), 2, handshake.DoneResult{ClusterId: meshid.NewClusterId(2, 0), ClusterSize: 1, PeerHopsToSink: 1})
	sizeAfterMerge := n.ClusterSize()

	payload := wire.EncodeClusterInfoUpdate(wire.ClusterInfoUpdatePayload{
		CurrentClusterId:  staleBase, // we've since moved on from this clusterId
		NewClusterId:      meshid.NewClusterId(99, 0),
		ClusterSizeChange: 5,
	})
	header := wire.ConnPacketHeader{MessageType: wire.MessageTypeClusterInfoUpd, Sender: 3, Receiver: 1}

	n.ControlMessageReceived(ble.ConnHandle(6), header, payload)

	if n.ClusterSize() != sizeAfterMerge {
		t.Errorf("ClusterSize() = %d, want unchanged %d: stale delta should be dropped", n.ClusterSize(), sizeAfterMerge)
	}
}

func TestControlMessageReceivedRelaysAdvInfoOnlyWhenEnabled(t *testing.T) {
	n, _, registry := newHarness(t, 1)
	m := &fakeModule{id: 1}
	_ = registry.Register(m)

	payload := wire.EncodeAdvInfo(wire.AdvInfoPayload{Sender: 5, Address: [6]byte{1, 2, 3, 4, 5, 6}, Rssi: -60})
	header := wire.ConnPacketHeader{MessageType: wire.MessageTypeAdvInfo, Sender: 5, Receiver: 1}

	n.ControlMessageReceived(ble.ConnHandle(1), header, payload)
	if m.advReports != 0 {
		t.Fatalf("advReports = %d, want 0 before EnableAdvInfoRelay", m.advReports)
	}

	n.EnableAdvInfoRelay()
	n.ControlMessageReceived(ble.ConnHandle(1), header, payload)
	if m.advReports != 1 {
		t.Fatalf("advReports = %d, want 1 after EnableAdvInfoRelay", m.advReports)
	}
}
