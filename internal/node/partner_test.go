package node

import (
	"testing"

	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/neighbor"
)

func addNeighbor(n *Node, sender meshid.NodeId, clusterId meshid.ClusterId, freeIn uint8) {
	n.neighbors.Upsert(neighbor.Entry{
		Sender:                sender,
		ClusterId:             clusterId,
		ClusterSize:           1,
		FreeMeshInConnections: freeIn,
		Address:               meshid.GapAddr{Bytes: [6]byte{byte(sender)}},
	})
}

// addSlaveCandidateNeighbor records a neighbor with no free mesh-in slot
// of its own but a free mesh-out slot, the only kind of entry
// neighbor.BestPartner's slave branch can pick.
func addSlaveCandidateNeighbor(n *Node, sender meshid.NodeId, clusterId meshid.ClusterId) {
	n.neighbors.Upsert(neighbor.Entry{
		Sender:                 sender,
		ClusterId:              clusterId,
		ClusterSize:            1,
		FreeMeshOutConnections: 1,
		Address:                meshid.GapAddr{Bytes: [6]byte{byte(sender)}},
	})
}

func TestRunPartnerSelectionDialsBestNeighborAndForgetsIt(t *testing.T) {
	n, adapter, _ := newHarness(t, 1)
	n.Start()
	addNeighbor(n, 2, meshid.NewClusterId(2, 0), 1)

	n.runPartnerSelection()

	if len(adapter.disconnects) != 0 {
		t.Errorf("did not expect any disconnects, got %v", adapter.disconnects)
	}
	if adapter.nextHandle == 1 {
		t.Error("expected Connect to have been called, advancing nextHandle")
	}
	if n.neighbors.Len() != 0 {
		t.Errorf("neighbors.Len() = %d, want 0 once the candidate has been dialed", n.neighbors.Len())
	}
}

func TestRunPartnerSelectionSkipsBlacklistedNeighbor(t *testing.T) {
	n, adapter, _ := newHarness(t, 1)
	n.Start()
	addNeighbor(n, 2, meshid.NewClusterId(2, 0), 1)
	n.blacklistPartner(2, 100)

	n.runPartnerSelection()

	if adapter.nextHandle != 1 {
		t.Error("did not expect a blacklisted neighbor to be dialed")
	}
	if n.noNodesFoundCounter != 1 {
		t.Errorf("noNodesFoundCounter = %d, want 1 when every neighbor is blacklisted", n.noNodesFoundCounter)
	}
}

func TestNoNodesFoundDemotesToDiscoveryLowAfterThreshold(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()

	for i := uint16(0); i < n.cfg.NoNodesFoundThreshold; i++ {
		n.runPartnerSelection()
	}

	if n.DiscoveryState() != StateDiscoveryLow {
		t.Fatalf("DiscoveryState() = %v, want StateDiscoveryLow after %d empty decisions", n.DiscoveryState(), n.cfg.NoNodesFoundThreshold)
	}
}

func TestFindingANeighborPromotesBackToDiscoveryHigh(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.Start()
	for i := uint16(0); i < n.cfg.NoNodesFoundThreshold; i++ {
		n.runPartnerSelection()
	}
	if n.DiscoveryState() != StateDiscoveryLow {
		t.Fatalf("precondition failed: expected StateDiscoveryLow")
	}

	addNeighbor(n, 5, meshid.NewClusterId(5, 0), 1)
	n.runPartnerSelection()

	if n.DiscoveryState() != StateDiscoveryHigh {
		t.Fatalf("DiscoveryState() = %v, want StateDiscoveryHigh once a candidate appears", n.DiscoveryState())
	}
	if n.noNodesFoundCounter != 0 {
		t.Errorf("noNodesFoundCounter = %d, want reset to 0", n.noNodesFoundCounter)
	}
}

// TestRunPartnerSelectionWaitsWhenOnlyASlaveCandidateExists covers spec
// §4.3's CONNECT_AS_SLAVE outcome: a neighbor with no free mesh-in slot of
// its own is never dialed, but is also not forgotten or blacklisted — the
// node just keeps advertising so the neighbor's own master-side scoring
// can find it.
func TestRunPartnerSelectionWaitsWhenOnlyASlaveCandidateExists(t *testing.T) {
	n, adapter, _ := newHarness(t, 1)
	n.Start()
	addSlaveCandidateNeighbor(n, 2, meshid.NewClusterId(2, 0))

	n.runPartnerSelection()

	if adapter.nextHandle != 1 {
		t.Error("did not expect a slave-role candidate to be dialed")
	}
	if n.neighbors.Len() != 1 {
		t.Errorf("neighbors.Len() = %d, want 1: a slave candidate hasn't connected, so it shouldn't be forgotten", n.neighbors.Len())
	}
	if n.noNodesFoundCounter != 0 {
		t.Errorf("noNodesFoundCounter = %d, want 0: a slave candidate is a found node, not a dead end", n.noNodesFoundCounter)
	}
}

func TestTickBlacklistExpiresEntryAfterItsDuration(t *testing.T) {
	n, _, _ := newHarness(t, 1)
	n.blacklistPartner(2, 50)

	n.tickBlacklist(30)
	if !n.isBlacklisted(2) {
		t.Fatal("expected node 2 to still be blacklisted after 30 of 50 deciseconds")
	}

	n.tickBlacklist(20)
	if n.isBlacklisted(2) {
		t.Fatal("expected node 2's blacklist entry to have expired")
	}
}

// TestEmergencyDisconnectIsANoOpWithoutAnyEstablishedLink covers the
// common case where the mesh-out pool fills with connections still mid-
// handshake: spec §4.3's emergency disconnect only ever drops an
// established mesh connection, so it must not panic or disconnect a link
// that hasn't finished its handshake yet.
func TestEmergencyDisconnectIsANoOpWithoutAnyEstablishedLink(t *testing.T) {
	n, adapter, _ := newHarness(t, 1)
	n.Start()

	addNeighbor(n, 2, meshid.NewClusterId(2, 0), 1)
	n.runPartnerSelection()
	addNeighbor(n, 3, meshid.NewClusterId(3, 0), 1)
	n.runPartnerSelection()

	if n.cm.FreeMeshOutSlots() != 0 {
		t.Fatalf("FreeMeshOutSlots() = %d, want 0 after filling both", n.cm.FreeMeshOutSlots())
	}

	addNeighbor(n, 4, meshid.NewClusterId(4, 0), 1)
	n.runPartnerSelection()

	if len(adapter.disconnects) != 0 {
		t.Errorf("disconnects = %v, want none: no slot has completed its handshake yet", adapter.disconnects)
	}
}
