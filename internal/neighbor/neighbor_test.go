package neighbor

import (
	"testing"
	"time"

	"github.com/fruitymesh/core/internal/meshid"
)

// ownNodeId/ownClusterId stand in for the local node's own identity in
// tests that aren't exercising the symmetry-break tie-break itself: a
// NodeId smaller than every candidate's in this file guarantees this node
// always wins weInitiate, leaving the rest of BestPartner's scoring
// behavior unaffected by the tie-break's addition.
const ownNodeId meshid.NodeId = 1

const ownClusterId meshid.ClusterId = 1

func TestUpsertRefreshesSingleEntryPerSender(t *testing.T) {
	now := time.Unix(0, 0)
	table := NewTable(func() time.Time { return now })

	table.Upsert(Entry{Sender: 5, ClusterId: 100, FreeMeshInConnections: 1})
	table.Upsert(Entry{Sender: 5, ClusterId: 200, FreeMeshInConnections: 2})

	entries := table.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].ClusterId != 200 {
		t.Errorf("expected the refreshed entry to win, got clusterId=%d", entries[0].ClusterId)
	}
}

func TestEntriesOlderThanStaleAfterAreDropped(t *testing.T) {
	now := time.Unix(0, 0)
	nowRef := &now
	table := NewTable(func() time.Time { return *nowRef })

	table.Upsert(Entry{Sender: 1, ClusterId: 10})
	*nowRef = now.Add(StaleAfter + time.Second)

	if got := table.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0 after staleness window elapses", got)
	}
}

func TestRemoveDropsEntryImmediately(t *testing.T) {
	table := NewTable(func() time.Time { return time.Unix(0, 0) })
	table.Upsert(Entry{Sender: 3, ClusterId: 10})
	table.Remove(3)
	if got := table.Len(); got != 0 {
		t.Errorf("Len() = %d after Remove, want 0", got)
	}
}

func TestBestPartnerPrefersLargerClusterIdAmongFreeSlots(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 50, FreeMeshInConnections: 1, Rssi: -40},
		{Sender: 2, ClusterId: 200, FreeMeshInConnections: 1, Rssi: -80},
		{Sender: 3, ClusterId: 10, FreeMeshInConnections: 0, Rssi: -10},
	}
	best, decision := BestPartner(entries, true, ownNodeId, ownClusterId)
	if decision != ConnectAsMaster {
		t.Fatalf("decision = %v, want ConnectAsMaster", decision)
	}
	if best.Sender != 2 {
		t.Errorf("BestPartner = sender %d, want sender 2 (largest clusterId with a free slot)", best.Sender)
	}
}

func TestBestPartnerFallsBackToRssiOnTie(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 50, ClusterSize: 3, FreeMeshInConnections: 1, Rssi: -80},
		{Sender: 2, ClusterId: 50, ClusterSize: 3, FreeMeshInConnections: 1, Rssi: -30},
	}
	best, decision := BestPartner(entries, true, ownNodeId, ownClusterId)
	if decision != ConnectAsMaster || best.Sender != 2 {
		t.Errorf("BestPartner = %+v, decision=%v, want sender 2, ConnectAsMaster", best, decision)
	}
}

func TestBestPartnerIgnoresEntriesWithoutFreeSlot(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 999, FreeMeshInConnections: 0},
	}
	if _, decision := BestPartner(entries, true, ownNodeId, ownClusterId); decision != NoNodesFound {
		t.Errorf("decision = %v, want NoNodesFound when nobody has a free in-slot or out-slot", decision)
	}
}

// TestBestPartnerFallsBackToSlaveWhenNoMasterCandidateExists covers spec
// §4.3's second scoring branch: a neighbor with no free mesh-in slot of
// its own but a free mesh-out slot is still worth connecting to, just with
// the roles reversed, provided we ourselves have a free mesh-in slot to
// accept it on.
func TestBestPartnerFallsBackToSlaveWhenNoMasterCandidateExists(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 50, FreeMeshInConnections: 0, FreeMeshOutConnections: 1, Rssi: -40},
	}
	best, decision := BestPartner(entries, true, ownNodeId, ownClusterId)
	if decision != ConnectAsSlave {
		t.Fatalf("decision = %v, want ConnectAsSlave", decision)
	}
	if best.Sender != 1 {
		t.Errorf("BestPartner = sender %d, want sender 1", best.Sender)
	}
}

// TestBestPartnerMasterCandidateWinsOverSlaveCandidate covers spec §4.3's
// tie-break: when both a master and a slave candidate exist, connecting as
// master always wins.
func TestBestPartnerMasterCandidateWinsOverSlaveCandidate(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 999, FreeMeshInConnections: 0, FreeMeshOutConnections: 1},
		{Sender: 2, ClusterId: 10, FreeMeshInConnections: 1, FreeMeshOutConnections: 0},
	}
	best, decision := BestPartner(entries, true, ownNodeId, ownClusterId)
	if decision != ConnectAsMaster || best.Sender != 2 {
		t.Errorf("BestPartner = %+v, decision=%v, want sender 2, ConnectAsMaster", best, decision)
	}
}

// TestBestPartnerSkipsSlaveCandidateWithoutOwnFreeInSlot covers the gate
// on the slave branch: a slave candidate is only worth it if we ourselves
// could actually accept the inbound connection.
func TestBestPartnerSkipsSlaveCandidateWithoutOwnFreeInSlot(t *testing.T) {
	entries := []Entry{
		{Sender: 1, ClusterId: 50, FreeMeshInConnections: 0, FreeMeshOutConnections: 1},
	}
	if _, decision := BestPartner(entries, false, ownNodeId, ownClusterId); decision != NoNodesFound {
		t.Errorf("decision = %v, want NoNodesFound when we have no free mesh-in slot of our own", decision)
	}
}

// TestBestPartnerSymmetryBreakPicksExactlyOneInitiator covers spec §4.3
// point 3: two mutually-visible nodes, each seeing the other as an
// otherwise-eligible master candidate, must not both decide to dial.
// Plugging in both sides' own identity shows the tie-break agreeing on
// exactly one initiator, with the loser falling back to ConnectAsSlave.
func TestBestPartnerSymmetryBreakPicksExactlyOneInitiator(t *testing.T) {
	const nodeA, nodeB = 5, 7
	clusterA := ownClusterId
	clusterB := ownClusterId + 1

	peerAsSeenByA := []Entry{
		{Sender: nodeB, ClusterId: clusterB, FreeMeshInConnections: 1, FreeMeshOutConnections: 1},
	}
	peerAsSeenByB := []Entry{
		{Sender: nodeA, ClusterId: clusterA, FreeMeshInConnections: 1, FreeMeshOutConnections: 1},
	}

	_, decisionA := BestPartner(peerAsSeenByA, true, nodeA, clusterA)
	_, decisionB := BestPartner(peerAsSeenByB, true, nodeB, clusterB)

	if decisionA != ConnectAsMaster {
		t.Errorf("decisionA = %v, want ConnectAsMaster (nodeA has the smaller NodeId and must dial)", decisionA)
	}
	if decisionB != ConnectAsSlave {
		t.Errorf("decisionB = %v, want ConnectAsSlave (nodeB has the larger NodeId and must wait)", decisionB)
	}
}
