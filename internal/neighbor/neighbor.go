// Package neighbor maintains the table of recently-heard JOIN_ME
// advertisements a node uses to pick a clustering partner (spec §4.2-§4.4).
// Exactly one entry is kept per sender, refreshed rather than duplicated
// on every new JOIN_ME heard from that sender, and entries older than
// StaleAfterDs are dropped — the clustering analogue of the teacher's
// TTL'd ExpiringSet (pkg/utils/expiring.go), built on internal/ring's
// generic buffer instead of a bespoke map+mutex+goroutine.
package neighbor

import (
	"strconv"
	"time"

	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/ring"
)

// StaleAfter is how long a JOIN_ME entry remains eligible for partner
// selection before it is pruned, per spec §4.2.
const StaleAfter = 10 * time.Second

// Capacity bounds how many distinct senders' JOIN_ME entries are kept at
// once; a node id range of up to NodeIdMax makes an unbounded table
// impractical, and spec §4.2 only ever needs the most recently heard
// handful of candidates to pick a partner from.
const Capacity = 32

// Entry is one neighbor's most recently heard JOIN_ME advertisement, plus
// the last-seen RSSI used as a tiebreaker in partner scoring.
type Entry struct {
	Sender                 meshid.NodeId
	ClusterId              meshid.ClusterId
	ClusterSize            meshid.ClusterSize
	FreeMeshInConnections  uint8
	FreeMeshOutConnections uint8
	BatteryRuntime         uint8
	TxPower                int8
	DeviceType             meshid.DeviceType
	HopsToSink             int16
	Rssi                   int8

	// AckField carries the partner's advertised ack value, used by a
	// connecting node to notice a neighbor already acknowledging it back
	// (spec §3 "JoinMeBufferPacket").
	AckField meshid.ClusterId

	// Address is the neighbor's BLE address, needed to dial it once
	// partner selection (spec §4.3) picks it.
	Address meshid.GapAddr

	// ReceivedTimeDs is a diagnostics-only slot for the node-local
	// appTimerDs value at the last refresh; internal/node's JOIN_ME
	// handling leaves it zero. Staleness itself is enforced by
	// internal/ring's age-based eviction, not this field.
	ReceivedTimeDs uint32
}

func (e Entry) hasFreeInConnection() bool  { return e.FreeMeshInConnections > 0 }
func (e Entry) hasFreeOutConnection() bool { return e.FreeMeshOutConnections > 0 }

// Table is the neighbor table for one local node.
type Table struct {
	buf *ring.Buffer[Entry]
}

// NewTable constructs an empty table. clock is injected so tests can
// control staleness deterministically instead of sleeping real time.
func NewTable(clock func() time.Time) *Table {
	return &Table{buf: ring.New[Entry](Capacity, StaleAfter, clock)}
}

// Upsert records or refreshes the entry for e.Sender.
func (t *Table) Upsert(e Entry) {
	t.buf.Upsert(senderKey(e.Sender), e)
}

// Remove drops any entry for sender, e.g. once that neighbor becomes a
// direct connection and no longer needs to be scored as a join candidate.
func (t *Table) Remove(sender meshid.NodeId) {
	t.buf.Delete(senderKey(sender))
}

// Entries returns every live (non-stale) neighbor entry.
func (t *Table) Entries() []Entry {
	return t.buf.Items()
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	return t.buf.Len()
}

// Decision is the three-way outcome of a partner-selection pass (spec
// §4.3): either dial out as the master side, stay put and let the chosen
// neighbor dial us as the slave side, or find nobody worth pursuing.
type Decision uint8

const (
	NoNodesFound Decision = iota
	ConnectAsMaster
	ConnectAsSlave
)

// BestPartner selects the neighbor a node should attempt to connect to
// next, applying spec §4.3's scoring rule: prefer the neighbor offering
// the numerically larger cluster id (the side that would win a tie-break
// merge anyway), then prefer larger cluster size, then the strongest RSSI.
//
// Two candidate pools are scored by that same tie-break, one per
// connection direction: a master candidate must have a free mesh-in slot
// of its own (we'd dial it), a slave candidate must have a free mesh-out
// slot of its own (it would dial us, so we only consider this when
// ownFreeMeshIn says we could actually accept that inbound connection).
// Connecting as master always wins when both pools have a candidate,
// since the master side drives the handshake and spec §4.3 prefers
// resolving ties that way rather than leaving it to chance which side
// dials first.
//
// A master candidate also has to win the symmetry-break tie from spec
// §4.3 point 3: two mutually-visible nodes both eligible to dial each
// other must not both do so on the same decision tick. ownNodeId and
// ownClusterId are the local node's own identity, compared lexicographically
// against the candidate's (NodeId, ClusterId); only the side that wins
// that comparison is allowed to treat the candidate as a master
// candidate, so both sides independently agree on exactly one initiator.
// The loser still falls through to the slave pool below.
func BestPartner(entries []Entry, ownFreeMeshIn bool, ownNodeId meshid.NodeId, ownClusterId meshid.ClusterId) (Entry, Decision) {
	if master, ok := bestByDirection(entries, func(e Entry) bool {
		return e.hasFreeInConnection() && weInitiate(ownNodeId, ownClusterId, e.Sender, e.ClusterId)
	}); ok {
		return master, ConnectAsMaster
	}
	if ownFreeMeshIn {
		if slave, ok := bestByDirection(entries, Entry.hasFreeOutConnection); ok {
			return slave, ConnectAsSlave
		}
	}
	return Entry{}, NoNodesFound
}

// weInitiate breaks a symmetric connect race (spec §4.3 point 3): given
// two nodes that can each see the other as a master candidate, exactly
// one side's comparison must come out true. The numerically smaller
// NodeId always initiates; ties on NodeId (impossible for distinct
// nodes, since NodeId is unique) fall back to ClusterId so the
// comparison stays total.
func weInitiate(ownNodeId meshid.NodeId, ownClusterId meshid.ClusterId, peerNodeId meshid.NodeId, peerClusterId meshid.ClusterId) bool {
	if ownNodeId != peerNodeId {
		return ownNodeId < peerNodeId
	}
	return ownClusterId < peerClusterId
}

func bestByDirection(entries []Entry, eligible func(Entry) bool) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if !eligible(e) {
			continue
		}
		if !found {
			best, found = e, true
			continue
		}
		if betterPartner(e, best) {
			best = e
		}
	}
	return best, found
}

func betterPartner(candidate, current Entry) bool {
	if candidate.ClusterId != current.ClusterId {
		return candidate.ClusterId > current.ClusterId
	}
	if candidate.ClusterSize != current.ClusterSize {
		return candidate.ClusterSize > current.ClusterSize
	}
	return candidate.Rssi > current.Rssi
}

func senderKey(sender meshid.NodeId) string {
	return strconv.FormatUint(uint64(sender), 10)
}
