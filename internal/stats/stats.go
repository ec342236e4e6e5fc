// Package stats implements the PacketStat table (spec §3): "a fixed,
// sparse table used to observe packet mix", keyed by
// {messageType, moduleId, actionType, requestHandle}. It is the third
// internal/ring.Buffer[T] instantiation alongside the neighbor table and
// the error log, per SPEC_FULL §2.
package stats

import (
	"strconv"

	"github.com/fruitymesh/core/internal/ring"
	"github.com/fruitymesh/core/internal/wire"
)

// Capacity bounds how many distinct (messageType, moduleId, actionType,
// requestHandle) combinations are tracked at once — packet mix
// observation only needs the recently-active combinations, not an
// unbounded history.
const Capacity = 64

// Key identifies one packet-mix bucket.
type Key struct {
	MessageType   wire.MessageType
	ModuleId      uint16
	ActionType    uint8
	RequestHandle uint8
}

func (k Key) string() string {
	return strconv.FormatUint(uint64(k.MessageType), 10) + ":" +
		strconv.FormatUint(uint64(k.ModuleId), 10) + ":" +
		strconv.FormatUint(uint64(k.ActionType), 10) + ":" +
		strconv.FormatUint(uint64(k.RequestHandle), 10)
}

// Stat is one observed bucket's running count.
type Stat struct {
	Key   Key
	Count uint32
}

// Table is the sparse PacketStat table for one node.
type Table struct {
	buf *ring.Buffer[*Stat]
}

func NewTable() *Table {
	return &Table{buf: ring.New[*Stat](Capacity, 0, nil)}
}

// Increment bumps the count for key by one, creating the bucket if this
// is the first packet observed with this key.
func (t *Table) Increment(key Key) {
	skey := key.string()
	for _, s := range t.buf.Items() {
		if s.Key == key {
			s.Count++
			return
		}
	}
	t.buf.Upsert(skey, &Stat{Key: key, Count: 1})
}

// Count returns the current count for key, or zero if never observed (or
// since evicted).
func (t *Table) Count(key Key) uint32 {
	for _, s := range t.buf.Items() {
		if s.Key == key {
			return s.Count
		}
	}
	return 0
}

// All returns a snapshot of every currently tracked bucket.
func (t *Table) All() []Stat {
	items := t.buf.Items()
	out := make([]Stat, len(items))
	for i, s := range items {
		out[i] = *s
	}
	return out
}
