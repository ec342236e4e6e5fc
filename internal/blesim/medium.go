// Package blesim is an in-memory simulated BLE medium used by scenario
// tests (spec §8, scenarios S1-S6) in place of real radio hardware. It
// implements the internal/ble contract so the mesh core under test cannot
// tell it apart from internal/bleplatform, the same substitution the
// teacher's tests make for its bluetooth.Adapter interface via an
// in-memory fake rather than a real Linux BlueZ session.
package blesim

import (
	"fmt"
	"sync"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/meshid"
)

// Medium is a shared broadcast domain: every Radio registered on the same
// Medium can hear every other Radio's advertisements and dial each other,
// with configurable packet loss for fault-injection scenarios (S4).
type Medium struct {
	mu      sync.Mutex
	radios  map[meshid.GapAddr]*Radio
	nextH   ConnHandleAllocator
	lossPct int // 0-100, applied per packet/connection attempt
	rngNext func() int
}

// ConnHandleAllocator hands out monotonically increasing handles shared
// across every Radio on a Medium, so handles never collide between peers.
type ConnHandleAllocator struct {
	mu   sync.Mutex
	next ble.ConnHandle
}

func (a *ConnHandleAllocator) Next() ble.ConnHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}

// NewMedium constructs an empty medium with no loss injection configured;
// see SetLossPercent.
func NewMedium() *Medium {
	return &Medium{
		radios: make(map[meshid.GapAddr]*Radio),
	}
}

// SetLossPercent configures what fraction of writes and connection
// attempts silently fail, used by the S4 reliability scenario. rngNext,
// if non-nil, is consulted to decide each loss (its value modulo 100 is
// compared against pct); tests inject a deterministic sequence instead of
// math/rand for reproducibility. With a nil rngNext nothing is dropped.
func (m *Medium) SetLossPercent(pct int, rngNext func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lossPct = pct
	m.rngNext = rngNext
}

func (m *Medium) shouldDrop() bool {
	if m.lossPct <= 0 {
		return false
	}
	if m.rngNext == nil {
		return false
	}
	return m.rngNext()%100 < m.lossPct
}

// NewRadio registers and returns a new simulated radio at addr. addr must
// be unique on this medium.
func (m *Medium) NewRadio(addr meshid.GapAddr) (*Radio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.radios[addr]; exists {
		return nil, fmt.Errorf("blesim: address %s already registered", addr)
	}
	r := &Radio{
		addr:   addr,
		medium: m,
		conns:  make(map[ble.ConnHandle]*simConn),
		mtu:    map[ble.ConnHandle]uint16{},
	}
	m.radios[addr] = r
	return r, nil
}

// Remove unregisters a radio, e.g. to simulate a device powering off
// entirely (distinct from disconnecting one link).
func (m *Medium) Remove(addr meshid.GapAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.radios, addr)
}

func (m *Medium) radioAt(addr meshid.GapAddr) (*Radio, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.radios[addr]
	return r, ok
}

func (m *Medium) snapshotRadios() []*Radio {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Radio, 0, len(m.radios))
	for _, r := range m.radios {
		out = append(out, r)
	}
	return out
}

// simConn is the shared state of one simulated link, visible to both ends.
type simConn struct {
	handle   ble.ConnHandle
	central  *Radio
	peripheral *Radio
	mu       sync.Mutex
	open     bool
}
