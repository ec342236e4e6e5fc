package blesim

import (
	"context"
	"sync"
	"time"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/meshid"
)

const defaultMtu = 23

// Radio is one simulated device's BLE front end. It implements both
// ble.GapAdapter and ble.GattController, same as a real platform adapter
// typically does both over a single controller handle.
type Radio struct {
	addr   meshid.GapAddr
	medium *Medium

	mu          sync.Mutex
	sink        ble.EventSink
	advertising bool
	advPacket   []byte
	scanning    bool
	conns       map[ble.ConnHandle]*simConn
	mtu         map[ble.ConnHandle]uint16
}

func (r *Radio) SetSink(sink ble.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Radio) Addr() meshid.GapAddr { return r.addr }

// StartAdvertising marks this radio as advertising advPacket. blesim
// delivers advertisements synchronously on demand (via Medium.Poll) rather
// than on a real timer, so the interval argument is ignored.
func (r *Radio) StartAdvertising(_ context.Context, advPacket []byte, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = true
	r.advPacket = append([]byte(nil), advPacket...)
	return nil
}

func (r *Radio) StopAdvertising(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	r.advPacket = nil
	return nil
}

func (r *Radio) StartScanning(_ context.Context, _, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = true
	return nil
}

func (r *Radio) StopScanning(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

// Poll delivers every currently-advertising peer's packet to every
// currently-scanning radio on the medium, standing in for the passage of
// real scan-window time. Scenario tests call this once per simulated tick.
func (m *Medium) Poll(rssi int8) {
	radios := m.snapshotRadios()
	type adv struct {
		addr   meshid.GapAddr
		packet []byte
	}
	var ads []adv
	for _, r := range radios {
		r.mu.Lock()
		if r.advertising && len(r.advPacket) > 0 {
			ads = append(ads, adv{addr: r.addr, packet: r.advPacket})
		}
		r.mu.Unlock()
	}
	for _, scanner := range radios {
		scanner.mu.Lock()
		isScanning := scanner.scanning
		sink := scanner.sink
		self := scanner.addr
		scanner.mu.Unlock()
		if !isScanning || sink == nil {
			continue
		}
		for _, a := range ads {
			if a.addr == self {
				continue
			}
			sink.Push(ble.Event{
				Kind:      ble.EventAdvertisementReceived,
				PeerAddr:  a.addr,
				AdvPacket: a.packet,
				Rssi:      rssi,
				At:        fixedNow(),
			})
		}
	}
}

// Connect dials addr as a central. Any radio registered on the medium can
// be dialed; whether the peer is currently advertising is not checked, and
// a successful dial stops the peer's advertising. Loss injection can make
// the dial fail with ErrConnectTimeout instead.
func (r *Radio) Connect(_ context.Context, addr meshid.GapAddr) (ble.ConnHandle, error) {
	peer, ok := r.medium.radioAt(addr)
	if !ok {
		return 0, ble.ErrNoSuchPeer
	}
	if r.medium.shouldDrop() {
		return 0, ble.ErrConnectTimeout
	}

	handle := r.medium.nextH.Next()
	conn := &simConn{handle: handle, central: r, peripheral: peer, open: true}

	r.mu.Lock()
	r.conns[handle] = conn
	r.mtu[handle] = defaultMtu
	sink := r.sink
	r.mu.Unlock()

	peer.mu.Lock()
	peer.conns[handle] = conn
	peer.mtu[handle] = defaultMtu
	peer.advertising = false
	peerSink := peer.sink
	peer.mu.Unlock()

	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventConnected, Handle: handle, Role: ble.RoleCentral, PeerAddr: addr, At: fixedNow()})
	}
	if peerSink != nil {
		peerSink.Push(ble.Event{Kind: ble.EventConnected, Handle: handle, Role: ble.RolePeripheral, PeerAddr: r.addr, At: fixedNow()})
	}
	return handle, nil
}

// Disconnect tears the link down and notifies both ends, including this
// radio's own sink, matching the ble.GapAdapter contract's "expect an
// EventDisconnected upcall to follow once the controller confirms" on the
// side that asked for the teardown, not only the peer (internal/connmgr's
// DisconnectMesh relies on its own handleDisconnected firing exactly as if
// the link had dropped on its own).
func (r *Radio) Disconnect(_ context.Context, handle ble.ConnHandle) error {
	r.mu.Lock()
	conn, ok := r.conns[handle]
	delete(r.conns, handle)
	delete(r.mtu, handle)
	sink := r.sink
	r.mu.Unlock()
	if !ok {
		return nil
	}

	conn.mu.Lock()
	wasOpen := conn.open
	conn.open = false
	conn.mu.Unlock()
	if !wasOpen {
		return nil
	}

	other := conn.peripheral
	if other == r {
		other = conn.central
	}
	other.mu.Lock()
	delete(other.conns, handle)
	delete(other.mtu, handle)
	otherSink := other.sink
	other.mu.Unlock()

	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventDisconnected, Handle: handle, HciReason: hciReasonRemoteUserTerminated, At: fixedNow()})
	}
	if otherSink != nil {
		otherSink.Push(ble.Event{Kind: ble.EventDisconnected, Handle: handle, HciReason: hciReasonRemoteUserTerminated, At: fixedNow()})
	}
	return nil
}

func (r *Radio) WriteWithoutResponse(_ context.Context, handle ble.ConnHandle, payload []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[handle]
	sink := r.sink
	r.mu.Unlock()
	if !ok {
		return ble.ErrUnknownHandle
	}
	if r.medium.shouldDrop() {
		if sink != nil {
			sink.Push(ble.Event{Kind: ble.EventTxComplete, Handle: handle, PacketCount: 1, At: fixedNow()})
		}
		return nil
	}

	other := conn.peripheral
	if other == r {
		other = conn.central
	}
	other.mu.Lock()
	otherSink := other.sink
	other.mu.Unlock()
	if otherSink != nil {
		otherSink.Push(ble.Event{Kind: ble.EventWriteRx, Handle: handle, Payload: append([]byte(nil), payload...), At: fixedNow()})
	}
	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventTxComplete, Handle: handle, PacketCount: 1, At: fixedNow()})
	}
	return nil
}

func (r *Radio) Mtu(handle ble.ConnHandle) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mtu[handle]; ok {
		return m
	}
	return defaultMtu
}

// SetMtu lets a scenario test simulate MTU negotiation completing above
// the default 23-byte floor, and delivers the EventMtuChanged upcall.
func (r *Radio) SetMtu(handle ble.ConnHandle, mtu uint16) {
	r.mu.Lock()
	r.mtu[handle] = mtu
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventMtuChanged, Handle: handle, Mtu: mtu, At: fixedNow()})
	}
}

const hciReasonRemoteUserTerminated = 0x13

// fixedNow avoids a bare time.Now() so scenario tests stay deterministic
// when they assert on Event.At; blesim stamps everything with the same
// instant since simulated ticks are the only clock that matters here.
func fixedNow() time.Time {
	return time.Unix(0, 0).UTC()
}
