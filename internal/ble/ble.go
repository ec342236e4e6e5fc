// Package ble defines the host-side contract between the mesh core and a
// concrete BLE radio implementation, matching spec §6 ("Process-level
// contract"): GAP connection management, GATT write/notify, and the
// upcall events the core reacts to. internal/blesim and internal/bleplatform
// are the two implementations; the core never imports either directly —
// only this contract, the same composition-root seam the teacher uses
// between internal/bluetooth and internal/mesh.
package ble

import (
	"context"
	"errors"
	"time"

	"github.com/fruitymesh/core/internal/meshid"
)

// Errors a GapAdapter/GattController implementation returns for the
// conditions every adapter (simulated or real) can hit.
var (
	ErrNoSuchPeer      = errors.New("ble: no such peer address")
	ErrConnectTimeout  = errors.New("ble: connection attempt timed out")
	ErrUnknownHandle   = errors.New("ble: unknown connection handle")
)

// ConnHandle identifies one GATT link for the lifetime of that link. It is
// opaque to the core; adapters are free to reuse the underlying platform
// handle once Disconnected fires for it.
type ConnHandle uint16

// Role distinguishes who dialed: a Central drove the connection request, a
// Peripheral accepted one. Spec §3 "Connection slot" partitions slots by
// direction (meshIn/meshOut/appIn/appOut); Role is the raw GAP fact that
// partition is built from.
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

// EventKind enumerates every upcall the core can receive from a radio
// adapter, matching the original firmware's handleBleEvent switch (spec
// §6): connection lifecycle, RX/TX completion, and link-layer notifications.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventWriteRx
	EventTxComplete
	EventAdvertisementReceived
	EventMtuChanged
)

// Event is the single upcall type delivered through EventSink.Push. Only
// the fields relevant to Kind are populated; this mirrors the teacher's
// tagged bluetooth.Event rather than one struct-per-event-type, keeping the
// core's event switch a single type switch on Kind instead of N interfaces.
type Event struct {
	Kind EventKind

	Handle ConnHandle
	Role   Role

	// Disconnected
	HciReason uint8

	// WriteRx
	Payload []byte

	// TxComplete
	PacketCount uint8

	// AdvertisementReceived
	PeerAddr  meshid.GapAddr
	AdvPacket []byte
	Rssi      int8

	// MtuChanged
	Mtu uint16

	At time.Time
}

// EventSink receives upcalls from an adapter. The core's composition root
// implements it by forwarding to the node/connmgr dispatch tables; blesim
// implements a buffered test sink.
type EventSink interface {
	Push(Event)
}

// GapAdapter is the connection-oriented half of the contract: starting and
// stopping advertising/scanning, dialing a peer, and tearing a link down.
// Implementations must be safe to call from the single event-loop goroutine
// only — no internal locking is promised or required, matching the
// single-threaded cooperative model spec §9 assumes throughout.
type GapAdapter interface {
	// StartAdvertising begins broadcasting advPacket (already encoded by
	// wire.BuildAdvertisement) at the given interval until
	// StopAdvertising is called or a central connects.
	StartAdvertising(ctx context.Context, advPacket []byte, interval time.Duration) error
	StopAdvertising(ctx context.Context) error

	// StartScanning begins passive scanning; received advertisements are
	// delivered as EventAdvertisementReceived through the adapter's sink.
	StartScanning(ctx context.Context, window, interval time.Duration) error
	StopScanning(ctx context.Context) error

	// Connect dials addr as a central. The resulting handle, once the
	// link is up, arrives via an EventConnected upcall carrying RoleCentral.
	Connect(ctx context.Context, addr meshid.GapAddr) (ConnHandle, error)

	// Disconnect tears the link down; expect an EventDisconnected upcall
	// to follow once the controller confirms.
	Disconnect(ctx context.Context, handle ConnHandle) error

	// SetSink installs the event sink the adapter delivers upcalls to.
	SetSink(sink EventSink)
}

// GattController is the data-plane half: sending a write (core→peer) and
// learning the negotiated MTU. Inbound writes and notifications arrive as
// EventWriteRx upcalls rather than a return value, since the underlying
// GATT operation completes asynchronously on real hardware.
type GattController interface {
	// WriteWithoutResponse queues payload for transmission over handle.
	// Completion is reported later via an EventTxComplete upcall carrying
	// the number of packets the controller's link-layer queue drained,
	// mirroring the SoftDevice's BLE_GATTS_EVT_HVC/TX_COMPLETE batching
	// behavior the original firmware's queue accounting depends on.
	WriteWithoutResponse(ctx context.Context, handle ConnHandle, payload []byte) error

	// Mtu returns the negotiated attribute MTU for handle, or the default
	// minimum (23) before negotiation completes.
	Mtu(handle ConnHandle) uint16
}

// RadioEventHandler is invoked once per SoftDevice radio event, ahead of
// each SoftDevice-driven time step, matching the original firmware's
// "radio event" hook the AdvertisingController and ScanController use to
// decide whether to skip a job this tick because the radio is mid-link.
// In a hosted build this corresponds to an idle-vs-busy notification from
// the underlying BLE stack.
type RadioEventHandler func(radioActive bool)
