// Package handshake implements the three-message mesh handshake of spec
// §4.4 as an explicit finite state machine, per the re-architecture note in
// spec §9 ("Model explicitly as a finite state machine with inputs
// {Timer, PacketReceived(kind), Disconnect} and outputs {SendPacket(kind),
// Disconnect, Done(winner:bool)}. This is directly testable without a BLE
// stack."). internal/connmgr drives the FSM; the FSM never touches a BLE
// handle or a clock directly.
package handshake

import (
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/meshkey"
	"github.com/fruitymesh/core/internal/wire"
)

type state int

const (
	stateAwaitingWelcome state = iota // peripheral, before CLUSTER_WELCOME arrives
	stateAwaitingAck1                 // central, after sending CLUSTER_WELCOME
	stateAwaitingAck2                 // peripheral, after sending CLUSTER_ACK_1
	stateDone
)

// Config carries everything the FSM needs to drive one handshake. The
// Peer* fields are the counterpart's last known state from the neighbor
// table (spec §4.3 partner selection already read these before the
// connect was requested); the FSM does not consult the neighbor table
// itself.
type Config struct {
	Role Role

	OwnNodeId      meshid.NodeId
	PeerNodeId     meshid.NodeId
	OwnClusterId   meshid.ClusterId
	OwnClusterSize meshid.ClusterSize
	OwnHopsToSink  int16

	// PeerClusterId/PeerClusterSize are the peer's last-advertised values,
	// known from the neighbor table at connect time; only the central side
	// needs them; a peripheral relies on whatever CLUSTER_WELCOME carries.
	PeerClusterId   meshid.ClusterId
	PeerClusterSize meshid.ClusterSize

	MeshWriteHandle uint16
	NetworkKey      [16]byte

	Log *errlog.Log // optional; duplicate counters and warnings go here
}

// Role mirrors internal/ble.Role without importing internal/ble, so this
// package stays testable without any BLE dependency at all (spec §9:
// "directly testable without a BLE stack"). internal/connmgr converts from
// ble.Role when constructing a Config.
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

// OutboundPacket is a message the FSM wants sent on the link that owns it.
type OutboundPacket struct {
	MessageType wire.MessageType
	Payload     []byte
}

// DoneResult is emitted exactly once, when both sides would consider the
// handshake complete.
type DoneResult struct {
	Winner      bool
	MasterBit   uint8
	ClusterId   meshid.ClusterId
	ClusterSize meshid.ClusterSize
	// PeerHopsToSink is the counterpart's hopsToSink as carried on the
	// wire; the caller recomputes its own hopsToSink as
	// min(existing, PeerHopsToSink+1) per spec §4.6's propagation rule.
	PeerHopsToSink int16
}

// Output is what the FSM produces in response to one input. Disconnect and
// Done are terminal. The central's reply to CLUSTER_ACK_1 sets both
// SendPacket (carrying CLUSTER_ACK_2) and Done in the same Output.
type Output struct {
	SendPacket *OutboundPacket
	Disconnect bool
	Done       *DoneResult
}

// FSM runs one handshake for one connection.
type FSM struct {
	cfg   Config
	state state

	// pending carries the merge decision computed by the central side at
	// Start, so it can be echoed unchanged in CLUSTER_ACK_2.
	pendingMergedId    meshid.ClusterId
	pendingMergedSize  meshid.ClusterSize
	pendingWinner      bool
	tentativeClusterId meshid.ClusterId

	// peerHopsToSink is the central's hopsToSink as carried in
	// CLUSTER_WELCOME, captured by the peripheral so it can still be
	// reported in DoneResult once CLUSTER_ACK_2 lands (that later message
	// doesn't repeat the field; spec §4.4's wire table sizes ACK_2 at 6
	// bytes, with no room for it).
	peerHopsToSink int16
}

// Start constructs the FSM and produces whatever output firing up the link
// requires: the central side sends CLUSTER_WELCOME immediately, the
// peripheral side waits.
func Start(cfg Config) (*FSM, Output) {
	f := &FSM{cfg: cfg}

	if cfg.Role == RolePeripheral {
		f.state = stateAwaitingWelcome
		return f, Output{}
	}

	mergedId := meshid.MergedClusterId(cfg.OwnClusterId, cfg.PeerClusterId)
	f.pendingMergedId = mergedId
	f.pendingMergedSize = cfg.OwnClusterSize + cfg.PeerClusterSize
	f.pendingWinner = mergedId == cfg.OwnClusterId
	f.state = stateAwaitingAck1

	checkValue := meshkey.DeriveCheckValue(cfg.NetworkKey, mergedId)
	payload := append(wire.EncodeClusterWelcome(wire.ClusterWelcomePayload{
		ClusterId:       mergedId,
		ClusterSize:     cfg.OwnClusterSize,
		MeshWriteHandle: cfg.MeshWriteHandle,
		HopsToSink:      cfg.OwnHopsToSink,
	}), checkValue[:]...)

	return f, Output{SendPacket: &OutboundPacket{MessageType: wire.MessageTypeClusterWelcome, Payload: payload}}
}

// HandlePacket feeds a PacketReceived(kind) input to the FSM.
func (f *FSM) HandlePacket(messageType wire.MessageType, payload []byte) Output {
	switch f.state {
	case stateAwaitingWelcome:
		if messageType != wire.MessageTypeClusterWelcome {
			return Output{}
		}
		return f.handleWelcome(payload)

	case stateAwaitingAck1:
		if messageType != wire.MessageTypeClusterAck1 {
			return Output{}
		}
		return f.handleAck1(payload)

	case stateAwaitingAck2:
		if messageType != wire.MessageTypeClusterAck2 {
			return Output{}
		}
		return f.handleAck2(payload)

	case stateDone:
		switch messageType {
		case wire.MessageTypeClusterAck1:
			f.count(errlog.CountHandshakeAck1Duplicate)
		case wire.MessageTypeClusterAck2:
			f.count(errlog.CountHandshakeAck2Duplicate)
		}
		return Output{}
	}
	return Output{}
}

func (f *FSM) handleWelcome(payload []byte) Output {
	if len(payload) < wire.ClusterWelcomePayloadSize+meshkey.CheckValueSize {
		return Output{Disconnect: true}
	}
	p, err := wire.DecodeClusterWelcome(payload[:wire.ClusterWelcomePayloadSize])
	if err != nil {
		return Output{Disconnect: true}
	}
	var checkValue [meshkey.CheckValueSize]byte
	copy(checkValue[:], payload[wire.ClusterWelcomePayloadSize:wire.ClusterWelcomePayloadSize+meshkey.CheckValueSize])
	if !meshkey.VerifyCheckValue(f.cfg.NetworkKey, p.ClusterId, checkValue) {
		if f.cfg.Log != nil {
			f.cfg.Log.Warn(errlog.WarnGattWriteError, "handshake: rejected CLUSTER_WELCOME with bad admission check value")
		}
		return Output{Disconnect: true}
	}

	f.tentativeClusterId = p.ClusterId
	f.pendingWinner = p.ClusterId == f.cfg.OwnClusterId
	f.pendingMergedSize = p.ClusterSize
	f.peerHopsToSink = p.HopsToSink
	f.state = stateAwaitingAck2

	ack1 := wire.EncodeClusterAck1(wire.ClusterAck1Payload{HopsToSink: f.cfg.OwnHopsToSink})
	return Output{SendPacket: &OutboundPacket{MessageType: wire.MessageTypeClusterAck1, Payload: ack1}}
}

func (f *FSM) handleAck1(payload []byte) Output {
	p, err := wire.DecodeClusterAck1(payload)
	if err != nil {
		return Output{Disconnect: true}
	}

	f.state = stateDone
	ack2 := wire.EncodeClusterAck2(wire.ClusterAck2Payload{
		ClusterId:   f.pendingMergedId,
		ClusterSize: f.pendingMergedSize,
	})

	masterBit := uint8(0)
	if f.pendingWinner {
		masterBit = 1
	}
	if f.cfg.Log != nil {
		f.cfg.Log.Count(errlog.CountHandshakeDone)
	}

	return Output{
		SendPacket: &OutboundPacket{MessageType: wire.MessageTypeClusterAck2, Payload: ack2},
		Done: &DoneResult{
			Winner:         f.pendingWinner,
			MasterBit:      masterBit,
			ClusterId:      f.pendingMergedId,
			ClusterSize:    f.pendingMergedSize,
			PeerHopsToSink: p.HopsToSink,
		},
	}
}

func (f *FSM) handleAck2(payload []byte) Output {
	p, err := wire.DecodeClusterAck2(payload)
	if err != nil {
		return Output{Disconnect: true}
	}

	f.state = stateDone
	masterBit := uint8(0)
	if f.pendingWinner {
		masterBit = 1
	}
	if f.cfg.Log != nil {
		f.cfg.Log.Count(errlog.CountHandshakeDone)
	}

	return Output{Done: &DoneResult{
		Winner:         f.pendingWinner,
		MasterBit:      masterBit,
		ClusterId:      p.ClusterId,
		ClusterSize:    p.ClusterSize,
		PeerHopsToSink: f.peerHopsToSink,
	}}
}

// HandleTimer feeds a Timer input: remainingDs is the handshake budget
// still left, tracked by the caller (internal/connmgr owns
// HANDSHAKE_TIMEOUT_DS per connection); the FSM itself carries no clock.
// A remainingDs of zero or less ends an unfinished handshake with
// Disconnect.
func (f *FSM) HandleTimer(remainingDs int32) Output {
	if f.state == stateDone {
		return Output{}
	}
	if remainingDs <= 0 {
		if f.cfg.Log != nil {
			f.cfg.Log.Warn(errlog.WarnHandshakeTimeout, "handshake: timed out waiting for peer in state %d", f.state)
		}
		return Output{Disconnect: true}
	}
	return Output{}
}

// HandleDisconnect feeds a Disconnect input, making further calls into the
// FSM inert. It produces no output; the caller already knows the link is
// gone.
func (f *FSM) HandleDisconnect() {
	f.state = stateDone
}

// Done reports whether the handshake has already concluded (successfully
// or via disconnect).
func (f *FSM) Done() bool {
	return f.state == stateDone
}

func (f *FSM) count(t errlog.Type) {
	if f.cfg.Log != nil {
		f.cfg.Log.Count(t)
	}
}
