// Package wire implements the byte-exact on-air formats of spec §6: the
// JOIN_ME advertising payload, connection packet headers and payloads, and
// the MTU split-fragment header. All multi-byte integers are little-endian
// and packing is exact with no padding, following the teacher's own
// hand-rolled binary codec (github.com/permissionlesstech/bitchat
// internal/protocol/binary.go and fragment.go) adapted from its
// length-prefixed chat-packet format to FruityMesh's fixed-layout records.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fruitymesh/core/internal/meshid"
)

// MessageType identifies the payload that follows a ConnPacketHeader on an
// established mesh link.
type MessageType uint8

const (
	MessageTypeClusterWelcome   MessageType = 50
	MessageTypeClusterAck1      MessageType = 51
	MessageTypeClusterAck2      MessageType = 52
	MessageTypeClusterInfoUpd   MessageType = 53
	MessageTypeValidateFreeSlot MessageType = 54 // supplemented, SPEC_FULL §5
	MessageTypeTimeSyncRequest  MessageType = 55 // supplemented, SPEC_FULL §4 (time sync)
	MessageTypeTimeSyncResponse MessageType = 56 // supplemented, SPEC_FULL §4 (time sync)
	MessageTypeData1            MessageType = 80
	MessageTypeAdvInfo          MessageType = 84
)

// AdvMessageType identifies the payload carried in the manufacturer-specific
// AD structure of a JOIN_ME-style advertisement.
type AdvMessageType uint8

const (
	AdvMessageTypeJoinMe     AdvMessageType = 0x01
	AdvMessageTypeMeshAccess AdvMessageType = 0x03
)

const (
	meshCompanyId     = 0x02E0 // arbitrary registered company id for this core
	meshIdentifierByte = 0xF0
)

var (
	ErrBufferTooSmall = errors.New("wire: buffer too small")
	ErrBadMagic        = errors.New("wire: advertisement does not carry the mesh identifier")
	ErrUnsupportedAdv  = errors.New("wire: unsupported advertisement message type")
)

const ConnPacketHeaderSize = 5

// ConnPacketHeader is the 5-byte prefix of every connection-message.
type ConnPacketHeader struct {
	MessageType MessageType
	Sender      meshid.NodeId
	Receiver    meshid.NodeId
}

func EncodeHeader(h ConnPacketHeader) []byte {
	b := make([]byte, ConnPacketHeaderSize)
	b[0] = byte(h.MessageType)
	binary.LittleEndian.PutUint16(b[1:3], uint16(h.Sender))
	binary.LittleEndian.PutUint16(b[3:5], uint16(h.Receiver))
	return b
}

func DecodeHeader(b []byte) (ConnPacketHeader, error) {
	if len(b) < ConnPacketHeaderSize {
		return ConnPacketHeader{}, ErrBufferTooSmall
	}
	return ConnPacketHeader{
		MessageType: MessageType(b[0]),
		Sender:      meshid.NodeId(binary.LittleEndian.Uint16(b[1:3])),
		Receiver:    meshid.NodeId(binary.LittleEndian.Uint16(b[3:5])),
	}, nil
}

// --- CLUSTER_WELCOME (10-byte payload) ---

type ClusterWelcomePayload struct {
	ClusterId      meshid.ClusterId
	ClusterSize    meshid.ClusterSize
	MeshWriteHandle uint16
	HopsToSink     int16
}

const ClusterWelcomePayloadSize = 10

func EncodeClusterWelcome(p ClusterWelcomePayload) []byte {
	b := make([]byte, ClusterWelcomePayloadSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.ClusterId))
	binary.LittleEndian.PutUint16(b[4:6], uint16(p.ClusterSize))
	binary.LittleEndian.PutUint16(b[6:8], p.MeshWriteHandle)
	binary.LittleEndian.PutUint16(b[8:10], uint16(p.HopsToSink))
	return b
}

func DecodeClusterWelcome(b []byte) (ClusterWelcomePayload, error) {
	if len(b) < ClusterWelcomePayloadSize {
		return ClusterWelcomePayload{}, ErrBufferTooSmall
	}
	return ClusterWelcomePayload{
		ClusterId:       meshid.ClusterId(binary.LittleEndian.Uint32(b[0:4])),
		ClusterSize:     meshid.ClusterSize(binary.LittleEndian.Uint16(b[4:6])),
		MeshWriteHandle: binary.LittleEndian.Uint16(b[6:8]),
		HopsToSink:      int16(binary.LittleEndian.Uint16(b[8:10])),
	}, nil
}

// --- CLUSTER_ACK_1 (3-byte payload) ---

type ClusterAck1Payload struct {
	HopsToSink int16
	Reserved   uint8
}

const ClusterAck1PayloadSize = 3

func EncodeClusterAck1(p ClusterAck1Payload) []byte {
	b := make([]byte, ClusterAck1PayloadSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.HopsToSink))
	b[2] = p.Reserved
	return b
}

func DecodeClusterAck1(b []byte) (ClusterAck1Payload, error) {
	if len(b) < ClusterAck1PayloadSize {
		return ClusterAck1Payload{}, ErrBufferTooSmall
	}
	return ClusterAck1Payload{
		HopsToSink: int16(binary.LittleEndian.Uint16(b[0:2])),
		Reserved:   b[2],
	}, nil
}

// --- CLUSTER_ACK_2 (6-byte payload) ---

type ClusterAck2Payload struct {
	ClusterId   meshid.ClusterId
	ClusterSize meshid.ClusterSize
}

const ClusterAck2PayloadSize = 6

func EncodeClusterAck2(p ClusterAck2Payload) []byte {
	b := make([]byte, ClusterAck2PayloadSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.ClusterId))
	binary.LittleEndian.PutUint16(b[4:6], uint16(p.ClusterSize))
	return b
}

func DecodeClusterAck2(b []byte) (ClusterAck2Payload, error) {
	if len(b) < ClusterAck2PayloadSize {
		return ClusterAck2Payload{}, ErrBufferTooSmall
	}
	return ClusterAck2Payload{
		ClusterId:   meshid.ClusterId(binary.LittleEndian.Uint32(b[0:4])),
		ClusterSize: meshid.ClusterSize(binary.LittleEndian.Uint16(b[4:6])),
	}, nil
}

// --- CLUSTER_INFO_UPDATE (12-byte payload) ---

type ClusterInfoUpdatePayload struct {
	CurrentClusterId  meshid.ClusterId
	NewClusterId      meshid.ClusterId
	ClusterSizeChange meshid.ClusterSize
	HopsToSink        int16
}

const ClusterInfoUpdatePayloadSize = 12

func EncodeClusterInfoUpdate(p ClusterInfoUpdatePayload) []byte {
	b := make([]byte, ClusterInfoUpdatePayloadSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.CurrentClusterId))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.NewClusterId))
	binary.LittleEndian.PutUint16(b[8:10], uint16(p.ClusterSizeChange))
	binary.LittleEndian.PutUint16(b[10:12], uint16(p.HopsToSink))
	return b
}

func DecodeClusterInfoUpdate(b []byte) (ClusterInfoUpdatePayload, error) {
	if len(b) < ClusterInfoUpdatePayloadSize {
		return ClusterInfoUpdatePayload{}, ErrBufferTooSmall
	}
	return ClusterInfoUpdatePayload{
		CurrentClusterId:  meshid.ClusterId(binary.LittleEndian.Uint32(b[0:4])),
		NewClusterId:      meshid.ClusterId(binary.LittleEndian.Uint32(b[4:8])),
		ClusterSizeChange: meshid.ClusterSize(binary.LittleEndian.Uint16(b[8:10])),
		HopsToSink:        int16(binary.LittleEndian.Uint16(b[10:12])),
	}, nil
}

// --- VALIDATE_FREE_SLOT (1-byte payload, SPEC_FULL §4/§5) ---
//
// The single byte is bit-packed so the request and its response share one
// wire shape: bits 0-5 carry RequestedSlots, bit 6 is Accepted (meaningful
// only when IsResponse is set), bit 7 is IsResponse itself.
const (
	validateFreeSlotRequestedMask = 0x3F
	validateFreeSlotAcceptedBit   = 0x40
	validateFreeSlotResponseBit   = 0x80
)

type ValidateFreeSlotPayload struct {
	RequestedSlots uint8
	IsResponse     bool
	Accepted       bool
}

const ValidateFreeSlotPayloadSize = 1

func EncodeValidateFreeSlot(p ValidateFreeSlotPayload) []byte {
	b := p.RequestedSlots & validateFreeSlotRequestedMask
	if p.IsResponse {
		b |= validateFreeSlotResponseBit
	}
	if p.Accepted {
		b |= validateFreeSlotAcceptedBit
	}
	return []byte{b}
}

func DecodeValidateFreeSlot(b []byte) (ValidateFreeSlotPayload, error) {
	if len(b) < ValidateFreeSlotPayloadSize {
		return ValidateFreeSlotPayload{}, ErrBufferTooSmall
	}
	return ValidateFreeSlotPayload{
		RequestedSlots: b[0] & validateFreeSlotRequestedMask,
		IsResponse:     b[0]&validateFreeSlotResponseBit != 0,
		Accepted:       b[0]&validateFreeSlotAcceptedBit != 0,
	}, nil
}

// --- TIME_SYNC_REQUEST / TIME_SYNC_RESPONSE (7-byte payload, SPEC_FULL §4) ---
//
// Both messages share a layout: the sender's view of global (wall-clock)
// time and the node id that originated it, so a receiver can tell whether
// the update is actually newer authority than what it already has.

type TimeSyncPayload struct {
	GlobalTimeSec uint32
	Source        meshid.NodeId
	SyncState     uint8
}

const TimeSyncPayloadSize = 7

func EncodeTimeSync(p TimeSyncPayload) []byte {
	b := make([]byte, TimeSyncPayloadSize)
	binary.LittleEndian.PutUint32(b[0:4], p.GlobalTimeSec)
	binary.LittleEndian.PutUint16(b[4:6], uint16(p.Source))
	b[6] = p.SyncState
	return b
}

func DecodeTimeSync(b []byte) (TimeSyncPayload, error) {
	if len(b) < TimeSyncPayloadSize {
		return TimeSyncPayload{}, ErrBufferTooSmall
	}
	return TimeSyncPayload{
		GlobalTimeSec: binary.LittleEndian.Uint32(b[0:4]),
		Source:        meshid.NodeId(binary.LittleEndian.Uint16(b[4:6])),
		SyncState:     b[6],
	}, nil
}

// --- ADVINFO (9-byte payload) ---

type AdvInfoPayload struct {
	Sender  meshid.NodeId
	Address [6]byte
	Rssi    int8
}

const AdvInfoPayloadSize = 9

func EncodeAdvInfo(p AdvInfoPayload) []byte {
	b := make([]byte, AdvInfoPayloadSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.Sender))
	copy(b[2:8], p.Address[:])
	b[8] = byte(p.Rssi)
	return b
}

func DecodeAdvInfo(b []byte) (AdvInfoPayload, error) {
	if len(b) < AdvInfoPayloadSize {
		return AdvInfoPayload{}, ErrBufferTooSmall
	}
	var p AdvInfoPayload
	p.Sender = meshid.NodeId(binary.LittleEndian.Uint16(b[0:2]))
	copy(p.Address[:], b[2:8])
	p.Rssi = int8(b[8])
	return p, nil
}

// --- DATA_1 (opaque application payload) ---

// EncodeData1 and DecodeData1 exist purely for symmetry with the other
// payload encoders; DATA_1 carries an opaque module payload verbatim.
func EncodeData1(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}

func DecodeData1(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// fmtTooShort is a tiny helper kept for error-message consistency across this
// file's Decode* functions.
func fmtTooShort(kind string, got, want int) error {
	return fmt.Errorf("wire: %s payload too short: got %d bytes, want at least %d: %w", kind, got, want, ErrBufferTooSmall)
}
