// Package module implements the module framework (spec §4.7): modules are
// objects addressable by a 16-bit ModuleId, registered with a Node at
// boot, that receive lifecycle and mesh-message hooks. After reassembly
// the ConnectionManager hands each DATA_1 payload to the Node, which
// decodes the ModuleActionMessage envelope and dispatches it to the
// target module's MeshMessageReceivedHandler.
package module

import (
	"encoding/binary"
	"fmt"

	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/wire"
)

// Id is a module's 16-bit address. Ids below VendorIdThreshold are
// reserved for built-in modules; ids at or above it carry a 2-byte vendor
// prefix in their upper bits (spec §4.7: "an optional 32-bit vendor-module
// id carrying a 2-byte vendor prefix").
type Id uint16

const VendorIdThreshold Id = 0x8000

// VendorId builds a vendor-scoped module id: the top bit marks it as
// vendor-scoped, the next 7 bits carry the registered vendor prefix, and
// the low byte is a module-local index.
func VendorId(vendorPrefix uint8, localId uint8) Id {
	return VendorIdThreshold | Id(vendorPrefix&0x7F)<<8 | Id(localId)
}

// ActionMessage is the envelope carried in a DATA_1 connPacket aimed at a
// module: {header, moduleId, actionType, requestHandle, data[]}.
type ActionMessage struct {
	Header        wire.ConnPacketHeader
	ModuleId      Id
	ActionType    uint8
	RequestHandle uint8
	Data          []byte
}

// actionMessageFixedSize is the byte cost of ModuleId+ActionType+RequestHandle,
// the part of the envelope that precedes the opaque Data tail.
const actionMessageFixedSize = 4

// EncodeActionMessage serializes everything but Header: internal/connmgr
// already owns encoding/decoding the outer ConnPacketHeader for a DATA_1
// connPacket, so only the module-specific tail travels through this
// function.
func EncodeActionMessage(msg ActionMessage) []byte {
	out := make([]byte, actionMessageFixedSize+len(msg.Data))
	binary.LittleEndian.PutUint16(out[0:2], uint16(msg.ModuleId))
	out[2] = msg.ActionType
	out[3] = msg.RequestHandle
	copy(out[4:], msg.Data)
	return out
}

// DecodeActionMessage parses the module-specific tail of a DATA_1 payload
// already stripped of its ConnPacketHeader; header is attached verbatim
// since the caller already decoded it.
func DecodeActionMessage(header wire.ConnPacketHeader, raw []byte) (ActionMessage, error) {
	if len(raw) < actionMessageFixedSize {
		return ActionMessage{}, fmt.Errorf("module: action message too short: got %d bytes, want at least %d", len(raw), actionMessageFixedSize)
	}
	return ActionMessage{
		Header:        header,
		ModuleId:      Id(binary.LittleEndian.Uint16(raw[0:2])),
		ActionType:    raw[2],
		RequestHandle: raw[3],
		Data:          append([]byte(nil), raw[4:]...),
	}, nil
}

// Module is the interface every registered module implements. Modules
// must be side-effect-free during handshake: callers must check
// HandshakeDone before invoking MeshMessageReceivedHandler, per spec §4.7
// ("Modules must be side-effect-free during handshake").
type Module interface {
	Id() Id

	// ConfigurationLoadedHandler fires once board/network config has been
	// parsed, before the mesh event loop starts.
	ConfigurationLoadedHandler()

	// TimerEventHandler fires every composition-root tick.
	TimerEventHandler(passedTimeDs uint16)

	// TerminalCommandHandler handles a parsed command line aimed at this
	// module; it returns true if it recognized and handled argv[0].
	TerminalCommandHandler(argv []string) bool

	// MeshMessageReceivedHandler delivers a reassembled ActionMessage
	// whose ModuleId matches this module's Id(). Callers MUST NOT invoke
	// this before the sending connection's handshake has completed.
	MeshMessageReceivedHandler(fromSender meshid.NodeId, msg ActionMessage)

	// MeshConnectionChangedHandler notifies a module that the connection
	// addressed by handle changed state (new handshake-complete link,
	// teardown, etc).
	MeshConnectionChangedHandler(handle uint16)

	// GapAdvertisementReportEventHandler delivers a raw advertisement a
	// module may want to inspect independent of mesh JOIN_ME processing
	// (e.g. the ADVINFO relay, SPEC_FULL §4).
	GapAdvertisementReportEventHandler(peerAddr meshid.GapAddr, rssi int8, advData []byte)
}

// Registry owns every module registered with a single Node and fans
// lifecycle/mesh events out to them in registration order.
type Registry struct {
	modules []Module
	byId    map[Id]Module
}

func NewRegistry() *Registry {
	return &Registry{byId: make(map[Id]Module)}
}

// Register adds m to the registry. It returns an error if m's Id is
// already taken, since dispatch requires a unique owner per id.
func (r *Registry) Register(m Module) error {
	if _, exists := r.byId[m.Id()]; exists {
		return fmt.Errorf("module: id %#x already registered", m.Id())
	}
	r.modules = append(r.modules, m)
	r.byId[m.Id()] = m
	return nil
}

// Get returns the module registered under id, if any.
func (r *Registry) Get(id Id) (Module, bool) {
	m, ok := r.byId[id]
	return m, ok
}

// All returns every registered module in registration order.
func (r *Registry) All() []Module {
	return r.modules
}

// Dispatch delivers msg to the module addressed by msg.ModuleId, if
// registered. It is the caller's responsibility (internal/node's
// ModuleMessageReceived, fed by internal/connmgr) to withhold this call
// until the originating connection's handshake is complete.
func (r *Registry) Dispatch(fromSender meshid.NodeId, msg ActionMessage) {
	m, ok := r.byId[msg.ModuleId]
	if !ok {
		return
	}
	m.MeshMessageReceivedHandler(fromSender, msg)
}

// BroadcastTimerEvent fans a timer tick out to every registered module.
func (r *Registry) BroadcastTimerEvent(passedTimeDs uint16) {
	for _, m := range r.modules {
		m.TimerEventHandler(passedTimeDs)
	}
}

// BroadcastConfigurationLoaded notifies every registered module that
// configuration has finished loading.
func (r *Registry) BroadcastConfigurationLoaded() {
	for _, m := range r.modules {
		m.ConfigurationLoadedHandler()
	}
}

// BroadcastConnectionChanged notifies every registered module of a
// connection state change.
func (r *Registry) BroadcastConnectionChanged(handle uint16) {
	for _, m := range r.modules {
		m.MeshConnectionChangedHandler(handle)
	}
}

// BroadcastAdvertisementReport fans a raw advertisement report out to
// every registered module.
func (r *Registry) BroadcastAdvertisementReport(peerAddr meshid.GapAddr, rssi int8, advData []byte) {
	for _, m := range r.modules {
		m.GapAdvertisementReportEventHandler(peerAddr, rssi, advData)
	}
}

// HandleTerminalCommand routes argv to each registered module until one
// reports it handled the command, mirroring a terminal command dispatcher
// trying handlers in registration order.
func (r *Registry) HandleTerminalCommand(argv []string) bool {
	for _, m := range r.modules {
		if m.TerminalCommandHandler(argv) {
			return true
		}
	}
	return false
}
