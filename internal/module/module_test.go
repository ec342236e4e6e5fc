package module

import (
	"testing"

	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/wire"
)

type fakeModule struct {
	id                Id
	timerTicks        uint16
	configLoaded      bool
	lastMessage       *ActionMessage
	lastSender        meshid.NodeId
	lastHandleChanged uint16
	terminalHandled   []string
	handleTerminal    bool
}

func (m *fakeModule) Id() Id                         { return m.id }
func (m *fakeModule) ConfigurationLoadedHandler()    { m.configLoaded = true }
func (m *fakeModule) TimerEventHandler(dt uint16)    { m.timerTicks += dt }
func (m *fakeModule) TerminalCommandHandler(argv []string) bool {
	m.terminalHandled = argv
	return m.handleTerminal
}
func (m *fakeModule) MeshMessageReceivedHandler(sender meshid.NodeId, msg ActionMessage) {
	m.lastSender = sender
	cp := msg
	m.lastMessage = &cp
}
func (m *fakeModule) MeshConnectionChangedHandler(handle uint16) { m.lastHandleChanged = handle }
func (m *fakeModule) GapAdvertisementReportEventHandler(meshid.GapAddr, int8, []byte) {}

func TestRegisterRejectsDuplicateId(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeModule{id: 1}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(&fakeModule{id: 1}); err == nil {
		t.Fatal("expected an error registering a duplicate module id")
	}
}

func TestDispatchRoutesToCorrectModule(t *testing.T) {
	r := NewRegistry()
	a := &fakeModule{id: 1}
	b := &fakeModule{id: 2}
	_ = r.Register(a)
	_ = r.Register(b)

	msg := ActionMessage{ModuleId: 2, ActionType: 7, Data: []byte{1, 2}}
	r.Dispatch(42, msg)

	if a.lastMessage != nil {
		t.Error("module a should not have received the message")
	}
	if b.lastMessage == nil || b.lastSender != 42 || b.lastMessage.ActionType != 7 {
		t.Errorf("module b did not receive the expected message: %+v", b.lastMessage)
	}
}

func TestDispatchToUnregisteredIdIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Dispatch(1, ActionMessage{ModuleId: 99})
}

func TestBroadcastTimerEventReachesAllModules(t *testing.T) {
	r := NewRegistry()
	a := &fakeModule{id: 1}
	b := &fakeModule{id: 2}
	_ = r.Register(a)
	_ = r.Register(b)

	r.BroadcastTimerEvent(5)
	if a.timerTicks != 5 || b.timerTicks != 5 {
		t.Errorf("expected both modules ticked by 5, got a=%d b=%d", a.timerTicks, b.timerTicks)
	}
}

func TestHandleTerminalCommandStopsAtFirstHandler(t *testing.T) {
	r := NewRegistry()
	a := &fakeModule{id: 1, handleTerminal: false}
	b := &fakeModule{id: 2, handleTerminal: true}
	c := &fakeModule{id: 3, handleTerminal: true}
	_ = r.Register(a)
	_ = r.Register(b)
	_ = r.Register(c)

	if !r.HandleTerminalCommand([]string{"status"}) {
		t.Fatal("expected command to be handled")
	}
	if len(c.terminalHandled) != 0 {
		t.Error("module c should not have been consulted once module b handled the command")
	}
}

func TestActionMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := ActionMessage{
		Header:        wire.ConnPacketHeader{MessageType: wire.MessageTypeData1, Sender: 1, Receiver: 2},
		ModuleId:      7,
		ActionType:    3,
		RequestHandle: 9,
		Data:          []byte{0xAA, 0xBB, 0xCC},
	}
	encoded := EncodeActionMessage(msg)
	decoded, err := DecodeActionMessage(msg.Header, encoded)
	if err != nil {
		t.Fatalf("DecodeActionMessage() error: %v", err)
	}
	if decoded.ModuleId != msg.ModuleId || decoded.ActionType != msg.ActionType || decoded.RequestHandle != msg.RequestHandle {
		t.Errorf("decoded = %+v, want fields matching %+v", decoded, msg)
	}
	if string(decoded.Data) != string(msg.Data) {
		t.Errorf("decoded.Data = %v, want %v", decoded.Data, msg.Data)
	}
}

func TestDecodeActionMessageTooShortErrors(t *testing.T) {
	if _, err := DecodeActionMessage(wire.ConnPacketHeader{}, []byte{1, 2}); err == nil {
		t.Fatal("expected an error decoding a truncated action message")
	}
}

func TestVendorIdSetsTopBit(t *testing.T) {
	id := VendorId(0x12, 3)
	if id < VendorIdThreshold {
		t.Errorf("VendorId() = %#x, expected it to be >= VendorIdThreshold", id)
	}
}
