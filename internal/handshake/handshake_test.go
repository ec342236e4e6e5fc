package handshake

import (
	"testing"

	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/wire"
)

var testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func centralConfig() Config {
	return Config{
		Role:            RoleCentral,
		OwnNodeId:       1,
		PeerNodeId:      2,
		OwnClusterId:    meshid.NewClusterId(1, 0),
		OwnClusterSize:  1,
		OwnHopsToSink:   0,
		PeerClusterId:   meshid.NewClusterId(2, 0),
		PeerClusterSize: 1,
		MeshWriteHandle: 42,
		NetworkKey:      testKey,
	}
}

func peripheralConfig() Config {
	return Config{
		Role:           RolePeripheral,
		OwnNodeId:      2,
		PeerNodeId:     1,
		OwnClusterId:   meshid.NewClusterId(2, 0),
		OwnClusterSize: 1,
		OwnHopsToSink:  0,
		NetworkKey:     testKey,
	}
}

// runFullHandshake drives a central and a peripheral FSM against each other
// directly, bypassing any transport, and returns both Done results.
func runFullHandshake(t *testing.T) (centralDone, peripheralDone *DoneResult) {
	t.Helper()

	central, out := Start(centralConfig())
	if out.SendPacket == nil || out.SendPacket.MessageType != wire.MessageTypeClusterWelcome {
		t.Fatalf("central Start() did not send CLUSTER_WELCOME: %+v", out)
	}
	welcomePacket := *out.SendPacket

	peripheral, out := Start(peripheralConfig())
	if out.SendPacket != nil || out.Done != nil {
		t.Fatalf("peripheral Start() should be inert, got %+v", out)
	}

	out = peripheral.HandlePacket(welcomePacket.MessageType, welcomePacket.Payload)
	if out.SendPacket == nil || out.SendPacket.MessageType != wire.MessageTypeClusterAck1 {
		t.Fatalf("peripheral did not reply with CLUSTER_ACK_1: %+v", out)
	}
	ack1Packet := *out.SendPacket

	out = central.HandlePacket(ack1Packet.MessageType, ack1Packet.Payload)
	if out.SendPacket == nil || out.SendPacket.MessageType != wire.MessageTypeClusterAck2 {
		t.Fatalf("central did not reply with CLUSTER_ACK_2: %+v", out)
	}
	if out.Done == nil {
		t.Fatal("central should be Done after sending CLUSTER_ACK_2")
	}
	ack2Packet := *out.SendPacket
	centralDone = out.Done

	out = peripheral.HandlePacket(ack2Packet.MessageType, ack2Packet.Payload)
	if out.Done == nil {
		t.Fatal("peripheral should be Done after receiving CLUSTER_ACK_2")
	}
	peripheralDone = out.Done

	return centralDone, peripheralDone
}

func TestFullHandshakeAgreesOnClusterIdentityAndMasterBit(t *testing.T) {
	centralDone, peripheralDone := runFullHandshake(t)

	if centralDone.ClusterId != peripheralDone.ClusterId {
		t.Errorf("clusterId mismatch: central=%#x peripheral=%#x", centralDone.ClusterId, peripheralDone.ClusterId)
	}
	if centralDone.ClusterSize != peripheralDone.ClusterSize {
		t.Errorf("clusterSize mismatch: central=%d peripheral=%d", centralDone.ClusterSize, peripheralDone.ClusterSize)
	}
	if int(centralDone.MasterBit)+int(peripheralDone.MasterBit) != 1 {
		t.Errorf("master bits must sum to exactly 1, got central=%d peripheral=%d", centralDone.MasterBit, peripheralDone.MasterBit)
	}
	if centralDone.Winner == peripheralDone.Winner {
		t.Errorf("exactly one side should be the merge winner, got central=%v peripheral=%v", centralDone.Winner, peripheralDone.Winner)
	}
}

func TestPeripheralDoneCarriesCentralsHopsToSink(t *testing.T) {
	cfg := centralConfig()
	cfg.OwnHopsToSink = 3
	central, out := Start(cfg)
	welcomePacket := *out.SendPacket

	peripheral, _ := Start(peripheralConfig())
	out = peripheral.HandlePacket(welcomePacket.MessageType, welcomePacket.Payload)
	ack1Packet := *out.SendPacket

	out = central.HandlePacket(ack1Packet.MessageType, ack1Packet.Payload)
	ack2Packet := *out.SendPacket

	out = peripheral.HandlePacket(ack2Packet.MessageType, ack2Packet.Payload)
	if out.Done == nil {
		t.Fatal("peripheral should be Done after receiving CLUSTER_ACK_2")
	}
	if out.Done.PeerHopsToSink != 3 {
		t.Errorf("peripheral's DoneResult.PeerHopsToSink = %d, want the central's OwnHopsToSink (3) carried in CLUSTER_WELCOME", out.Done.PeerHopsToSink)
	}
}

func TestMergeWinnerKeepsTheLargerClusterId(t *testing.T) {
	centralDone, _ := runFullHandshake(t)

	want := meshid.MergedClusterId(meshid.NewClusterId(1, 0), meshid.NewClusterId(2, 0))
	if centralDone.ClusterId != want {
		t.Errorf("ClusterId = %#x, want the larger of the two source ids (%#x)", centralDone.ClusterId, want)
	}
}

func TestWelcomeWithBadCheckValueIsRejected(t *testing.T) {
	_, out := Start(centralConfig())
	tampered := append([]byte{}, out.SendPacket.Payload...)
	tampered[len(tampered)-1] ^= 0xFF // corrupt the admission check value trailer

	peripheral, _ := Start(peripheralConfig())
	reply := peripheral.HandlePacket(wire.MessageTypeClusterWelcome, tampered)
	if !reply.Disconnect {
		t.Fatalf("expected a disconnect for a forged admission check value, got %+v", reply)
	}
}

func TestDuplicateAck1AfterDoneIsIgnoredAndCounted(t *testing.T) {
	cfg := centralConfig()
	log := errlog.New(nil, nil, nil)
	cfg.Log = log
	central, out := Start(cfg)
	welcomePacket := *out.SendPacket

	peripheral, _ := Start(peripheralConfig())
	out = peripheral.HandlePacket(welcomePacket.MessageType, welcomePacket.Payload)
	ack1Packet := *out.SendPacket

	out = central.HandlePacket(ack1Packet.MessageType, ack1Packet.Payload)
	if out.Done == nil {
		t.Fatal("central should be Done after the first ACK_1")
	}

	again := central.HandlePacket(ack1Packet.MessageType, ack1Packet.Payload)
	if again.Done != nil || again.SendPacket != nil || again.Disconnect {
		t.Errorf("duplicate CLUSTER_ACK_1 after Done must be a no-op, got %+v", again)
	}
	if got := log.Counter(errlog.CountHandshakeAck1Duplicate); got != 1 {
		t.Errorf("COUNT_HANDSHAKE_ACK1_DUPLICATE = %d, want 1", got)
	}
}

func TestTimerDisconnectsOnHandshakeTimeout(t *testing.T) {
	peripheral, _ := Start(peripheralConfig())

	out := peripheral.HandleTimer(1)
	if out.Disconnect {
		t.Fatal("should not disconnect while time remains")
	}

	out = peripheral.HandleTimer(0)
	if !out.Disconnect {
		t.Fatal("expected a disconnect once the handshake deadline is exhausted")
	}
}

func TestTimerIsInertAfterDone(t *testing.T) {
	central, out := Start(centralConfig())
	welcomePacket := *out.SendPacket

	peripheral, _ := Start(peripheralConfig())
	out = peripheral.HandlePacket(welcomePacket.MessageType, welcomePacket.Payload)
	ack1Packet := *out.SendPacket

	out = central.HandlePacket(ack1Packet.MessageType, ack1Packet.Payload)
	if out.Done == nil {
		t.Fatal("central should be Done after the first ACK_1")
	}
	if !central.Done() {
		t.Fatal("FSM.Done() should report true once the handshake concluded")
	}

	if again := central.HandleTimer(0); again.Disconnect {
		t.Error("HandleTimer must be a no-op once the handshake is Done, even past the deadline")
	}
}
