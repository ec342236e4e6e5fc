package node

import (
	"context"
	"time"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/neighbor"
	"github.com/fruitymesh/core/internal/wire"
)

const (
	advIntervalHighMs = 100
	advIntervalLowMs  = 300
)

// buildJoinMePayload encodes the Node's current clustering state into a
// JOIN_ME advertisement (spec §3/§6), clamped to the packed bit widths of
// the free-slot counters.
func (n *Node) buildJoinMePayload() []byte {
	battery := uint8(100)
	if n.cfg.BatteryReader != nil {
		battery = n.cfg.BatteryReader()
	}
	payload := wire.JoinMePayload{
		Sender:                 n.cfg.OwnNodeId,
		ClusterId:              n.clusterId,
		ClusterSize:            n.clusterSize,
		FreeMeshInConnections:  clipUint8(n.cm.FreeMeshInSlots(), 0x07),
		FreeMeshOutConnections: clipUint8(n.cm.FreeMeshOutSlots(), 0x1F),
		BatteryRuntime:         battery,
		TxPower:                n.cfg.DBmTx,
		DeviceType:             n.cfg.DeviceType,
		HopsToSink:             n.hopsToSink,
		AckField:               n.ackField,
	}
	return wire.BuildAdvertisement(n.cfg.NetworkId, wire.AdvMessageTypeJoinMe, wire.EncodeJoinMe(payload))
}

func clipUint8(v int, max uint8) uint8 {
	if v < 0 {
		return 0
	}
	if v > int(max) {
		return max
	}
	return uint8(v)
}

// refreshJoinMePayload re-encodes and pushes the current JOIN_ME payload
// into the scheduled advertising job, e.g. after clusterSize or
// hopsToSink changes.
func (n *Node) refreshJoinMePayload() {
	if n.joinMeJobId == 0 {
		return
	}
	_ = n.advCtrl.RefreshJob(n.joinMeJobId, n.buildJoinMePayload())
}

// AdvertisementReceived implements connmgr.NodeCallbacks: every raw
// advertisement report the radio hears, mesh or not, arrives here first.
// JOIN_ME reports feed the neighbor table that drives partner selection
// (spec §4.2); everything else is forwarded to modules unparsed, matching
// spec §4.7's GapAdvertisementReportEventHandler hook.
func (n *Node) AdvertisementReceived(peerAddr meshid.GapAddr, rssi int8, advPacket []byte) {
	networkId, msgType, payload, err := wire.ParseAdvertisement(advPacket)
	if err != nil {
		n.modules.BroadcastAdvertisementReport(peerAddr, rssi, advPacket)
		return
	}
	if networkId != n.cfg.NetworkId {
		return
	}

	switch msgType {
	case wire.AdvMessageTypeJoinMe:
		n.handleJoinMe(peerAddr, rssi, payload)
	case wire.AdvMessageTypeMeshAccess:
		n.modules.BroadcastAdvertisementReport(peerAddr, rssi, advPacket)
	}
}

func (n *Node) handleJoinMe(peerAddr meshid.GapAddr, rssi int8, payload []byte) {
	jm, err := wire.DecodeJoinMe(payload)
	if err != nil {
		n.log.Warn(errlog.WarnSplitPacketMissing, "node: malformed JOIN_ME from %s: %v", peerAddr, err)
		return
	}
	if jm.Sender == n.cfg.OwnNodeId {
		return
	}
	n.neighbors.Upsert(neighbor.Entry{
		Sender:                 jm.Sender,
		ClusterId:              jm.ClusterId,
		ClusterSize:            jm.ClusterSize,
		FreeMeshInConnections:  jm.FreeMeshInConnections,
		FreeMeshOutConnections: jm.FreeMeshOutConnections,
		BatteryRuntime:         jm.BatteryRuntime,
		TxPower:                jm.TxPower,
		DeviceType:             jm.DeviceType,
		HopsToSink:             jm.HopsToSink,
		Rssi:                   rssi,
		AckField:               jm.AckField,
		Address:                peerAddr,
	})
}

// radioBridge adapts the asynchronous, context-taking ble.GapAdapter into
// the synchronous RadioControl seams internal/advctrl and internal/scanctrl
// were written against. Both controllers only ever call
// Set*/Enable*/Disable* from the single-threaded TimerHandler path, so
// reissuing a context.Background() adapter call on every change is safe and
// keeps those two packages free of any BLE contract dependency.
type radioBridge struct {
	adapter ble.GapAdapter

	advPayload  []byte
	advInterval time.Duration
	advertising bool

	scanWindow, scanInterval time.Duration
	scanning                 bool
}

// SetAdvInterval changes the advertising interval used the next time
// advertising is (re)started; internal/advctrl's RadioControl interface
// has no notion of interval, since the original firmware fixes it per
// discovery state rather than per job.
func (b *radioBridge) SetAdvInterval(d time.Duration) {
	b.advInterval = d
	if b.advertising {
		b.restartAdvertising()
	}
}

func (b *radioBridge) SetAdvertisingPayload(payload []byte) {
	b.advPayload = append([]byte(nil), payload...)
	if b.advertising {
		b.restartAdvertising()
	}
}

func (b *radioBridge) EnableAdvertising() {
	b.advertising = true
	b.restartAdvertising()
}

func (b *radioBridge) DisableAdvertising() {
	if !b.advertising {
		return
	}
	b.advertising = false
	_ = b.adapter.StopAdvertising(context.Background())
}

func (b *radioBridge) restartAdvertising() {
	interval := b.advInterval
	if interval == 0 {
		interval = advIntervalHighMs * time.Millisecond
	}
	_ = b.adapter.StartAdvertising(context.Background(), b.advPayload, interval)
}

func (b *radioBridge) SetScanDutyCycle(windowDs, intervalDs uint16) {
	b.scanWindow = dsToDuration(windowDs)
	b.scanInterval = dsToDuration(intervalDs)
	if b.scanning {
		b.restartScanning()
	}
}

func (b *radioBridge) EnableScanning() {
	b.scanning = true
	b.restartScanning()
}

func (b *radioBridge) DisableScanning() {
	if !b.scanning {
		return
	}
	b.scanning = false
	_ = b.adapter.StopScanning(context.Background())
}

func (b *radioBridge) restartScanning() {
	_ = b.adapter.StartScanning(context.Background(), b.scanWindow, b.scanInterval)
}

func dsToDuration(ds uint16) time.Duration {
	return time.Duration(ds) * 100 * time.Millisecond
}
