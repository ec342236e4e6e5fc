//go:build linux

// Package bleplatform is the production BLE adapter, implementing the
// internal/ble contract on top of BlueZ via D-Bus (spec §6's "platform"
// side of the process-level contract). It is grounded on the teacher's
// internal/bluetooth.LinuxBluetoothAdapter: same go-bluetooth/api and
// bluez/profile packages, same discovery-channel-to-goroutine bridge, same
// ExposeAdvertisement-based advertising setup, adapted from one
// fire-and-forget chat service UUID to the mesh's JOIN_ME/MeshAccess GATT
// characteristic pair and upcall event model.
package bleplatform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/meshid"
)

// MeshServiceUUID and MeshCharUUID identify the GATT service and the
// single write/notify characteristic this core exposes for mesh traffic,
// analogous to the teacher's ServiceUUID chat characteristic but carrying
// raw mesh connPackets instead of chat payloads.
const (
	MeshServiceUUID = "b2e7a400-1fae-4b98-bbaa-2c6f5d910001"
	MeshCharUUID    = "b2e7a400-1fae-4b98-bbaa-2c6f5d910002"
)

// LinuxAdapter implements ble.GapAdapter and ble.GattController over
// BlueZ. One LinuxAdapter corresponds to one local HCI controller.
type LinuxAdapter struct {
	adapter *adapter.Adapter1
	adMgr   *advertising.LEAdvertisingManager1

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	sink          ble.EventSink
	isScanning    bool
	isAdvertising bool
	cleanupAdv    func()

	devices map[ble.ConnHandle]*device.Device1
	chars   map[ble.ConnHandle]*gatt.GattCharacteristic1
	addrOf  map[ble.ConnHandle]meshid.GapAddr
	nextH   ble.ConnHandle
}

// NewLinuxAdapter acquires the default powered-on HCI adapter and its
// LE advertising manager, mirroring NewLinuxBluetoothAdapter.
func NewLinuxAdapter() (*LinuxAdapter, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bleplatform: get default adapter: %w", err)
	}

	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("bleplatform: get powered state: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bleplatform: power on adapter: %w", err)
		}
	}

	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("bleplatform: get advertising manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LinuxAdapter{
		adapter: a,
		adMgr:   adMgr,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[ble.ConnHandle]*device.Device1),
		chars:   make(map[ble.ConnHandle]*gatt.GattCharacteristic1),
		addrOf:  make(map[ble.ConnHandle]meshid.GapAddr),
	}, nil
}

func (a *LinuxAdapter) SetSink(sink ble.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// StartScanning mirrors StartScanning: a discovery filter restricted to LE
// transport, consuming the api.Discover channel in a goroutine and
// forwarding each qualifying advertisement as an EventAdvertisementReceived
// upcall instead of eagerly auto-connecting like the teacher's chat
// adapter does.
func (a *LinuxAdapter) StartScanning(ctx context.Context, _, _ time.Duration) error {
	a.mu.Lock()
	if a.isScanning {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	if err := a.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bleplatform: set discovery filter: %w", err)
	}

	discovery, cancel, err := api.Discover(a.adapter, nil)
	if err != nil {
		return fmt.Errorf("bleplatform: start discovery: %w", err)
	}

	a.mu.Lock()
	a.isScanning = true
	a.mu.Unlock()

	go a.consumeDiscovery(discovery, cancel)
	return nil
}

func (a *LinuxAdapter) consumeDiscovery(discovery chan *adapter.DeviceDiscovered, cancel func()) {
	defer cancel()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-discovery:
			if !ok {
				return
			}
			if ev.Type != adapter.DeviceAdded {
				continue
			}
			a.handleDiscoveredDevice(ev.Path)
		}
	}
}

func (a *LinuxAdapter) handleDiscoveredDevice(path dbus.ObjectPath) {
	dev, err := device.NewDevice1(path)
	if err != nil {
		return
	}
	uuids, err := dev.GetUUIDs()
	if err != nil || !containsUUID(uuids, MeshServiceUUID) {
		return
	}
	addrStr, err := dev.GetAddress()
	if err != nil {
		return
	}
	manufData, err := dev.GetManufacturerData()
	if err != nil {
		return
	}

	addr := parseGapAddr(addrStr)
	for _, raw := range manufData {
		packet, ok := raw.([]byte)
		if !ok {
			continue
		}
		a.mu.RLock()
		sink := a.sink
		a.mu.RUnlock()
		if sink != nil {
			sink.Push(ble.Event{
				Kind:      ble.EventAdvertisementReceived,
				PeerAddr:  addr,
				AdvPacket: packet,
				At:        time.Now(),
			})
		}
	}
}

func (a *LinuxAdapter) StopScanning(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isScanning {
		return nil
	}
	if err := a.adapter.StopDiscovery(); err != nil {
		return fmt.Errorf("bleplatform: stop discovery: %w", err)
	}
	a.isScanning = false
	return nil
}

// StartAdvertising mirrors StartAdvertising: builds an
// LEAdvertisement1Properties carrying advPacket as manufacturer data and
// exposes it via api.ExposeAdvertisement.
func (a *LinuxAdapter) StartAdvertising(_ context.Context, advPacket []byte, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isAdvertising {
		return nil
	}

	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: []string{MeshServiceUUID},
		ManufacturerData: map[uint16]interface{}{
			meshManufacturerID: advPacket,
		},
	}

	adapterID, err := a.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("bleplatform: get adapter id: %w", err)
	}
	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("bleplatform: expose advertisement: %w", err)
	}
	a.cleanupAdv = cleanup
	a.isAdvertising = true
	return nil
}

func (a *LinuxAdapter) StopAdvertising(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAdvertising {
		return nil
	}
	if a.cleanupAdv != nil {
		a.cleanupAdv()
		a.cleanupAdv = nil
	}
	a.isAdvertising = false
	return nil
}

// Connect dials a discovered peer address and waits for BlueZ to report
// the link up, the same connect-and-poll loop as the teacher's
// connectToDevice/SendData connect path, generalized to return a handle
// instead of silently proceeding.
func (a *LinuxAdapter) Connect(ctx context.Context, addr meshid.GapAddr) (ble.ConnHandle, error) {
	devicePath, err := a.adapter.FindDevice(addr.String())
	if err != nil {
		return 0, fmt.Errorf("bleplatform: find device %s: %w", addr, err)
	}
	dev, err := device.NewDevice1(devicePath.Path())
	if err != nil {
		return 0, fmt.Errorf("bleplatform: wrap device: %w", err)
	}

	connected, err := dev.GetConnected()
	if err != nil {
		return 0, fmt.Errorf("bleplatform: get connected state: %w", err)
	}
	if !connected {
		if err := dev.Connect(); err != nil {
			return 0, fmt.Errorf("bleplatform: connect: %w", err)
		}
		if err := a.waitConnected(ctx, dev); err != nil {
			return 0, err
		}
	}

	char, err := a.discoverMeshCharacteristic(dev)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.nextH++
	handle := a.nextH
	a.devices[handle] = dev
	a.chars[handle] = char
	a.addrOf[handle] = addr
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventConnected, Handle: handle, Role: ble.RoleCentral, PeerAddr: addr, At: time.Now()})
	}
	return handle, nil
}

func (a *LinuxAdapter) waitConnected(ctx context.Context, dev *device.Device1) error {
	deadline := time.After(5 * time.Second)
	for {
		connected, err := dev.GetConnected()
		if err != nil {
			return fmt.Errorf("bleplatform: poll connected state: %w", err)
		}
		if connected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ble.ErrConnectTimeout
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (a *LinuxAdapter) discoverMeshCharacteristic(dev *device.Device1) (*gatt.GattCharacteristic1, error) {
	services, err := dev.GetServices()
	if err != nil {
		return nil, fmt.Errorf("bleplatform: get services: %w", err)
	}
	for _, svcPath := range services {
		svc, err := gatt.NewGattService1(svcPath)
		if err != nil {
			continue
		}
		uuid, err := svc.GetUUID()
		if err != nil || uuid != MeshServiceUUID {
			continue
		}
		chars, err := svc.GetCharacteristics()
		if err != nil {
			continue
		}
		for _, charPath := range chars {
			ch, err := gatt.NewGattCharacteristic1(charPath)
			if err != nil {
				continue
			}
			chUUID, err := ch.GetUUID()
			if err == nil && chUUID == MeshCharUUID {
				return ch, nil
			}
		}
	}
	return nil, fmt.Errorf("bleplatform: mesh characteristic not found")
}

func (a *LinuxAdapter) Disconnect(_ context.Context, handle ble.ConnHandle) error {
	a.mu.Lock()
	dev, ok := a.devices[handle]
	delete(a.devices, handle)
	delete(a.chars, handle)
	delete(a.addrOf, handle)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return dev.Disconnect()
}

func (a *LinuxAdapter) WriteWithoutResponse(_ context.Context, handle ble.ConnHandle, payload []byte) error {
	a.mu.RLock()
	char, ok := a.chars[handle]
	sink := a.sink
	a.mu.RUnlock()
	if !ok {
		return ble.ErrUnknownHandle
	}
	if err := char.WriteValue(payload, map[string]interface{}{"type": "command"}); err != nil {
		return fmt.Errorf("bleplatform: write characteristic: %w", err)
	}
	if sink != nil {
		sink.Push(ble.Event{Kind: ble.EventTxComplete, Handle: handle, PacketCount: 1, At: time.Now()})
	}
	return nil
}

// Mtu returns the BlueZ-reported MTU for handle's characteristic, falling
// back to the 23-byte GATT default before negotiation completes.
func (a *LinuxAdapter) Mtu(handle ble.ConnHandle) uint16 {
	a.mu.RLock()
	char, ok := a.chars[handle]
	a.mu.RUnlock()
	if !ok {
		return 23
	}
	mtu, err := char.GetMTU()
	if err != nil || mtu == 0 {
		return 23
	}
	return uint16(mtu)
}

// Close tears down scanning, advertising, and every tracked device link,
// mirroring the teacher's Close.
func (a *LinuxAdapter) Close() error {
	a.cancel()
	_ = a.StopAdvertising(context.Background())
	_ = a.StopScanning(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, dev := range a.devices {
		_ = dev.Disconnect()
	}
	return nil
}

const meshManufacturerID = 0x02E0

func containsUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if u == target {
			return true
		}
	}
	return false
}

func parseGapAddr(addrStr string) meshid.GapAddr {
	var out meshid.GapAddr
	var b [6]int
	fmt.Sscanf(addrStr, "%02X:%02X:%02X:%02X:%02X:%02X", &b[5], &b[4], &b[3], &b[2], &b[1], &b[0])
	for i, v := range b {
		out.Bytes[i] = byte(v)
	}
	return out
}
