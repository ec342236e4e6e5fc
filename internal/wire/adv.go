package wire

import (
	"encoding/binary"

	"github.com/fruitymesh/core/internal/meshid"
)

// JoinMePayload is the 20-byte JOIN_ME v0 advertising payload of spec §3/§6.
// FreeMeshInConnections and FreeMeshOutConnections are logically 3 and 5
// bits respectively, packed into a single byte; everything else is a plain
// field.
type JoinMePayload struct {
	Sender                 meshid.NodeId
	ClusterId              meshid.ClusterId
	ClusterSize            meshid.ClusterSize
	FreeMeshInConnections  uint8 // 0..7
	FreeMeshOutConnections uint8 // 0..31
	BatteryRuntime         uint8
	TxPower                int8
	DeviceType             meshid.DeviceType
	HopsToSink             int16
	AckField               meshid.ClusterId
}

const JoinMePayloadSize = 20

// EncodeJoinMe packs a JoinMePayload into its 20-byte wire form.
func EncodeJoinMe(p JoinMePayload) []byte {
	b := make([]byte, JoinMePayloadSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.Sender))
	binary.LittleEndian.PutUint32(b[2:6], uint32(p.ClusterId))
	binary.LittleEndian.PutUint16(b[6:8], uint16(p.ClusterSize))
	b[8] = (p.FreeMeshInConnections & 0x07) | ((p.FreeMeshOutConnections & 0x1F) << 3)
	b[9] = p.BatteryRuntime
	b[10] = byte(p.TxPower)
	b[11] = byte(p.DeviceType)
	binary.LittleEndian.PutUint16(b[12:14], uint16(p.HopsToSink))
	binary.LittleEndian.PutUint32(b[14:18], uint32(p.AckField))
	// bytes 18-19 reserved for future use, left zeroed.
	return b
}

// DecodeJoinMe unpacks a JOIN_ME payload; it does not validate the mesh
// identifier or NetworkId, which is the advertisement framing's job (see
// ParseAdvertisement).
func DecodeJoinMe(b []byte) (JoinMePayload, error) {
	if len(b) < JoinMePayloadSize {
		return JoinMePayload{}, fmtTooShort("JOIN_ME", len(b), JoinMePayloadSize)
	}
	var p JoinMePayload
	p.Sender = meshid.NodeId(binary.LittleEndian.Uint16(b[0:2]))
	p.ClusterId = meshid.ClusterId(binary.LittleEndian.Uint32(b[2:6]))
	p.ClusterSize = meshid.ClusterSize(binary.LittleEndian.Uint16(b[6:8]))
	p.FreeMeshInConnections = b[8] & 0x07
	p.FreeMeshOutConnections = (b[8] >> 3) & 0x1F
	p.BatteryRuntime = b[9]
	p.TxPower = int8(b[10])
	p.DeviceType = meshid.DeviceType(b[11])
	p.HopsToSink = int16(binary.LittleEndian.Uint16(b[12:14]))
	p.AckField = meshid.ClusterId(binary.LittleEndian.Uint32(b[14:18]))
	return p, nil
}

// BuildAdvertisement assembles the full 31-byte BLE advertising packet:
// the mandatory flags AD structure followed by the manufacturer-specific AD
// structure carrying the mesh identifier, NetworkId, message type, and
// payload.
func BuildAdvertisement(networkId meshid.NetworkId, msgType AdvMessageType, payload []byte) []byte {
	// [len=2,type=0x01,value=0x06] + [len, type=0xFF, companyId(2), meshId(1), networkId(2), msgType(1), payload]
	// adLen counts everything after the length byte: type+companyId+meshId+networkId+msgType+payload.
	adLen := 1 + 2 + 1 + 2 + 1 + len(payload)
	out := make([]byte, 0, 3+1+adLen)
	out = append(out, 0x02, 0x01, 0x06)
	out = append(out, byte(adLen), 0xFF)
	companyId := make([]byte, 2)
	binary.LittleEndian.PutUint16(companyId, meshCompanyId)
	out = append(out, companyId...)
	out = append(out, meshIdentifierByte)
	netId := make([]byte, 2)
	binary.LittleEndian.PutUint16(netId, uint16(networkId))
	out = append(out, netId...)
	out = append(out, byte(msgType))
	out = append(out, payload...)
	return out
}

// ParseAdvertisement recognizes a mesh advertisement and extracts its
// NetworkId, message type, and payload. Non-mesh advertisements (no
// matching manufacturer-specific AD structure) return ErrBadMagic.
func ParseAdvertisement(data []byte) (networkId meshid.NetworkId, msgType AdvMessageType, payload []byte, err error) {
	i := 0
	for i+1 < len(data) {
		adLen := int(data[i])
		if adLen == 0 || i+1+adLen > len(data) {
			break
		}
		adType := data[i+1]
		adBody := data[i+2 : i+1+adLen]
		if adType == 0xFF && len(adBody) >= 2+1+2+1 {
			companyId := binary.LittleEndian.Uint16(adBody[0:2])
			meshByte := adBody[2]
			if companyId == meshCompanyId && meshByte == meshIdentifierByte {
				networkId = meshid.NetworkId(binary.LittleEndian.Uint16(adBody[3:5]))
				msgType = AdvMessageType(adBody[5])
				payload = append([]byte(nil), adBody[6:]...)
				return networkId, msgType, payload, nil
			}
		}
		i += 1 + adLen
	}
	return 0, 0, nil, ErrBadMagic
}
