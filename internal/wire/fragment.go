package wire

import "fmt"

// SplitHeaderMagic is the fixed high bits of the split-fragment header's
// first byte; the low bit (SplitHeaderTerminator) flags the final fragment.
const (
	SplitHeaderMagic      uint8 = 0x80
	SplitHeaderTerminator uint8 = 0x01
	SplitHeaderSize             = 3
)

// SplitHeader is the 3-byte prefix placed on every MTU fragment.
type SplitHeader struct {
	SplitCount uint8
	PayloadLen uint8
	Terminator bool
}

func EncodeSplitHeader(h SplitHeader) []byte {
	magic := SplitHeaderMagic
	if h.Terminator {
		magic |= SplitHeaderTerminator
	}
	return []byte{magic, h.SplitCount, h.PayloadLen}
}

func DecodeSplitHeader(b []byte) (SplitHeader, error) {
	if len(b) < SplitHeaderSize {
		return SplitHeader{}, fmtTooShort("split-header", len(b), SplitHeaderSize)
	}
	if b[0]&SplitHeaderMagic == 0 {
		return SplitHeader{}, fmt.Errorf("wire: split header missing magic bits: %w", ErrBufferTooSmall)
	}
	return SplitHeader{
		SplitCount: b[1],
		PayloadLen: b[2],
		Terminator: b[0]&SplitHeaderTerminator != 0,
	}, nil
}

// Fragment splits payload into a sequence of MTU-sized chunks, each
// prefixed with a SplitHeader, per spec §4.5. mtu is the usable ATT
// payload size for one write (connectionMtu - ATT_HEADER_SIZE); each
// fragment additionally costs SplitHeaderSize bytes of its own.
func Fragment(payload []byte, mtu int) ([][]byte, error) {
	chunkSize := mtu - SplitHeaderSize
	if chunkSize <= 0 {
		return nil, fmt.Errorf("wire: mtu %d too small to carry a split header", mtu)
	}
	if len(payload) == 0 {
		return [][]byte{EncodeSplitHeader(SplitHeader{SplitCount: 0, PayloadLen: 0, Terminator: true})}, nil
	}

	var fragments [][]byte
	count := 0
	for offset := 0; offset < len(payload); {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		last := end == len(payload)
		header := EncodeSplitHeader(SplitHeader{
			SplitCount: uint8(count),
			PayloadLen: uint8(len(chunk)),
			Terminator: last,
		})
		fragments = append(fragments, append(header, chunk...))
		offset = end
		count++
	}
	return fragments, nil
}

// ErrSplitPacketMissing is raised when reassembly observes a gap or
// out-of-order arrival; the caller (connmgr) maps this to
// WARN_SPLIT_PACKET_MISSING and drops the in-flight reassembly.
var ErrSplitPacketMissing = fmt.Errorf("wire: reassembly observed a missing or out-of-order fragment")

// Reassembler accumulates fragments for one in-flight split message. It is
// not safe for concurrent use; callers (MeshConnection) own one instance
// per connection.
type Reassembler struct {
	next     uint8
	buf      []byte
	done     bool
	started  bool
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler { return &Reassembler{} }

// Add feeds one received fragment (including its SplitHeader). It returns
// the complete payload and true once the terminator fragment has been
// consumed; otherwise it returns nil, false. A fragment arriving with a
// SplitCount other than the expected next value is a protocol violation:
// Add returns ErrSplitPacketMissing and the reassembler resets itself so
// the next fragment sequence starts clean.
func (r *Reassembler) Add(fragment []byte) ([]byte, bool, error) {
	if r.done {
		*r = Reassembler{}
	}
	h, err := DecodeSplitHeader(fragment)
	if err != nil {
		r.reset()
		return nil, false, err
	}
	if h.SplitCount != r.next {
		r.reset()
		return nil, false, ErrSplitPacketMissing
	}
	payload := fragment[SplitHeaderSize:]
	if len(payload) < int(h.PayloadLen) {
		r.reset()
		return nil, false, ErrSplitPacketMissing
	}
	r.started = true
	r.buf = append(r.buf, payload[:h.PayloadLen]...)
	r.next++
	if h.Terminator {
		out := r.buf
		r.done = true
		return out, true, nil
	}
	return nil, false, nil
}

func (r *Reassembler) reset() {
	*r = Reassembler{}
}

// InProgress reports whether a reassembly sequence has fragments buffered
// but is not yet complete.
func (r *Reassembler) InProgress() bool {
	return r.started && !r.done
}
