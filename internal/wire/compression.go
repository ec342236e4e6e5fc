package wire

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressionThreshold is the smallest DATA_1 payload worth spending CPU
// time compressing before fragmentation; small payloads are sent as-is.
const CompressionThreshold = 64

// CompressPayload LZ4-compresses an application payload of at least
// CompressionThreshold bytes, adapted from the teacher's
// pkg/utils/compression.go; smaller payloads are returned unchanged.
// internal/connmgr's send path does not call it, so DATA_1 payloads are
// fragmented and sent uncompressed.
func CompressPayload(data []byte) ([]byte, error) {
	if len(data) < CompressionThreshold {
		return data, nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level5)); err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	// Only keep the compressed form if it actually won something; the
	// returned bytes carry no marker of which form they are in.
	if buf.Len() >= len(data) {
		return data, nil
	}
	return buf.Bytes(), nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(zr)
}
