// Package storage implements the RecordStorage interface of spec §6 and
// §4.6 ("Ancillary... Record storage interface + module framework"): a
// small key-value persistence layer standing in for the platform's flash
// pages, plus the 41-byte node-identity record. It is grounded in the
// teacher's file-backed persistence layer (github.com/permissionlesstech/bitchat
// internal/store/messages.go), which durably persists application state
// to a data directory with the same load-on-construct, save-on-mutate
// shape used here for firmware records instead of chat history.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fruitymesh/core/internal/meshid"
)

// RecordId names a persisted record. The node-identity record always lives
// at RecordIdNodeIdentity; modules may claim additional ids for their own
// configuration per spec §4.7.
type RecordId uint16

const RecordIdNodeIdentity RecordId = 1

// RecordStorage is the platform boundary this core consumes for
// persistence (spec §1 exclusions: "Persistent record storage, flash
// writes ... attach as modules through the contract in §4.6"). A
// FileRecordStorage satisfies it for hosted builds; embedded targets
// would swap in a flash-page-backed implementation behind the same
// interface.
type RecordStorage interface {
	SaveRecord(id RecordId, data []byte) error
	ReadRecord(id RecordId) ([]byte, error)
	DeleteRecord(id RecordId) error
}

var ErrNotFound = errors.New("storage: record not found")

// FileRecordStorage persists each record as one file in dataDir, mirroring
// the teacher's per-channel/per-peer file layout but keyed by RecordId
// instead of channel name.
type FileRecordStorage struct {
	mu      sync.Mutex
	dataDir string
}

// NewFileRecordStorage ensures dataDir exists and returns a storage backed
// by it.
func NewFileRecordStorage(dataDir string) (*FileRecordStorage, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return &FileRecordStorage{dataDir: dataDir}, nil
}

func (s *FileRecordStorage) path(id RecordId) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("record-%d.bin", id))
}

func (s *FileRecordStorage) SaveRecord(id RecordId, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("storage: write record %d: %w", id, err)
	}
	return os.Rename(tmp, s.path(id))
}

func (s *FileRecordStorage) ReadRecord(id RecordId) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read record %d: %w", id, err)
	}
	return data, nil
}

func (s *FileRecordStorage) DeleteRecord(id RecordId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete record %d: %w", id, err)
	}
	return nil
}

// NodeIdentity is the persistent per-device record of spec §6: 41 bytes,
// little-endian, no padding. RestartCounter is the SPEC_FULL §4 supplement
// that feeds ClusterId generation; it occupies the trailing two bytes that
// round the record out from the 39 bytes of spec.md's named fields to the
// 41 specified there.
type NodeIdentity struct {
	NodeId          meshid.NodeId
	NetworkId       meshid.NetworkId
	NetworkKey      [16]byte
	NodeKey         [16]byte
	DBmTx           int8
	DeviceType      meshid.DeviceType
	EnrollmentState uint8
	RestartCounter  uint16
}

const NodeIdentitySize = 41

func EncodeNodeIdentity(id NodeIdentity) []byte {
	b := make([]byte, NodeIdentitySize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(id.NodeId))
	binary.LittleEndian.PutUint16(b[2:4], uint16(id.NetworkId))
	copy(b[4:20], id.NetworkKey[:])
	copy(b[20:36], id.NodeKey[:])
	b[36] = byte(id.DBmTx)
	b[37] = byte(id.DeviceType)
	b[38] = id.EnrollmentState
	binary.LittleEndian.PutUint16(b[39:41], id.RestartCounter)
	return b
}

func DecodeNodeIdentity(b []byte) (NodeIdentity, error) {
	if len(b) < NodeIdentitySize {
		return NodeIdentity{}, fmt.Errorf("storage: identity record too short: got %d, want %d", len(b), NodeIdentitySize)
	}
	var id NodeIdentity
	id.NodeId = meshid.NodeId(binary.LittleEndian.Uint16(b[0:2]))
	id.NetworkId = meshid.NetworkId(binary.LittleEndian.Uint16(b[2:4]))
	copy(id.NetworkKey[:], b[4:20])
	copy(id.NodeKey[:], b[20:36])
	id.DBmTx = int8(b[36])
	id.DeviceType = meshid.DeviceType(b[37])
	id.EnrollmentState = b[38]
	id.RestartCounter = binary.LittleEndian.Uint16(b[39:41])
	return id, nil
}

// LoadOrInitIdentity reads the persisted identity, bumping and flushing
// RestartCounter for this boot. If no record exists yet, seed creates the
// initial identity (NodeId/NetworkId/keys assigned at provisioning time).
func LoadOrInitIdentity(s RecordStorage, seed NodeIdentity) (NodeIdentity, error) {
	data, err := s.ReadRecord(RecordIdNodeIdentity)
	if errors.Is(err, ErrNotFound) {
		seed.RestartCounter = 1
		if err := s.SaveRecord(RecordIdNodeIdentity, EncodeNodeIdentity(seed)); err != nil {
			return NodeIdentity{}, err
		}
		return seed, nil
	}
	if err != nil {
		return NodeIdentity{}, err
	}
	id, err := DecodeNodeIdentity(data)
	if err != nil {
		return NodeIdentity{}, err
	}
	id.RestartCounter++
	if err := s.SaveRecord(RecordIdNodeIdentity, EncodeNodeIdentity(id)); err != nil {
		return NodeIdentity{}, err
	}
	return id, nil
}
