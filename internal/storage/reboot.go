package storage

import (
	"errors"
)

// RecordIdRebootReason holds the last fatal reboot reason, standing in for
// the battery-backed RAM section the original firmware writes before
// reset (spec §7: "Fatal errors invoke a reboot path that records the
// reason to battery-backed RAM before reset; the next boot reads and
// reports it").
const RecordIdRebootReason RecordId = 2

// FileRebooter implements errlog.Rebooter on top of a RecordStorage. In
// this hosted build, "reboot" means re-exec is out of scope for the core;
// Reboot just invokes the injected onReboot hook (production wires
// os.Exit-and-supervisor-restart, tests record the call).
type FileRebooter struct {
	storage  RecordStorage
	onReboot func()
}

func NewFileRebooter(storage RecordStorage, onReboot func()) *FileRebooter {
	return &FileRebooter{storage: storage, onReboot: onReboot}
}

func (r *FileRebooter) SaveRebootReason(reason string) error {
	return r.storage.SaveRecord(RecordIdRebootReason, []byte(reason))
}

func (r *FileRebooter) Reboot() {
	if r.onReboot != nil {
		r.onReboot()
	}
}

// LastRebootReason reads back the reason saved by the prior boot, if any,
// clearing it so a healthy run doesn't keep reporting a stale fatal.
func LastRebootReason(storage RecordStorage) (reason string, ok bool, err error) {
	data, err := storage.ReadRecord(RecordIdRebootReason)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	_ = storage.DeleteRecord(RecordIdRebootReason)
	return string(data), true, nil
}
