// Package errlog implements the error taxonomy of spec §7: a fixed-capacity
// ring of structured entries for WARN/COUNT/INFO events, and a reboot path
// for FATAL invariant violations. Non-fatal errors never propagate across
// component boundaries as return values — they land here and the caller
// moves on, following spec §7's propagation policy.
//
// Entries are also mirrored to a logrus.FieldLogger, the way the teacher
// repo logs lifecycle and error events (github.com/permissionlesstech/bitchat
// internal/bluetooth/mesh_service.go, internal/service/retry.go), giving a
// human-tailable stream alongside the firmware-style aggregated ring.
package errlog

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fruitymesh/core/internal/ring"
)

// Severity classifies an error-log entry per spec §7.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityCount
	SeverityWarn
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityCount:
		return "COUNT"
	case SeverityWarn:
		return "WARN"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Type enumerates the CustomErrorTypes named throughout spec §4-§7.
type Type int

const (
	_ Type = iota
	WarnAdvertisingControllerDeactivateFailed
	WarnHandshakeTimeout
	WarnSplitPacketMissing
	WarnClusterUpdateFlowMismatch
	WarnGattWriteError
	FatalQueueNumMismatch
	FatalHandlePacketSentError
	CountHandshakeAck1Duplicate
	CountHandshakeAck2Duplicate
	CountDroppedPackets
	CountHandshakeDone
	CountAccessToRemovedConnection
	InfoLifecycle
)

var typeNames = map[Type]string{
	WarnAdvertisingControllerDeactivateFailed: "WARN_ADVERTISING_CONTROLLER_DEACTIVATE_FAILED",
	WarnHandshakeTimeout:                      "WARN_HANDSHAKE_TIMEOUT",
	WarnSplitPacketMissing:                    "WARN_SPLIT_PACKET_MISSING",
	WarnClusterUpdateFlowMismatch:              "WARN_CLUSTER_UPDATE_FLOW_MISMATCH",
	WarnGattWriteError:                        "WARN_GATT_WRITE_ERROR",
	FatalQueueNumMismatch:                     "FATAL_QUEUE_NUM_MISMATCH",
	FatalHandlePacketSentError:                "FATAL_HANDLE_PACKET_SENT_ERROR",
	CountHandshakeAck1Duplicate:                "COUNT_HANDSHAKE_ACK1_DUPLICATE",
	CountHandshakeAck2Duplicate:                "COUNT_HANDSHAKE_ACK2_DUPLICATE",
	CountDroppedPackets:                       "COUNT_DROPPED_PACKETS",
	CountHandshakeDone:                        "COUNT_HANDSHAKE_DONE",
	CountAccessToRemovedConnection:             "COUNT_ACCESS_TO_REMOVED_CONNECTION",
	InfoLifecycle:                             "INFO_LIFECYCLE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN_ERROR_TYPE"
}

// Entry is one record in the error log ring.
type Entry struct {
	Type      Type
	Severity  Severity
	Message   string
	Timestamp time.Time
}

// Rebooter persists a reboot reason somewhere that survives a reset (flash,
// a reserved RAM section) and can report the last one back at boot.
type Rebooter interface {
	SaveRebootReason(reason string) error
	Reboot()
}

// Log is the node-wide error log: a capacity-bounded ring plus running
// counters, with an injectable logrus sink and reboot hook.
type Log struct {
	ring     *ring.Buffer[Entry]
	logger   logrus.FieldLogger
	rebooter Rebooter
	clock    func() time.Time

	counters map[Type]uint32
}

const DefaultCapacity = 100

// New builds a Log with the default 100-entry capacity (spec §7).
func New(logger logrus.FieldLogger, rebooter Rebooter, clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		ring:     ring.New[Entry](DefaultCapacity, 0, clock),
		logger:   logger,
		rebooter: rebooter,
		clock:    clock,
		counters: make(map[Type]uint32),
	}
}

func (l *Log) append(t Type, sev Severity, msg string) {
	evicted := l.ring.Append(Entry{Type: t, Severity: sev, Message: msg, Timestamp: l.clock()})
	if evicted {
		l.counters[CountDroppedPackets]++
	}
}

// Warn records a transient error: the caller is expected to tear down the
// affected connection and continue operating.
func (l *Log) Warn(t Type, format string, args ...any) {
	msg := formatMsg(format, args)
	l.append(t, SeverityWarn, msg)
	l.counters[t]++
	l.logger.WithField("errType", t.String()).Warn(msg)
}

// Count increments a running counter without a human-facing message.
func (l *Log) Count(t Type) {
	l.counters[t]++
	l.append(t, SeverityCount, "")
}

// Info records a purely informational lifecycle event.
func (l *Log) Info(t Type, format string, args ...any) {
	msg := formatMsg(format, args)
	l.append(t, SeverityInfo, msg)
	l.logger.WithField("errType", t.String()).Info(msg)
}

// Fatal records a broken invariant and triggers the reboot path. It does
// not return control to the caller in production; the Rebooter is expected
// to not return from Reboot(). Tests inject a Rebooter that panics or
// records the call instead of exiting the process.
func (l *Log) Fatal(t Type, format string, args ...any) {
	msg := formatMsg(format, args)
	l.append(t, SeverityFatal, msg)
	l.logger.WithField("errType", t.String()).Error(msg)
	if l.rebooter != nil {
		_ = l.rebooter.SaveRebootReason(t.String() + ": " + msg)
		l.rebooter.Reboot()
	}
}

// Counter returns the running count for t.
func (l *Log) Counter(t Type) uint32 {
	return l.counters[t]
}

// Entries returns the live log entries in insertion order.
func (l *Log) Entries() []Entry {
	return l.ring.Items()
}

func formatMsg(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
