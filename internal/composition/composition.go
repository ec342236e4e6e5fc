// Package composition is the composition root named in spec §6's
// "Process-level contract" and SPEC_FULL §3's process-contract row: one
// owned object graph built once at Init(boardConfig), exposing exactly the
// five entry points the platform main loop drives (Init,
// TimerEventHandler, BleEventHandler, RadioEventHandler,
// TerminalCommandHandler). Spec §9's "Singletons & global state" note asks
// for this in place of the original firmware's GS/Node::getInstance
// globals: every component here is constructed once, wired by explicit
// reference, and torn down only on process exit.
package composition

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fruitymesh/core/internal/ble"
	"github.com/fruitymesh/core/internal/bleplatform"
	"github.com/fruitymesh/core/internal/blesim"
	"github.com/fruitymesh/core/internal/boardconfig"
	"github.com/fruitymesh/core/internal/connmgr"
	"github.com/fruitymesh/core/internal/errlog"
	"github.com/fruitymesh/core/internal/meshid"
	"github.com/fruitymesh/core/internal/module"
	"github.com/fruitymesh/core/internal/node"
	"github.com/fruitymesh/core/internal/rng"
	"github.com/fruitymesh/core/internal/stats"
	"github.com/fruitymesh/core/internal/storage"
)

// CommandResult mirrors spec §6's TerminalCommandHandler return set:
// "SUCCESS | UNKNOWN | WRONG_ARGUMENT | NOT_ENOUGH_ARGUMENTS".
type CommandResult uint8

const (
	CommandSuccess CommandResult = iota
	CommandUnknown
	CommandWrongArgument
	CommandNotEnoughArguments
)

func (r CommandResult) String() string {
	switch r {
	case CommandSuccess:
		return "SUCCESS"
	case CommandWrongArgument:
		return "WRONG_ARGUMENT"
	case CommandNotEnoughArguments:
		return "NOT_ENOUGH_ARGUMENTS"
	default:
		return "UNKNOWN"
	}
}

// App is the owned object graph: every component Init builds, kept behind
// a single handle so cmd/fruitymesh never reaches into component
// internals directly, the same "one composition root" shape spec §9 asks
// for in place of the original firmware's singletons.
type App struct {
	cfg boardconfig.Config

	storage  storage.RecordStorage
	identity storage.NodeIdentity
	rebooter *storage.FileRebooter
	log      *errlog.Log
	rng      *rng.Source
	stats    *stats.Table
	modules  *module.Registry

	adapter ble.GapAdapter
	gatt    ble.GattController

	node *node.Node
	cm   *connmgr.Manager

	logger logrus.FieldLogger
}

// AdapterFactory lets a caller override how the BLE adapter is obtained
// (the real bleplatform.Provider on Linux, or an in-process blesim.Radio
// for simulation/tests); Init falls back to bleplatform.NewProvider when
// factory is nil.
type AdapterFactory func(cfg boardconfig.Config) (ble.GapAdapter, ble.GattController, string, error)

// Init builds the full object graph from cfg (spec §6: "Init(boardConfig)
// — once at boot") and starts discovery. It is the only constructor
// cmd/fruitymesh calls; everything else is reached through the returned
// *App.
func Init(cfg boardconfig.Config, adapterFactory AdapterFactory) (*App, error) {
	logger := logrus.StandardLogger()

	rs, err := storage.NewFileRecordStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("composition: init storage: %w", err)
	}

	var exitHook func()
	rebooter := storage.NewFileRebooter(rs, func() {
		if exitHook != nil {
			exitHook()
		}
	})

	if reason, ok, err := storage.LastRebootReason(rs); err == nil && ok {
		logger.WithField("reason", reason).Warn("composition: previous boot ended in a fatal reboot")
	}

	log := errlog.New(logger, rebooter, time.Now)

	seed, err := seedIdentity(cfg)
	if err != nil {
		return nil, err
	}
	identity, err := storage.LoadOrInitIdentity(rs, seed)
	if err != nil {
		return nil, fmt.Errorf("composition: load identity: %w", err)
	}

	rngSeed := cfg.RngSeed
	if rngSeed == 0 {
		rngSeed = int64(identity.NodeId)<<48 | int64(identity.NetworkId)<<32 | int64(identity.RestartCounter)
	}
	rngSrc := rng.New(rngSeed)

	statsTable := stats.NewTable()
	modules := module.NewRegistry()

	if adapterFactory == nil {
		adapterFactory = defaultAdapterFactory
	}
	adapter, gatt, platformName, err := adapterFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("composition: init BLE adapter: %w", err)
	}
	logger.WithField("platform", platformName).Info("composition: BLE adapter ready")

	batteryReader := batteryReaderFor(cfg)

	n := node.New(adapter, node.Config{
		OwnNodeId:             identity.NodeId,
		NetworkId:             identity.NetworkId,
		DeviceType:            identity.DeviceType,
		DBmTx:                 identity.DBmTx,
		RestartCounter:        identity.RestartCounter,
		DiscoveryDecisionDs:   cfg.Timing.DiscoveryDecisionDs,
		NoNodesFoundThreshold: cfg.Timing.NoNodesFoundThreshold,
		BlacklistDs:           2 * cfg.Timing.HandshakeTimeoutDs,
		ValidateFreeSlotTimeoutDs: cfg.Timing.ValidateFreeSlotTimeoutDs,
		BatteryReader:         batteryReader,
	}, modules, log, statsTable, rngSrc, time.Now)

	cm := connmgr.NewManager(adapter, gatt, n, connmgr.Config{
		OwnNodeId:             identity.NodeId,
		NetworkKey:            identity.NetworkKey,
		MeshInCap:             cfg.Pool.MeshIn,
		MeshOutCap:            cfg.Pool.MeshOut,
		AppInCap:              cfg.Pool.AppIn,
		AppOutCap:             cfg.Pool.AppOut,
		HandshakeTimeoutDs:    cfg.Timing.HandshakeTimeoutDs,
		ResolverTimeoutDs:     cfg.Timing.ResolverTimeoutDs,
		ReestablishTimeoutSec: cfg.Timing.ReestablishTimeoutSec,
		Log:                   log,
		Stats:                 statsTable,
	})
	n.SetConnManager(cm)

	app := &App{
		cfg:      cfg,
		storage:  rs,
		identity: identity,
		rebooter: rebooter,
		log:      log,
		rng:      rngSrc,
		stats:    statsTable,
		modules:  modules,
		adapter:  adapter,
		gatt:     gatt,
		node:     n,
		cm:       cm,
		logger:   logger,
	}
	exitHook = app.onFatalReboot

	modules.BroadcastConfigurationLoaded()
	n.Start()

	log.Info(errlog.InfoLifecycle, "composition: node %d booted (restart #%d, network %d)", identity.NodeId, identity.RestartCounter, identity.NetworkId)

	return app, nil
}

// onFatalReboot is the production errlog.Rebooter.Reboot() behavior: the
// core itself never calls os.Exit or re-execs (spec §1 excludes the
// platform supervisor that would actually restart the process); it only
// logs loudly enough that an external supervisor watching stderr/the
// reboot-reason record restarts the binary.
func (a *App) onFatalReboot() {
	a.logger.Error("composition: fatal error logged, awaiting external process restart")
}

func seedIdentity(cfg boardconfig.Config) (storage.NodeIdentity, error) {
	var networkKey [16]byte
	if cfg.NetworkKeyHex != "" {
		decoded, err := hex.DecodeString(cfg.NetworkKeyHex)
		if err != nil {
			return storage.NodeIdentity{}, fmt.Errorf("composition: parse networkKeyHex: %w", err)
		}
		if len(decoded) != len(networkKey) {
			return storage.NodeIdentity{}, fmt.Errorf("composition: networkKeyHex must decode to %d bytes, got %d", len(networkKey), len(decoded))
		}
		copy(networkKey[:], decoded)
	}
	return storage.NodeIdentity{
		NodeId:     cfg.NodeId,
		NetworkId:  cfg.NetworkId,
		NetworkKey: networkKey,
		DBmTx:      cfg.DBmTx,
		DeviceType: cfg.DeviceType,
	}, nil
}

// batteryReaderFor wires internal/bleplatform's periph.io host driver when
// a board names a battery ADC channel. Binding a named channel to a
// concrete periph.io analog pin is itself a board-configuration-table
// concern (spec §1 excludes "board-configuration tables" from this core's
// scope), so this only guarantees the periph.io host is initialized and
// falls back to a fixed reading; a board layer that knows its own pin
// wiring would call bleplatform.NewPeriphBatteryReader directly with a
// bound sample function instead of going through this generic path.
func batteryReaderFor(cfg boardconfig.Config) func() uint8 {
	if cfg.BatteryADCChannel == "" {
		return nil
	}
	if err := bleplatform.InitHost(); err != nil {
		return nil
	}
	reader := bleplatform.FixedBatteryReader{Percent: 100}
	return func() uint8 {
		pct, _ := reader.ReadPercent()
		return pct
	}
}

// defaultAdapterFactory prefers the host's native bleplatform.Provider and
// falls back to an isolated in-process blesim.Medium radio when no native
// adapter is available for this GOOS (e.g. running the core on a
// development laptop without BlueZ) -- a graceful degradation path, not a
// silent behavior change, since Init logs the returned platform name.
func defaultAdapterFactory(cfg boardconfig.Config) (ble.GapAdapter, ble.GattController, string, error) {
	provider, err := bleplatform.NewProvider()
	if err == nil {
		if adapter, gatt, aerr := provider.Adapter(); aerr == nil {
			return adapter, gatt, provider.PlatformName(), nil
		}
	}

	medium := blesim.NewMedium()
	addr := meshid.GapAddr{Bytes: [6]byte{byte(cfg.NodeId >> 8), byte(cfg.NodeId), 0, 0, 0, 0}}
	radio, err := medium.NewRadio(addr)
	if err != nil {
		return nil, nil, "", fmt.Errorf("composition: fallback simulated radio: %w", err)
	}
	return radio, radio, "blesim", nil
}

// Node, ConnManager, ErrorLog, Stats, and Modules expose the owned
// components cmd/fruitymesh and tests need without widening App's own
// surface with pass-through methods for every sub-component call.
func (a *App) Node() *node.Node            { return a.node }
func (a *App) ConnManager() *connmgr.Manager { return a.cm }
func (a *App) ErrorLog() *errlog.Log        { return a.log }
func (a *App) Stats() *stats.Table          { return a.stats }
func (a *App) Modules() *module.Registry    { return a.modules }
func (a *App) Identity() storage.NodeIdentity { return a.identity }

// TimerEventHandler is the ~100ms tick entry point of spec §6, fanning out
// to every owned component and then every registered module in that
// order, matching the dependency order Node.TimerHandler itself already
// drives its sub-controllers in.
func (a *App) TimerEventHandler(passedTimeDs uint16) {
	a.node.TimerHandler(passedTimeDs)
	a.cm.TimerHandler(passedTimeDs)
	a.modules.BroadcastTimerEvent(passedTimeDs)
}

// BleEventHandler is the spec §6 entry point for every BLE upcall. The
// composition root itself never calls this: NewManager already installed
// itself as the adapter's ble.EventSink, so a production adapter delivers
// events straight to connmgr.Manager.BleEventHandler without this extra
// hop. It's kept on App for callers (e.g. a platform binary that reads
// events off its own channel rather than via ble.EventSink) that prefer
// pulling events through the composition root explicitly.
func (a *App) BleEventHandler(ev ble.Event) {
	a.cm.BleEventHandler(ev)
}

// RadioEventHandler is the spec §6 pre-radio-event hook. This core has no
// radio-role-aware behavior that currently needs the "about to interrupt"
// warning on a hosted build (advctrl/scanctrl schedule off TimerEventHandler
// alone here, since a hosted BLE stack doesn't expose SoftDevice-style
// radio timeslot contention), so it's wired as a no-op callers can still
// hand to an ble.RadioEventHandler-shaped platform hook without a nil
// check at every call site.
func (a *App) RadioEventHandler(radioActive bool) {}

// TerminalCommandHandler implements spec §6's
// "TerminalCommandHandler(argv) -> SUCCESS | UNKNOWN | WRONG_ARGUMENT |
// NOT_ENOUGH_ARGUMENTS": a handful of built-in diagnostic commands plus a
// fall-through to every registered module's own handler (spec §4.7).
func (a *App) TerminalCommandHandler(argv []string) CommandResult {
	if len(argv) == 0 {
		return CommandNotEnoughArguments
	}

	switch argv[0] {
	case "status":
		a.logger.Infof("node %d: state=%s clusterId=%#x clusterSize=%d hopsToSink=%d noNodesFound=%d",
			a.identity.NodeId, a.node.DiscoveryState(), uint32(a.node.ClusterId()), a.node.ClusterSize(), a.node.HopsToSink(), a.node.NoNodesFoundCounter())
		return CommandSuccess

	case "gettime":
		a.logger.Infof("globalTimeSec=%d syncState=%s", a.node.GlobalTimeSec(), a.node.TimeSyncState())
		return CommandSuccess

	case "settime":
		if len(argv) < 2 {
			return CommandNotEnoughArguments
		}
		var unixSec uint32
		var offsetSec int32
		if _, err := fmt.Sscanf(argv[1], "%d", &unixSec); err != nil {
			return CommandWrongArgument
		}
		if len(argv) >= 3 {
			if _, err := fmt.Sscanf(argv[2], "%d", &offsetSec); err != nil {
				return CommandWrongArgument
			}
		}
		a.node.SetLocalTime(unixSec, offsetSec)
		return CommandSuccess

	case "errlog":
		for _, e := range a.log.Entries() {
			a.logger.Infof("[%s] %s: %s", e.Severity, e.Type, e.Message)
		}
		return CommandSuccess

	default:
		if a.modules.HandleTerminalCommand(argv) {
			return CommandSuccess
		}
		return CommandUnknown
	}
}
