// Package boardconfig loads the per-device board and network configuration
// consumed by Init (spec §6 "Process-level contract"). It is YAML-backed
// following the rest of the example corpus (e.g. ComX-Bridge's
// pkg/config), which is the Go-idiomatic analogue of the original
// firmware's compiled-in board-configuration tables (explicitly excluded
// from this core's scope by spec §1, but a config *loader* is ambient
// infrastructure every hosted build of this core needs).
package boardconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fruitymesh/core/internal/meshid"
)

// Config is the full set of knobs Init needs: identity seed, timing
// constants, and connection-pool sizing. Anything not set falls back to
// Defaults().
type Config struct {
	NodeId    meshid.NodeId    `yaml:"nodeId"`
	NetworkId meshid.NetworkId `yaml:"networkId"`
	NetworkKeyHex string       `yaml:"networkKeyHex"`
	DeviceType meshid.DeviceType `yaml:"deviceType"`
	DBmTx      int8             `yaml:"dBmTx"`

	DataDir string `yaml:"dataDir"`

	Timing  Timing  `yaml:"timing"`
	Pool    PoolSizes `yaml:"pool"`

	// RngSeed pins jitter determinism; zero means "derive from identity".
	RngSeed int64 `yaml:"rngSeed"`

	// BatteryADCChannel names the periph.io ADC channel this board reads
	// for the batteryRuntime field advertised in JOIN_ME; empty disables
	// hardware battery sampling and falls back to a fixed estimate.
	BatteryADCChannel string `yaml:"batteryAdcChannel"`
}

// Timing holds the deciseconds-denominated constants named throughout
// spec §4-§5.
type Timing struct {
	HandshakeTimeoutDs    uint16 `yaml:"handshakeTimeoutDs"`
	ResolverTimeoutDs     uint16 `yaml:"resolverTimeoutDs"`
	ReestablishTimeoutSec uint16 `yaml:"reestablishTimeoutSec"`
	DiscoveryDecisionDs   uint16 `yaml:"discoveryDecisionDs"`
	NoNodesFoundThreshold uint16 `yaml:"noNodesFoundThreshold"`

	// ValidateFreeSlotTimeoutDs bounds an emergency-disconnect's
	// VALIDATE_FREE_SLOT round-trip before it's abandoned.
	ValidateFreeSlotTimeoutDs uint16 `yaml:"validateFreeSlotTimeoutDs"`
}

// PoolSizes sizes the connection manager's fixed slot pool (spec §3
// "Connection slot").
type PoolSizes struct {
	MeshIn  int `yaml:"meshIn"`
	MeshOut int `yaml:"meshOut"`
	AppIn   int `yaml:"appIn"`
	AppOut  int `yaml:"appOut"`
}

// Defaults returns the typical firmware defaults named in spec.md.
func Defaults() Config {
	return Config{
		DeviceType: meshid.DeviceTypeStationary,
		DBmTx:      0,
		DataDir:    "./fruitymesh-data",
		Timing: Timing{
			HandshakeTimeoutDs:    60,  // 6s
			ResolverTimeoutDs:     20,  // 2s
			ReestablishTimeoutSec: 10,
			DiscoveryDecisionDs:   20, // 2s
			NoNodesFoundThreshold: 5,
			ValidateFreeSlotTimeoutDs: 20, // 2s
		},
		Pool: PoolSizes{
			MeshIn:  3,
			MeshOut: 3,
			AppIn:   1,
			AppOut:  1,
		},
	}
}

// Load reads and parses a YAML board config file, filling in any
// zero-valued field from Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("boardconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("boardconfig: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.Timing.HandshakeTimeoutDs == 0 {
		cfg.Timing.HandshakeTimeoutDs = d.Timing.HandshakeTimeoutDs
	}
	if cfg.Timing.ResolverTimeoutDs == 0 {
		cfg.Timing.ResolverTimeoutDs = d.Timing.ResolverTimeoutDs
	}
	if cfg.Timing.ReestablishTimeoutSec == 0 {
		cfg.Timing.ReestablishTimeoutSec = d.Timing.ReestablishTimeoutSec
	}
	if cfg.Timing.DiscoveryDecisionDs == 0 {
		cfg.Timing.DiscoveryDecisionDs = d.Timing.DiscoveryDecisionDs
	}
	if cfg.Timing.NoNodesFoundThreshold == 0 {
		cfg.Timing.NoNodesFoundThreshold = d.Timing.NoNodesFoundThreshold
	}
	if cfg.Timing.ValidateFreeSlotTimeoutDs == 0 {
		cfg.Timing.ValidateFreeSlotTimeoutDs = d.Timing.ValidateFreeSlotTimeoutDs
	}
	if cfg.Pool == (PoolSizes{}) {
		cfg.Pool = d.Pool
	}
}
