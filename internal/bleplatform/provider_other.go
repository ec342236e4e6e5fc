//go:build !linux

package bleplatform

import (
	"fmt"
	"runtime"

	"github.com/fruitymesh/core/internal/ble"
)

// unsupportedProvider satisfies Provider on darwin/windows builds, where
// this core has no native adapter (spec scope is BlueZ/Linux hosts); the
// composition root falls back to internal/blesim when Adapter fails here,
// the same graceful-degradation shape as the teacher's platform package
// returning nil providers for unimplemented platforms.
type unsupportedProvider struct {
	dataDir string
}

func newProvider() (Provider, error) {
	dir, err := defaultDataDir("fruitymesh")
	if err != nil {
		return nil, err
	}
	return &unsupportedProvider{dataDir: dir}, nil
}

func (p *unsupportedProvider) Adapter() (ble.GapAdapter, ble.GattController, error) {
	return nil, nil, fmt.Errorf("bleplatform: no native BLE adapter for %s", runtime.GOOS)
}

func (p *unsupportedProvider) DataDirectory() string { return p.dataDir }
func (p *unsupportedProvider) PlatformName() string  { return runtime.GOOS }
