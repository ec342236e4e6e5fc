//go:build linux

package bleplatform

import (
	"github.com/fruitymesh/core/internal/ble"
)

type linuxProvider struct {
	dataDir string
}

func newProvider() (Provider, error) {
	dir, err := defaultDataDir("fruitymesh")
	if err != nil {
		return nil, err
	}
	return &linuxProvider{dataDir: dir}, nil
}

func (p *linuxProvider) Adapter() (ble.GapAdapter, ble.GattController, error) {
	a, err := NewLinuxAdapter()
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

func (p *linuxProvider) DataDirectory() string { return p.dataDir }
func (p *linuxProvider) PlatformName() string  { return "linux" }
