// Package bleplatform: provider.go is the platform factory, grounded on
// the teacher's platform/bluetooth.go PlatformProvider/NewPlatformProvider
// pattern — a build-tag-selected constructor returning the adapter and the
// host directories for this process, generalized from chat-app data/cache
// directories to this core's record-storage data directory.
package bleplatform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fruitymesh/core/internal/ble"
)

// Provider exposes the platform-specific pieces Init (spec §6) needs: the
// BLE adapter itself and the directory the composition root should hand to
// internal/storage.
type Provider interface {
	Adapter() (ble.GapAdapter, ble.GattController, error)
	DataDirectory() string
	PlatformName() string
}

// NewProvider returns the provider appropriate for runtime.GOOS, mirroring
// the teacher's NewPlatformProvider build-tag dispatch.
func NewProvider() (Provider, error) {
	return newProvider()
}

func defaultDataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("bleplatform: get home dir: %w", err)
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		dir = filepath.Join(home, "AppData", "Local", appName)
	default:
		dir = filepath.Join(home, ".local", "share", appName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bleplatform: create data dir %s: %w", dir, err)
	}
	return dir, nil
}
