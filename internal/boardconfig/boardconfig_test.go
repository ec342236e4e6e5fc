package boardconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	yamlContent := "nodeId: 5\nnetworkId: 1\nnetworkKeyHex: \"00112233445566778899aabbccddeeff\"\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeId != 5 {
		t.Errorf("NodeId = %d, want 5", cfg.NodeId)
	}
	if cfg.Timing.HandshakeTimeoutDs != Defaults().Timing.HandshakeTimeoutDs {
		t.Errorf("HandshakeTimeoutDs not defaulted: got %d", cfg.Timing.HandshakeTimeoutDs)
	}
	if cfg.Pool != Defaults().Pool {
		t.Errorf("Pool not defaulted: got %+v", cfg.Pool)
	}
	if cfg.DataDir != Defaults().DataDir {
		t.Errorf("DataDir not defaulted: got %s", cfg.DataDir)
	}
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	yamlContent := "nodeId: 9\nnetworkId: 1\ndataDir: /tmp/custom\ntiming:\n  handshakeTimeoutDs: 100\npool:\n  meshIn: 5\n  meshOut: 5\n  appIn: 2\n  appOut: 2\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/custom" {
		t.Errorf("DataDir = %s, want /tmp/custom", cfg.DataDir)
	}
	if cfg.Timing.HandshakeTimeoutDs != 100 {
		t.Errorf("HandshakeTimeoutDs = %d, want 100", cfg.Timing.HandshakeTimeoutDs)
	}
	if cfg.Pool.MeshIn != 5 {
		t.Errorf("Pool.MeshIn = %d, want 5", cfg.Pool.MeshIn)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/board.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
