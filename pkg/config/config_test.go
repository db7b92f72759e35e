package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	content := `
mode: rtu
client:
  timeout: 2
  retries: 5
  broadcast_enable: true
  reconnect_delay: 250
serial:
  port: /dev/ttyUSB0
  baudrate: 19200
  parity: even
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mode != "rtu" {
		t.Errorf("Mode = %q, want rtu", cfg.Mode)
	}
	cc := cfg.Client.ClientConfig()
	if cc.Timeout != 2*time.Second || cc.Retries != 5 {
		t.Errorf("ClientConfig = %+v", cc)
	}
	if !cc.BroadcastEnable {
		t.Error("BroadcastEnable not set")
	}
	if cc.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 250ms", cc.ReconnectDelay)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.BaudRate != 19200 || cfg.Serial.Parity != "even" {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadInvalidMode(t *testing.T) {
	content := "mode: carrier-pigeon\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown mode")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mode != "tcp" {
		t.Errorf("default Mode = %q, want tcp", cfg.Mode)
	}
	if cfg.Client.Timeout != 3 {
		t.Errorf("default Timeout = %v, want 3", cfg.Client.Timeout)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Mode = "udp"
	cfg.UDP.Host = "192.0.2.7"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Mode != "udp" || loaded.UDP.Host != "192.0.2.7" {
		t.Errorf("round trip = %+v", loaded)
	}
}
