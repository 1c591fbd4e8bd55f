package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Protocol.ProtocolFeePercentage != 3.0 {
		t.Errorf("default protocol fee = %v, want 3.0", cfg.Protocol.ProtocolFeePercentage)
	}
	if cfg.Protocol.EscrowHoldDurationDays != 7 || cfg.Protocol.DisputeWindowDays != 7 {
		t.Error("hold duration and dispute window default to 7 days")
	}
	if cfg.Protocol.VendorResponseWindowHours != 48 {
		t.Errorf("vendor response window = %d, want 48", cfg.Protocol.VendorResponseWindowHours)
	}
	if cfg.Protocol.EmergencyPauseEnabled {
		t.Error("pause must default to off")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  port: \"9090\"\nprotocol:\n  protocol_fee_percentage: 2.5\n"), 0o644)

	t.Setenv("PORT", "7070")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol.ProtocolFeePercentage != 2.5 {
		t.Errorf("file value not applied: %v", cfg.Protocol.ProtocolFeePercentage)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env must override file: %s", cfg.Server.Port)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/does/not/exist.yaml")
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Protocol.ProofValidityDaysDefault != 30 {
		t.Errorf("defaults not applied: %d", cfg.Protocol.ProofValidityDaysDefault)
	}
}
