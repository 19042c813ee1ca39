package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Staging.Slots != 5 {
		t.Errorf("expected 5 slots, got %d", cfg.Staging.Slots)
	}

	if cfg.Staging.MaxSlotsPerUser != 2 {
		t.Errorf("expected 2 slots per user, got %d", cfg.Staging.MaxSlotsPerUser)
	}

	if cfg.Tape.MinFileSize != 30*1024*1024 {
		t.Errorf("expected min file size 30 MiB, got %d", cfg.Tape.MinFileSize)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/non/existent/path.json")
	if err != nil {
		t.Fatalf("expected no error for non-existent file, got %v", err)
	}

	// Should return default config
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestSaveAndLoad(t *testing.T) {
	// Create temp directory
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	// Create config
	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Tape.TestMode = true

	// Save
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	// Load
	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", loaded.Server.Port)
	}

	if loaded.Auth.JWTSecret != "test-secret" {
		t.Errorf("expected jwt secret 'test-secret', got %s", loaded.Auth.JWTSecret)
	}

	if !loaded.Tape.TestMode {
		t.Error("expected test mode to survive a round trip")
	}
}

func TestRetentionPeriods(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.DefaultRetentionPeriod().Hours(); got != 5*24 {
		t.Errorf("expected default retention 120h, got %vh", got)
	}
	if got := cfg.VerifyRetentionPeriod().Hours(); got != 20*24 {
		t.Errorf("expected verify retention 480h, got %vh", got)
	}
}
