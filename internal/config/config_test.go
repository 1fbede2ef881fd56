package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFile(filepath.Join(dir, "config.toml"), dir)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	if cfg.General.DataDir != dir {
		t.Fatalf("expected data dir %q, got %q", dir, cfg.General.DataDir)
	}
	if cfg.Audio.BufferBytes != 8192 {
		t.Fatalf("expected default audio buffer, got %d", cfg.Audio.BufferBytes)
	}
	if cfg.Roster.Reciprocity != "force" {
		t.Fatalf("expected default reciprocity force, got %q", cfg.Roster.Reciprocity)
	}
}

func TestLoadFileParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[logging]
level = "debug"
console = true

[audio]
spatial = true
buffer_bytes = 4096

[roster]
reciprocity = "leave"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(path, dir)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	if !cfg.Audio.Spatial || cfg.Audio.BufferBytes != 4096 {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Roster.Reciprocity != "leave" {
		t.Fatalf("unexpected reciprocity: %q", cfg.Roster.Reciprocity)
	}
}

func TestLoadFileRejectsBadReciprocity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("[roster]\nreciprocity = \"sometimes\"\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadFile(path, dir); err == nil {
		t.Fatalf("expected error for invalid reciprocity value")
	}
}

func TestLoadAccountsFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.toml")

	content := `
[[accounts]]
account = "alice@example.com"
password = "secret"
server = "example.com"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write accounts: %v", err)
	}

	accounts, err := LoadAccountsFile(path)
	if err != nil {
		t.Fatalf("LoadAccountsFile returned error: %v", err)
	}
	if len(accounts.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts.Accounts))
	}

	a := accounts.Accounts[0]
	if a.Port != 5222 {
		t.Fatalf("expected default port 5222, got %d", a.Port)
	}
	if a.Protocol != "xmpp" {
		t.Fatalf("expected default protocol xmpp, got %q", a.Protocol)
	}
}
