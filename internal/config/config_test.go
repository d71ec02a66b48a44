package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data/app.db"}},
		"providers": {"openai": {"model": "gpt-4o-mini"}}
	}`)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dir := filepath.Dir(path)
	if got := cfg.Databases["sqlite3"].DSN; got != filepath.Join(dir, "data/app.db") {
		t.Fatalf("sqlite dsn not resolved: %s", got)
	}
	if cfg.Blob.Backend != "local" || cfg.Blob.BaseDir != filepath.Join(dir, "data/blobs") {
		t.Fatalf("blob defaults wrong: %+v", cfg.Blob)
	}
	if cfg.BasicConfig.ServerAddress != ":8090" {
		t.Fatalf("server address default: %s", cfg.BasicConfig.ServerAddress)
	}
	if cfg.TTS.MinTextLength != 20 || cfg.TTS.MaxTextLength != 4096 {
		t.Fatalf("tts defaults: %+v", cfg.TTS)
	}
	if p, _ := cfg.Provider("openai"); p.APIKey != "sk-test" || p.Model != "gpt-4o-mini" {
		t.Fatalf("env override not applied: %+v", p)
	}
}

func TestLoadRejectsBadBlobBackend(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"blob": {"backend": "minio"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected minio without endpoint to fail")
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `{}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing database error")
	}
}
