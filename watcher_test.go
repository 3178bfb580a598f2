package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Dominican809/humano-watcher/internal/pipeline"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
[imap]
host = "imap.example.com"
user = "reportes@example.com"

[match]
subject_patterns = ["asegurados viajeros", "asegurados salud internacional"]

[store]
dedup_path = "` + filepath.ToSlash(filepath.Join(dir, "processed.db")) + `"
session_path = "` + filepath.ToSlash(filepath.Join(dir, "sessions.db")) + `"
stats_dir = "` + filepath.ToSlash(filepath.Join(dir, "stats")) + `"

[pipelines.viajeros]
staging_path = "` + filepath.ToSlash(filepath.Join(dir, "v", "staging")) + `"
working_path = "` + filepath.ToSlash(filepath.Join(dir, "v", "working")) + `"

[pipelines.si]
staging_path = "` + filepath.ToSlash(filepath.Join(dir, "si", "staging")) + `"
working_path = "` + filepath.ToSlash(filepath.Join(dir, "si", "working")) + `"
`
	path := filepath.Join(dir, "watcher.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewWiresPipelines(t *testing.T) {
	app, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer app.closeAll()

	if len(app.runners) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(app.runners))
	}
	for _, kind := range []pipeline.Kind{pipeline.KindViajeros, pipeline.KindSI} {
		if _, ok := app.runners[kind]; !ok {
			t.Fatalf("runner for %s not wired", kind)
		}
	}
	if app.srv != nil {
		t.Fatalf("server should be nil when disabled")
	}
}

func TestNewRejectsMissingConfig(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
