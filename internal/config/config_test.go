package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "watcher.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
[imap]
host = "mail.example.com"
user = "watcher@example.com"
password = "secret"

[match]
subject_patterns = ["asegurados viajeros", "asegurados salud internacional"]
`)
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.IMAP.Port != 993 {
		t.Fatalf("expected default SSL port 993, got %d", fc.IMAP.Port)
	}
	if fc.IMAP.Folder != "INBOX" {
		t.Fatalf("expected default folder INBOX, got %q", fc.IMAP.Folder)
	}
	if fc.IMAP.PollInterval != 0 {
		t.Fatalf("expected push-preferring zero poll interval, got %v", fc.IMAP.PollInterval)
	}
	if fc.Window.Timezone != "America/Santo_Domingo" {
		t.Fatalf("unexpected default timezone %q", fc.Window.Timezone)
	}
	if fc.Window.StartHour != 0 || fc.Window.EndHour != 24 {
		t.Fatalf("expected all-day window by default, got %d..%d", fc.Window.StartHour, fc.Window.EndHour)
	}
}

func TestLoadRejectsMissingHost(t *testing.T) {
	p := writeConfig(t, `
[imap]
user = "watcher@example.com"

[match]
subject_patterns = ["asegurados viajeros"]
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for missing imap.host")
	}
}

func TestLoadRejectsInvertedWindow(t *testing.T) {
	p := writeConfig(t, `
[imap]
host = "mail.example.com"
user = "watcher@example.com"

[match]
subject_patterns = ["asegurados viajeros"]

[window]
start_hour = 18
end_hour = 8
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for end_hour before start_hour")
	}
}

func TestLoadRejectsBadSubjectPattern(t *testing.T) {
	p := writeConfig(t, `
[imap]
host = "mail.example.com"
user = "watcher@example.com"

[match]
subject_patterns = ["asegurados ["]
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for an invalid subject pattern")
	}
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("WATCHER_IMAP_PASSWORD", "from-env")
	p := writeConfig(t, `
[imap]
host = "mail.example.com"
user = "watcher@example.com"

[match]
subject_patterns = ["asegurados viajeros"]
`)
	fc, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.IMAP.Password != "from-env" {
		t.Fatalf("expected password from environment, got %q", fc.IMAP.Password)
	}
}

func TestWeekdays(t *testing.T) {
	w := WindowConfig{Days: []string{"Monday", "friday"}}
	wd := w.Weekdays()
	if !wd[time.Monday] || !wd[time.Friday] || wd[time.Sunday] {
		t.Fatalf("unexpected weekday set: %v", wd)
	}
}
