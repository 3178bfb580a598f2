package trigger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Dominican809/humano-watcher/internal/config"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
)

// buildMessage assembles a raw RFC822 message with an optional xlsx
// attachment.
func buildMessage(t *testing.T, subject, from string, attachment string, content []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	var h mail.Header
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetMessageID("test-" + strings.ReplaceAll(subject, " ", "") + "@example.com")
	h.SetDate(time.Date(2025, 9, 22, 9, 30, 0, 0, time.UTC))

	mw, err := mail.CreateWriter(&b, h)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("create inline: %v", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain")
	pw, err := tw.CreatePart(th)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = pw.Write([]byte("adjunto el archivo"))
	_ = pw.Close()
	_ = tw.Close()

	if attachment != "" {
		var ah mail.AttachmentHeader
		ah.SetFilename(attachment)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("create attachment: %v", err)
		}
		_, _ = aw.Write(content)
		_ = aw.Close()
	}
	_ = mw.Close()
	return b.Bytes()
}

func TestParse(t *testing.T) {
	raw := buildMessage(t, "Asegurados Viajeros | 2025-09-21", "reportes@humano.com.do", "", nil)
	ev, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Subject != "Asegurados Viajeros | 2025-09-21" {
		t.Fatalf("subject %q", ev.Subject)
	}
	if ev.From != "reportes@humano.com.do" {
		t.Fatalf("from %q", ev.From)
	}
	if ev.MessageID == "" {
		t.Fatalf("expected message id")
	}
	if ev.Kind != pipeline.KindViajeros {
		t.Fatalf("kind %q", ev.Kind)
	}
	if ev.OrderKey != "2025-09-21" {
		t.Fatalf("order key %q", ev.OrderKey)
	}
}

func TestOrderKey(t *testing.T) {
	cases := []struct{ subject, want string }{
		{"Asegurados Viajeros | 2025-09-21", "2025-09-21"},
		{"FW: Asegurados Viajeros |2025-12-01 extra", "2025-12-01"},
		{"Asegurados Viajeros", ""},
		{"pipe | but no date", ""},
	}
	for _, c := range cases {
		if got := OrderKey(c.subject); got != c.want {
			t.Fatalf("OrderKey(%q) = %q, want %q", c.subject, got, c.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher(config.MatchConfig{
		SubjectPatterns: []string{`asegurados\s+viajeros`},
		SenderPatterns:  []string{`@humano\.com\.do$`},
	})
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	ok := &Event{Subject: "RE: Asegurados Viajeros | 2025-09-21", From: "reportes@humano.com.do"}
	if !m.Matches(ok) {
		t.Fatalf("expected match for %+v", ok)
	}
	wrongSender := &Event{Subject: "Asegurados Viajeros", From: "spoof@evil.com"}
	if m.Matches(wrongSender) {
		t.Fatalf("sender filter must reject %+v", wrongSender)
	}
	wrongSubject := &Event{Subject: "Invoice attached", From: "reportes@humano.com.do"}
	if m.Matches(wrongSubject) {
		t.Fatalf("subject filter must reject %+v", wrongSubject)
	}

	anySender, err := NewMatcher(config.MatchConfig{SubjectPatterns: []string{"asegurados viajeros"}})
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	if !anySender.Matches(wrongSender) {
		t.Fatalf("empty sender list must accept any sender")
	}

	if _, err := NewMatcher(config.MatchConfig{SubjectPatterns: []string{"asegurados ["}}); err == nil {
		t.Fatalf("invalid pattern must be rejected at construction")
	}
}

func TestWindow(t *testing.T) {
	w, err := NewWindow(config.WindowConfig{
		Days:      []string{"monday"},
		StartHour: 8,
		EndHour:   18,
		Timezone:  "UTC",
	})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	monday9 := time.Date(2025, 9, 22, 9, 0, 0, 0, time.UTC)
	if !w.Contains(monday9) {
		t.Fatalf("monday 09:00 should be inside")
	}
	monday19 := time.Date(2025, 9, 22, 19, 0, 0, 0, time.UTC)
	if w.Contains(monday19) {
		t.Fatalf("monday 19:00 should be outside")
	}
	sunday9 := time.Date(2025, 9, 21, 9, 0, 0, 0, time.UTC)
	if w.Contains(sunday9) {
		t.Fatalf("sunday should be outside")
	}
}

func TestExtractAttachmentsStagesAndBacksUp(t *testing.T) {
	staging := t.TempDir()
	raw := buildMessage(t, "Asegurados Salud Internacional | 2025-09-21", "reportes@humano.com.do",
		"asegurados.xlsx", []byte("first delivery"))

	paths, err := ExtractAttachments(raw, staging)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "asegurados.xlsx" {
		t.Fatalf("unexpected staged paths %v", paths)
	}

	raw2 := buildMessage(t, "Asegurados Salud Internacional | 2025-09-22", "reportes@humano.com.do",
		"asegurados.xlsx", []byte("second delivery"))
	if _, err := ExtractAttachments(raw2, staging); err != nil {
		t.Fatalf("extract second: %v", err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected staged file plus timestamped backup, got %d entries", len(entries))
	}
	b, err := os.ReadFile(filepath.Join(staging, "asegurados.xlsx"))
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if string(b) != "second delivery" {
		t.Fatalf("staged file must hold the newest delivery, got %q", b)
	}
}

func TestExtractIgnoresNonWorkbookAttachments(t *testing.T) {
	staging := t.TempDir()
	raw := buildMessage(t, "Asegurados Viajeros | 2025-09-21", "reportes@humano.com.do",
		"notas.pdf", []byte("%PDF"))
	paths, err := ExtractAttachments(raw, staging)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("pdf attachment must be ignored, got %v", paths)
	}
}
