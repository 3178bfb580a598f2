package report

import (
	"strings"
	"testing"
	"time"
)

func TestRenderHTML(t *testing.T) {
	r := &Report{
		Variant:     VariantCombined,
		SessionID:   "session_20250921_140000",
		GeneratedAt: time.Date(2025, 9, 21, 14, 35, 0, 0, time.UTC),
		Entries: []Entry{
			{Kind: "viajeros", Display: "Asegurados Viajeros", Subject: "Asegurados Viajeros | 2025-09-21", Status: "completed", Total: 10, Succeeded: 9, Failed: 1, Duration: "2m10s"},
			{Kind: "si", Display: "Asegurados Salud Internacional", Status: "completed", Total: 1, Succeeded: 1, Duration: "40s"},
		},
	}
	html, err := RenderHTML(r)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"session_20250921_140000", "Asegurados Viajeros", "Asegurados Salud Internacional", "2m10s", "Asunto: Asegurados Viajeros | 2025-09-21"} {
		if !strings.Contains(html, want) {
			t.Fatalf("rendered report missing %q", want)
		}
	}
}

func TestSubjectPerVariant(t *testing.T) {
	r := &Report{SessionID: "session_x"}
	r.Variant = VariantCombined
	if !strings.Contains(Subject(r), "combinado") {
		t.Fatalf("combined subject: %q", Subject(r))
	}
	r.Variant = VariantTimeout
	if !strings.Contains(Subject(r), "incompleto") {
		t.Fatalf("timeout subject: %q", Subject(r))
	}
	r.Variant = VariantSingle
	if Subject(r) == "" {
		t.Fatalf("single subject empty")
	}
}
