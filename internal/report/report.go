// Package report builds and delivers the end-of-session summary emails.
package report

import (
	"context"
	"time"
)

// Variant describes how a session ended.
type Variant string

const (
	// VariantCombined means both pipelines completed inside the wait
	// window.
	VariantCombined Variant = "combined"
	// VariantSingle means only one pipeline ran and its partner never
	// started.
	VariantSingle Variant = "single"
	// VariantTimeout means the partner pipeline started but did not
	// finish before the wait window expired.
	VariantTimeout Variant = "timeout"
)

// Entry is the per-pipeline section of a report. Subject is the email
// subject that triggered the execution.
type Entry struct {
	Kind      string
	Display   string
	Subject   string
	Status    string
	Total     int
	Succeeded int
	Failed    int
	Excluded  int
	Duration  string
	Detail    string
}

// Report is one session summary.
type Report struct {
	Variant     Variant
	SessionID   string
	GeneratedAt time.Time
	Entries     []Entry
	Note        string
}

// Sink delivers reports. Implementations must be safe for concurrent
// use.
type Sink interface {
	Send(ctx context.Context, r *Report) error
}

// NopSink discards reports. Used when reporting is disabled.
type NopSink struct{}

func (NopSink) Send(context.Context, *Report) error { return nil }
