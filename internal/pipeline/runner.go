package pipeline

import (
	"context"
	"time"
)

// Result summarizes one pipeline execution over a staged workbook.
type Result struct {
	Kind       Kind          `json:"kind"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Excluded   int           `json:"excluded"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Detail     string        `json:"detail,omitempty"`
	ManualRefs []string      `json:"manual_refs,omitempty"`
}

// Success reports whether the execution completed without hard failures.
// Exclusions are not failures: a run where every failed unit was excluded
// by the upstream validator still counts as successful.
func (r *Result) Success() bool { return r.Failed == 0 }

// Runner executes one pipeline kind end to end: load the staged
// workbook, validate and emit its members, and persist execution
// statistics. The subject is the originating email subject, carried for
// traceability. The SI runner additionally diffs the workbook against
// the previous delivery and emits only the added members.
type Runner interface {
	Kind() Kind
	Run(ctx context.Context, stagedFile, subject string) (*Result, error)
}
