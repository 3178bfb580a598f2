package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Dominican809/humano-watcher/internal/emission"
	"github.com/Dominican809/humano-watcher/internal/goval"
	"github.com/Dominican809/humano-watcher/internal/stats"
)

// snapshotName is the previous workbook the SI pipeline keeps in its
// working directory for diffing the next delivery against.
const snapshotName = "current.xlsx"

// runner is the shared execution skeleton. Kinds differ in how members
// are grouped into emissions and whether deliveries are diffed.
type runner struct {
	kind         Kind
	workingDir   string
	exec         *emission.Executor
	stats        *stats.Manager
	log          *slog.Logger
	build        func(added []Member) []goval.Emission
	diffSnapshot bool
}

// NewViajeros returns the runner for the travel-insurance pipeline. The
// full workbook is emitted on every delivery, grouped into one emission
// per invoice; members without an invoice are emitted individually.
func NewViajeros(workingDir string, exec *emission.Executor, st *stats.Manager, log *slog.Logger) Runner {
	r := &runner{
		kind:       KindViajeros,
		workingDir: workingDir,
		exec:       exec,
		stats:      st,
		log:        log.With("pipeline", string(KindViajeros)),
	}
	r.build = r.buildPerFactura
	return r
}

// NewSI returns the runner for the international-health pipeline. The
// workbook is diffed against the previous delivery snapshot and the
// added members go into a single emission, matching how the insurer
// bills that product.
func NewSI(workingDir string, exec *emission.Executor, st *stats.Manager, log *slog.Logger) Runner {
	r := &runner{
		kind:         KindSI,
		workingDir:   workingDir,
		exec:         exec,
		stats:        st,
		log:          log.With("pipeline", string(KindSI)),
		diffSnapshot: true,
	}
	r.build = r.buildSingle
	return r
}

func (r *runner) Kind() Kind { return r.kind }

// Run loads the staged workbook, emits its members, and persists stats.
// In diff mode only the members added since the previous delivery are
// emitted and the snapshot is rotated afterwards, even when there is
// nothing new, so a re-sent file does not re-trigger work.
func (r *runner) Run(ctx context.Context, stagedFile, subject string) (*Result, error) {
	start := time.Now()

	cur, err := LoadMembers(stagedFile)
	if err != nil {
		return nil, err
	}

	toEmit := cur
	if r.diffSnapshot {
		var prev []Member
		snap := filepath.Join(r.workingDir, snapshotName)
		if _, err := os.Stat(snap); err == nil {
			prev, err = LoadMembers(snap)
			if err != nil {
				return nil, fmt.Errorf("load previous snapshot: %w", err)
			}
		}
		toEmit = Diff(prev, cur)
		r.log.Info("workbook compared", "subject", subject,
			"previous", len(prev), "current", len(cur), "added", len(toEmit))
	} else {
		r.log.Info("workbook loaded", "subject", subject, "members", len(cur))
	}

	res := &Result{Kind: r.kind}
	if len(toEmit) == 0 {
		if r.diffSnapshot {
			res.Detail = "no new records in comparison"
		} else {
			res.Detail = "workbook contains no records"
		}
		res.Duration = time.Since(start)
	} else {
		emisiones := r.build(toEmit)
		sum, err := r.exec.Process(ctx, emisiones)
		if err != nil {
			return nil, err
		}
		res.Total = sum.Total
		res.Succeeded = sum.Succeeded
		res.Failed = sum.Failed
		res.Excluded = sum.ExcludedMembers
		res.Duration = time.Since(start)
		for _, m := range sum.Manual {
			res.ManualRefs = append(res.ManualRefs, m.Factura)
		}
	}

	if err := r.stats.Save(stats.Record{
		Kind:      string(r.kind),
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Excluded:  res.Excluded,
		Duration:  res.Duration.String(),
		Detail:    res.Detail,
	}); err != nil {
		r.log.Warn("failed to persist execution stats", "error", err)
	}

	if r.diffSnapshot {
		if err := r.rotateSnapshot(stagedFile); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// rotateSnapshot backs up the previous snapshot and replaces it with the
// staged file.
func (r *runner) rotateSnapshot(stagedFile string) error {
	if err := os.MkdirAll(r.workingDir, 0o750); err != nil {
		return err
	}
	snap := filepath.Join(r.workingDir, snapshotName)
	if _, err := os.Stat(snap); err == nil {
		backup := filepath.Join(r.workingDir, "backup_"+time.Now().Format("20060102_150405")+".xlsx")
		if err := os.Rename(snap, backup); err != nil {
			return fmt.Errorf("backup snapshot: %w", err)
		}
	}
	return copyFile(stagedFile, snap)
}

func (r *runner) buildSingle(added []Member) []goval.Emission {
	e := goval.Emission{Factura: time.Now().Format("200601021504")}
	for _, m := range added {
		e.Insured = append(e.Insured, toInsured(m))
	}
	return []goval.Emission{e}
}

func (r *runner) buildPerFactura(added []Member) []goval.Emission {
	byFactura := make(map[string]*goval.Emission)
	var order []string
	for _, m := range added {
		key := m.Factura
		if key == "" {
			key = "V-" + m.Code
		}
		e, ok := byFactura[key]
		if !ok {
			e = &goval.Emission{Factura: key}
			byFactura[key] = e
			order = append(order, key)
		}
		e.Insured = append(e.Insured, toInsured(m))
	}
	out := make([]goval.Emission, 0, len(order))
	for _, key := range order {
		out = append(out, *byFactura[key])
	}
	return out
}

func toInsured(m Member) goval.Insured {
	return goval.Insured{
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Birthdate: m.Birthdate,
		Passport:  m.Code,
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
