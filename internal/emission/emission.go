// Package emission drives invoice-level emissions through the validator
// API with a single exclusion-retry: when manager validation rejects
// specific members, the rejected members are removed and the remaining
// ones are submitted exactly once more. Every removed member is recorded
// for manual handling together with the response that rejected it; a
// group left empty by the exclusion is recorded as failed.
package emission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Dominican809/humano-watcher/internal/goval"
	"github.com/Dominican809/humano-watcher/internal/metrics"
)

// Validator is the subset of the API client the executor needs.
type Validator interface {
	Quote(ctx context.Context, e goval.Emission) (id, managerURI string, err error)
	Validate(ctx context.Context, quotationID string) (finalURI string, err error)
	Pay(ctx context.Context, quotationID, finalURI string) (ticketID string, err error)
}

// Excluded pairs a removed member with the validator response entry that
// rejected it.
type Excluded struct {
	Member   goval.Insured    `json:"member"`
	Response goval.Individual `json:"response"`
}

// Outcome is the terminal result of one emission.
type Outcome struct {
	Factura  string     `json:"factura"`
	TicketID string     `json:"ticket_id,omitempty"`
	Status   string     `json:"status"` // succeeded, failed
	Excluded []Excluded `json:"excluded,omitempty"`
	// Rejection is the validator message that triggered the exclusion.
	Rejection string `json:"rejection,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ManualRecord flags members or emissions that need human follow-up.
type ManualRecord struct {
	Factura  string     `json:"factura"`
	Reason   string     `json:"reason"`
	Excluded []Excluded `json:"excluded,omitempty"`
}

// Summary aggregates all outcomes of one run.
type Summary struct {
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	ExcludedMembers int            `json:"excluded_members"`
	Outcomes        []Outcome      `json:"outcomes"`
	Manual          []ManualRecord `json:"manual,omitempty"`
}

// Executor processes emissions sequentially for one pipeline kind.
type Executor struct {
	api  Validator
	log  *slog.Logger
	kind string
}

func NewExecutor(api Validator, log *slog.Logger, kind string) *Executor {
	return &Executor{api: api, log: log.With("component", "emission", "kind", kind), kind: kind}
}

// Process runs every emission to a terminal outcome. It returns an error
// only when the context is cancelled; per-emission failures are captured
// in the summary. Excluded members always produce a manual record, even
// when the retry without them succeeds.
func (x *Executor) Process(ctx context.Context, emisiones []goval.Emission) (*Summary, error) {
	sum := &Summary{Total: len(emisiones)}
	for _, e := range emisiones {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out := x.processOne(ctx, e)
		sum.Outcomes = append(sum.Outcomes, out)
		if out.Status == "succeeded" {
			sum.Succeeded++
			metrics.AddEmissionUnits(x.kind, "succeeded", 1)
			if len(out.Excluded) > 0 {
				sum.Manual = append(sum.Manual, ManualRecord{
					Factura:  out.Factura,
					Reason:   out.Rejection,
					Excluded: out.Excluded,
				})
			}
		} else {
			sum.Failed++
			metrics.AddEmissionUnits(x.kind, "failed", 1)
			sum.Manual = append(sum.Manual, ManualRecord{
				Factura:  out.Factura,
				Reason:   out.Error,
				Excluded: out.Excluded,
			})
		}
		metrics.AddEmissionUnits(x.kind, "excluded", len(out.Excluded))
		sum.ExcludedMembers += len(out.Excluded)
	}
	return sum, nil
}

func (x *Executor) processOne(ctx context.Context, e goval.Emission) Outcome {
	ticket, err := x.emit(ctx, e)
	if err == nil {
		x.log.Info("emission succeeded", "factura", e.Factura, "ticket", ticket, "insured", len(e.Insured))
		return Outcome{Factura: e.Factura, TicketID: ticket, Status: "succeeded"}
	}

	var excl *goval.ExclusionError
	if !errors.As(err, &excl) {
		x.log.Error("emission failed", "factura", e.Factura, "error", err)
		return Outcome{Factura: e.Factura, Status: "failed", Error: err.Error()}
	}

	filtered, removed := Filter(e, excl.Found)
	x.log.Warn("validation rejected members, retrying without them",
		"factura", e.Factura, "rejected", len(removed), "remaining", len(filtered.Insured))

	if len(filtered.Insured) == 0 {
		x.log.Error("every member of the emission was excluded", "factura", e.Factura)
		return Outcome{Factura: e.Factura, Status: "failed", Excluded: removed,
			Rejection: excl.Message, Error: "all members excluded"}
	}

	// single retry; a second rejection goes to manual handling
	ticket, err = x.emit(ctx, filtered)
	if err != nil {
		x.log.Error("retry after exclusion failed", "factura", e.Factura, "error", err)
		return Outcome{Factura: e.Factura, Status: "failed", Excluded: removed,
			Rejection: excl.Message, Error: err.Error()}
	}
	x.log.Info("emission succeeded after exclusion", "factura", e.Factura, "ticket", ticket,
		"insured", len(filtered.Insured), "excluded", len(removed))
	return Outcome{Factura: e.Factura, TicketID: ticket, Status: "succeeded",
		Excluded: removed, Rejection: excl.Message}
}

// emit runs the three API steps for one emission.
func (x *Executor) emit(ctx context.Context, e goval.Emission) (string, error) {
	id, _, err := x.api.Quote(ctx, e)
	if err != nil {
		return "", fmt.Errorf("quote: %w", err)
	}
	finalURI, err := x.api.Validate(ctx, id)
	if err != nil {
		// keep the ExclusionError visible through errors.As
		return "", err
	}
	ticket, err := x.api.Pay(ctx, id, finalURI)
	if err != nil {
		return "", fmt.Errorf("pay: %w", err)
	}
	return ticket, nil
}

// Filter removes the rejected individuals from an emission, matching by
// passport first and identity second. Each removed member keeps the full
// insured record and the validator entry that named it.
func Filter(e goval.Emission, found []goval.Individual) (goval.Emission, []Excluded) {
	byPassport := make(map[string]goval.Individual)
	byIdentity := make(map[string]goval.Individual)
	for _, ind := range found {
		if ind.Passport != "" {
			byPassport[ind.Passport] = ind
		}
		if ind.Identity != "" {
			byIdentity[ind.Identity] = ind
		}
	}
	out := e
	out.Insured = nil
	var removed []Excluded
	for _, ins := range e.Insured {
		if resp, ok := byPassport[ins.Passport]; ok && ins.Passport != "" {
			removed = append(removed, Excluded{Member: ins, Response: resp})
			continue
		}
		if resp, ok := byIdentity[ins.Identity]; ok && ins.Identity != "" {
			removed = append(removed, Excluded{Member: ins, Response: resp})
			continue
		}
		out.Insured = append(out.Insured, ins)
	}
	return out, removed
}
