package ledger

import (
	"context"
	"time"
)

// Event is one immutable billable fact: a completed upstream call and its
// computed cost. Events are append-only and never edited or removed.
type Event struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"clinic_id"`
	Month        string    `json:"month"` // period key, "YYYY-MM"
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	PromptType   string    `json:"prompt_type"`
	InputTokens  int       `json:"prompt_tokens"`
	OutputTokens int       `json:"completion_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

type Store interface {
	// Append durably records one event. Safe for concurrent use; a failed
	// append must surface an error, never drop the event silently.
	Append(ctx context.Context, e *Event) error
	// SumCost aggregates CostUSD for a tenant and period. It reflects every
	// Append that completed before the call started.
	SumCost(ctx context.Context, tenantID, month string) (float64, error)
	// ListByTenant returns a tenant's events for a period, newest first.
	ListByTenant(ctx context.Context, tenantID, month string) ([]*Event, error)
	// ListByMonth returns all events for a period, for global reporting.
	ListByMonth(ctx context.Context, month string) ([]*Event, error)
}

// MonthKey derives the calendar-month period key for t. Caps reset at each
// month boundary simply because the key changes; there is no reset
// operation.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ModelSummary aggregates a tenant's events for one model.
type ModelSummary struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost"`
	Tokens  int     `json:"tokens"`
}

// Summarize groups events by model for reporting.
func Summarize(events []*Event) map[string]ModelSummary {
	byModel := make(map[string]ModelSummary)
	for _, e := range events {
		s := byModel[e.Model]
		s.Count++
		s.CostUSD += e.CostUSD
		s.Tokens += e.InputTokens + e.OutputTokens
		byModel[e.Model] = s
	}
	return byModel
}
