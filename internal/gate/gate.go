// Package gate makes the two admission decisions that must both pass
// before any billable upstream call: model entitlement and the monthly
// spend cap.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/tenant"
)

var ErrModelNotEntitled = errors.New("model not included in plan")

// QuotaError reports a denied request together with the cap and the usage
// measured at decision time, so callers can tell the tenant how far over
// they are.
type QuotaError struct {
	LimitUSD float64
	UsedUSD  float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("monthly limit of $%g reached (current usage $%.4f)", e.LimitUSD, e.UsedUSD)
}

type Gate struct {
	ledger ledger.Store
}

func New(l ledger.Store) *Gate {
	return &Gate{ledger: l}
}

// AuthorizeModel checks the tenant's explicit allow-list. The plan→tier
// table only seeds that list at creation time; the list itself is the
// authority here.
func (g *Gate) AuthorizeModel(t *tenant.Tenant, modelID string) error {
	if !t.AllowsModel(modelID) {
		return fmt.Errorf("%w: %s", ErrModelNotEntitled, modelID)
	}
	return nil
}

// CheckQuota is a pre-flight admission check: it compares the spend
// recorded so far against the cap. The cost of the request being admitted
// is unknown until the upstream call returns, so a single request may push
// the tenant past the cap; that bounded overshoot is accepted. The measured
// usage is returned even on success so callers can report it.
func (g *Gate) CheckQuota(ctx context.Context, t *tenant.Tenant, month string) (float64, error) {
	used, err := g.ledger.SumCost(ctx, t.ID, month)
	if err != nil {
		return 0, fmt.Errorf("failed to measure usage: %w", err)
	}
	if used >= t.MonthlyLimitUSD {
		return used, &QuotaError{LimitUSD: t.MonthlyLimitUSD, UsedUSD: used}
	}
	return used, nil
}
