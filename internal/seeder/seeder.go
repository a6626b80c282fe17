package seeder

import (
	"context"
	"errors"
	"log"

	"github.com/vetai/gateway/internal/catalog"
	"github.com/vetai/gateway/internal/tenant"
)

const (
	DemoCredential = "demo-token-123"
	DemoTenantID   = "demo"
)

// SeedDemoClinic creates the demo clinic for local development. Safe to
// call on every start: an existing demo clinic is left alone.
func SeedDemoClinic(ctx context.Context, store tenant.Store) {
	t := &tenant.Tenant{
		ID:              DemoTenantID,
		Name:            "Demo Clinic",
		Contact:         "demo@vetai.app",
		Credential:      DemoCredential,
		Plan:            "pro",
		MonthlyLimitUSD: 50,
		AllowedModels:   catalog.ModelsForPlan("pro"),
		Active:          true,
	}

	err := store.Create(ctx, t)
	if err != nil {
		if errors.Is(err, tenant.ErrDuplicateID) {
			log.Printf("[Seeder] demo clinic already exists, skipping")
			return
		}
		log.Printf("[Seeder] failed to seed demo clinic: %v", err)
		return
	}
	log.Printf("[Seeder] demo clinic created")
	log.Printf("[Seeder] Token: %s", DemoCredential)
	log.Printf("[Seeder] ClinicID: %s", DemoTenantID)
}
