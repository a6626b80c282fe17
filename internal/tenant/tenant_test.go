package tenant

import (
	"strings"
	"testing"
)

func TestDeriveID(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Clínica Veterinaria San Martín", "cl-nica-veterinaria-san-mart-n"},
		{"Happy Paws", "happy-paws"},
		{"  ACME  Vets!!", "acme-vets"},
		{"vet123", "vet123"},
		{"A Very Long Clinic Name That Keeps Going And Going", "a-very-long-clinic-name-that-k"},
	}
	for _, c := range cases {
		if got := DeriveID(c.name); got != c.want {
			t.Errorf("DeriveID(%q) = %q, want %q", c.name, got, c.want)
		}
		if len(DeriveID(c.name)) > 30 {
			t.Errorf("DeriveID(%q) exceeds 30 chars", c.name)
		}
	}
}

func TestNewCredential(t *testing.T) {
	a, b := NewCredential(), NewCredential()
	if !strings.HasPrefix(a, "vet-") {
		t.Errorf("credential %q missing vet- prefix", a)
	}
	if a == b {
		t.Error("two fresh credentials must differ")
	}
}

func TestMaskCredential(t *testing.T) {
	if got := MaskCredential("vet-0123456789abcdef"); got != "vet-0123..." {
		t.Errorf("MaskCredential = %q", got)
	}
	if got := MaskCredential("short"); got != "short" {
		t.Errorf("short credentials pass through, got %q", got)
	}
}

func TestApply_PartialUpdate(t *testing.T) {
	tn := &Tenant{
		Name:            "Before",
		Contact:         "a@b.c",
		Plan:            "pro",
		MonthlyLimitUSD: 50,
		AllowedModels:   []string{"m1", "m2"},
		Active:          true,
	}

	active := false
	tn.Apply(UpdateSpec{Active: &active})

	if tn.Active {
		t.Error("active flag not applied")
	}
	if tn.MonthlyLimitUSD != 50 {
		t.Errorf("monthly limit changed to %v", tn.MonthlyLimitUSD)
	}
	if len(tn.AllowedModels) != 2 {
		t.Errorf("allowed models changed: %v", tn.AllowedModels)
	}
	if tn.Name != "Before" || tn.Plan != "pro" {
		t.Error("unrelated fields changed")
	}

	limit := 75.0
	models := []string{"m3"}
	tn.Apply(UpdateSpec{MonthlyLimitUSD: &limit, AllowedModels: &models})
	if tn.MonthlyLimitUSD != 75 || len(tn.AllowedModels) != 1 || tn.AllowedModels[0] != "m3" {
		t.Errorf("apply with values failed: %+v", tn)
	}
}

func TestAllowsModel(t *testing.T) {
	tn := &Tenant{AllowedModels: []string{"openai/gpt-4o"}}
	if !tn.AllowsModel("openai/gpt-4o") {
		t.Error("expected allowed")
	}
	if tn.AllowsModel("anthropic/claude-opus-4") {
		t.Error("expected denied")
	}
}

func TestValidate(t *testing.T) {
	if err := (&Tenant{ID: "x", MonthlyLimitUSD: 0}).Validate(); err != nil {
		t.Errorf("valid tenant rejected: %v", err)
	}
	if err := (&Tenant{MonthlyLimitUSD: 1}).Validate(); err == nil {
		t.Error("missing id accepted")
	}
	if err := (&Tenant{ID: "x", MonthlyLimitUSD: -1}).Validate(); err == nil {
		t.Error("negative limit accepted")
	}
}
