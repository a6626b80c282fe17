package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("tenant not found")
	ErrDuplicateID = errors.New("tenant id already exists")
)

// Tenant is one billable client organization (a veterinary clinic). ID is
// the slug derived from the display name at creation time; it is immutable
// and partitions the usage ledger. Credential is the clinic's bearer secret
// and must be unique across all tenants.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Contact         string    `json:"contact"`
	Credential      string    `json:"token"`
	Plan            string    `json:"plan"` // "basic", "pro" or "premium"
	MonthlyLimitUSD float64   `json:"monthly_limit_usd"`
	AllowedModels   []string  `json:"models_allowed"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *Tenant) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *Tenant) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// UpdateSpec carries a partial edit: nil fields are left untouched.
type UpdateSpec struct {
	Name            *string   `json:"name"`
	Contact         *string   `json:"contact"`
	Plan            *string   `json:"plan"`
	MonthlyLimitUSD *float64  `json:"monthly_limit_usd"`
	AllowedModels   *[]string `json:"models_allowed"`
	Active          *bool     `json:"active"`
}

type Store interface {
	// Resolve finds the tenant owning credential, or ErrNotFound. Lookup
	// must not leak timing beyond found/not-found; implementations compare
	// fixed-length digests of the credential, never the raw strings.
	Resolve(ctx context.Context, credential string) (*Tenant, error)
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	Update(ctx context.Context, id string, spec UpdateSpec) (*Tenant, error)
	// RotateCredential atomically replaces the tenant's credential. The old
	// credential stops resolving the moment this returns; callers owning an
	// auth cache must also drop the stale entry.
	RotateCredential(ctx context.Context, id, newCredential string) (*Tenant, error)
}

// DeriveID turns a display name into a URL-safe slug: lower-cased, runs of
// non-alphanumerics collapsed to "-", capped at 30 characters.
func DeriveID(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	id := strings.Trim(b.String(), "-")
	if len(id) > 30 {
		id = strings.Trim(id[:30], "-")
	}
	return id
}

// NewCredential returns a fresh bearer secret.
func NewCredential() string {
	return "vet-" + uuid.New().String()
}

// MaskCredential renders a credential safe for admin listings.
func MaskCredential(c string) string {
	if len(c) <= 8 {
		return c
	}
	return c[:8] + "..."
}

// Apply folds a partial spec into the tenant, touching only present fields.
func (t *Tenant) Apply(spec UpdateSpec) {
	if spec.Name != nil {
		t.Name = *spec.Name
	}
	if spec.Contact != nil {
		t.Contact = *spec.Contact
	}
	if spec.Plan != nil {
		t.Plan = *spec.Plan
	}
	if spec.MonthlyLimitUSD != nil {
		t.MonthlyLimitUSD = *spec.MonthlyLimitUSD
	}
	if spec.AllowedModels != nil {
		t.AllowedModels = append([]string(nil), (*spec.AllowedModels)...)
	}
	if spec.Active != nil {
		t.Active = *spec.Active
	}
}

// AllowsModel reports whether modelID is in the tenant's allow-list.
func (t *Tenant) AllowsModel(modelID string) bool {
	for _, m := range t.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

func (t *Tenant) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.MonthlyLimitUSD < 0 {
		return fmt.Errorf("monthly limit must be non-negative")
	}
	return nil
}
