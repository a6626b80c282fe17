// Package store persists the tenant directory and usage ledger as a single
// consistent JSON snapshot. Every mutation runs a read-modify-write under
// one writer lock and flushes the whole document atomically (temp file +
// rename), so concurrent appends can never lose or corrupt events.
package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/tenant"
)

type snapshot struct {
	Clinics  map[string]*tenant.Tenant `json:"clinics"`
	UsageLog []*ledger.Event           `json:"usage_log"`
}

type FileStore struct {
	path string

	mu   sync.Mutex
	data snapshot
}

// Open loads the snapshot at path, creating an empty one if the file does
// not exist yet.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: snapshot{Clinics: make(map[string]*tenant.Tenant)},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if s.data.Clinics == nil {
		s.data.Clinics = make(map[string]*tenant.Tenant)
	}
	return s, nil
}

// save flushes the full snapshot. Callers must hold mu.
func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func cloneTenant(t *tenant.Tenant) *tenant.Tenant {
	c := *t
	c.AllowedModels = append([]string(nil), t.AllowedModels...)
	return &c
}

// --- tenant.Store ---

func (s *FileStore) Resolve(ctx context.Context, credential string) (*tenant.Tenant, error) {
	want := sha256.Sum256([]byte(credential))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Compare fixed-length digests and visit every tenant so resolution
	// time carries no signal beyond found/not-found.
	var found *tenant.Tenant
	for _, t := range s.data.Clinics {
		have := sha256.Sum256([]byte(t.Credential))
		if subtle.ConstantTimeCompare(want[:], have[:]) == 1 {
			found = t
		}
	}
	if found == nil {
		return nil, tenant.ErrNotFound
	}
	return cloneTenant(found), nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Clinics[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return cloneTenant(t), nil
}

func (s *FileStore) List(ctx context.Context) ([]*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants := make([]*tenant.Tenant, 0, len(s.data.Clinics))
	for _, t := range s.data.Clinics {
		tenants = append(tenants, cloneTenant(t))
	}
	sortTenants(tenants)
	return tenants, nil
}

func (s *FileStore) Create(ctx context.Context, t *tenant.Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Clinics[t.ID]; exists {
		return tenant.ErrDuplicateID
	}
	for _, existing := range s.data.Clinics {
		if existing.Credential == t.Credential {
			return fmt.Errorf("credential already in use by tenant %s", existing.ID)
		}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.data.Clinics[t.ID] = cloneTenant(t)
	if err := s.save(); err != nil {
		delete(s.data.Clinics, t.ID)
		return err
	}
	return nil
}

func (s *FileStore) Update(ctx context.Context, id string, spec tenant.UpdateSpec) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Clinics[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}

	updated := cloneTenant(current)
	updated.Apply(spec)
	s.data.Clinics[id] = updated
	if err := s.save(); err != nil {
		s.data.Clinics[id] = current
		return nil, err
	}
	return cloneTenant(updated), nil
}

func (s *FileStore) RotateCredential(ctx context.Context, id, newCredential string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Clinics[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}

	updated := cloneTenant(current)
	updated.Credential = newCredential
	s.data.Clinics[id] = updated
	if err := s.save(); err != nil {
		s.data.Clinics[id] = current
		return nil, err
	}
	return cloneTenant(updated), nil
}

// --- ledger.Store ---

func (s *FileStore) Append(ctx context.Context, e *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Month == "" {
		e.Month = ledger.MonthKey(e.Timestamp)
	}

	copied := *e
	s.data.UsageLog = append(s.data.UsageLog, &copied)
	if err := s.save(); err != nil {
		s.data.UsageLog = s.data.UsageLog[:len(s.data.UsageLog)-1]
		return err
	}
	return nil
}

func (s *FileStore) SumCost(ctx context.Context, tenantID, month string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, e := range s.data.UsageLog {
		if e.TenantID == tenantID && e.Month == month {
			total += e.CostUSD
		}
	}
	return total, nil
}

func (s *FileStore) ListByTenant(ctx context.Context, tenantID, month string) ([]*ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*ledger.Event
	// UsageLog is append-ordered; walk backwards for newest first.
	for i := len(s.data.UsageLog) - 1; i >= 0; i-- {
		e := s.data.UsageLog[i]
		if e.TenantID == tenantID && e.Month == month {
			copied := *e
			events = append(events, &copied)
		}
	}
	return events, nil
}

func (s *FileStore) ListByMonth(ctx context.Context, month string) ([]*ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*ledger.Event
	for i := len(s.data.UsageLog) - 1; i >= 0; i-- {
		e := s.data.UsageLog[i]
		if e.Month == month {
			copied := *e
			events = append(events, &copied)
		}
	}
	return events, nil
}

// sortTenants orders listings oldest first, id as tiebreaker.
func sortTenants(tenants []*tenant.Tenant) {
	sort.Slice(tenants, func(i, j int) bool {
		a, b := tenants[i], tenants[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
