package admin

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/vetai/gateway/internal/auth"
	"github.com/vetai/gateway/internal/catalog"
	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/tenant"
)

// Handler implements the administrative surface: tenant lifecycle,
// credential rotation and usage reporting. All routes sit behind the admin
// secret middleware.
type Handler struct {
	tenants  tenant.Store
	ledger   ledger.Store
	cache    *redis.Client // may be nil
	validate *validator.Validate
}

func NewHandler(tenants tenant.Store, l ledger.Store, cache *redis.Client) *Handler {
	return &Handler{
		tenants:  tenants,
		ledger:   l,
		cache:    cache,
		validate: validator.New(),
	}
}

type createClinicRequest struct {
	Name            string   `json:"name" validate:"required"`
	Contact         string   `json:"contact"`
	Plan            string   `json:"plan" validate:"omitempty,oneof=basic pro premium"`
	MonthlyLimitUSD *float64 `json:"monthly_limit_usd" validate:"omitempty,gte=0"`
	ModelsAllowed   []string `json:"models_allowed"`
}

type updateClinicRequest struct {
	Name            *string   `json:"name"`
	Contact         *string   `json:"contact"`
	Plan            *string   `json:"plan" validate:"omitempty,oneof=basic pro premium"`
	MonthlyLimitUSD *float64  `json:"monthly_limit_usd" validate:"omitempty,gte=0"`
	ModelsAllowed   *[]string `json:"models_allowed"`
	Active          *bool     `json:"active"`
}

func (h *Handler) HandleCreateClinic(w http.ResponseWriter, r *http.Request) {
	var req createClinicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "clinic name is required")
		return
	}

	id := tenant.DeriveID(req.Name)
	if id == "" {
		writeError(w, http.StatusBadRequest, "clinic name must contain letters or digits")
		return
	}

	plan := req.Plan
	if plan == "" {
		plan = "pro"
	}
	limit := 50.0
	if req.MonthlyLimitUSD != nil {
		limit = *req.MonthlyLimitUSD
	}
	models := req.ModelsAllowed
	if models == nil {
		models = catalog.ModelsForPlan(plan)
	}

	t := &tenant.Tenant{
		ID:              id,
		Name:            req.Name,
		Contact:         req.Contact,
		Credential:      tenant.NewCredential(),
		Plan:            plan,
		MonthlyLimitUSD: limit,
		AllowedModels:   models,
		Active:          true,
	}
	if err := h.tenants.Create(r.Context(), t); err != nil {
		if errors.Is(err, tenant.ErrDuplicateID) {
			writeError(w, http.StatusConflict, "a clinic with this name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create clinic")
		return
	}

	log.Printf("new clinic: %s (%s)", t.Name, t.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "clinic created",
		"clinic":    t,
		"token":     t.Credential,
		"important": "store this token and hand it to the clinic, it is their password for the app",
	})
}

func (h *Handler) HandleUpdateClinic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateClinicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic fields")
		return
	}

	// The cached directory entry is keyed by credential; look it up first
	// so the stale copy can be dropped after the edit.
	current, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	updated, err := h.tenants.Update(r.Context(), id, tenant.UpdateSpec{
		Name:            req.Name,
		Contact:         req.Contact,
		Plan:            req.Plan,
		MonthlyLimitUSD: req.MonthlyLimitUSD,
		AllowedModels:   req.ModelsAllowed,
		Active:          req.Active,
	})
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	auth.InvalidateCredential(r.Context(), h.cache, current.Credential)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "clinic updated",
		"clinic":  masked(updated),
	})
}

func (h *Handler) HandleRotateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	current, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	rotated, err := h.tenants.RotateCredential(r.Context(), id, tenant.NewCredential())
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	// The old credential must stop authenticating now, not at TTL expiry.
	auth.InvalidateCredential(r.Context(), h.cache, current.Credential)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "new token generated",
		"token":   rotated.Credential,
	})
}

func (h *Handler) HandleListClinics(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list clinics")
		return
	}

	month := ledger.MonthKey(time.Now())
	out := make([]map[string]any, 0, len(tenants))
	for _, t := range tenants {
		used, err := h.ledger.SumCost(r.Context(), t.ID, month)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read usage")
			return
		}
		entry := masked(t)
		entry["usage_this_month"] = round4(used)
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"clinics": out})
}

func (h *Handler) HandleClinicUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		month = ledger.MonthKey(time.Now())
	}

	events, err := h.ledger.ListByTenant(r.Context(), id, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	var total float64
	for _, e := range events {
		total += e.CostUSD
	}

	recent := events
	if len(recent) > 20 {
		recent = recent[:20]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clinic":         t.Name,
		"month":          month,
		"total_requests": len(events),
		"total_cost_usd": round4(total),
		"limit_usd":      t.MonthlyLimitUSD,
		"by_model":       ledger.Summarize(events),
		"recent":         recent,
	})
}

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	month := ledger.MonthKey(time.Now())

	monthEvents, err := h.ledger.ListByMonth(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	var totalCost float64
	for _, e := range monthEvents {
		totalCost += e.CostUSD
	}

	tenants, err := h.tenants.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list clinics")
		return
	}

	activeCount := 0
	summaries := make([]map[string]any, 0, len(tenants))
	for _, t := range tenants {
		if t.Active {
			activeCount++
		}
		used, err := h.ledger.SumCost(r.Context(), t.ID, month)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read usage")
			return
		}
		percent := 0.0
		if t.MonthlyLimitUSD > 0 {
			percent = math.Round(used / t.MonthlyLimitUSD * 100)
		}
		summaries = append(summaries, map[string]any{
			"id":      t.ID,
			"name":    t.Name,
			"plan":    t.Plan,
			"active":  t.Active,
			"limit":   t.MonthlyLimitUSD,
			"used":    round4(used),
			"percent": percent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"month":                     month,
		"total_clinics":             len(tenants),
		"active_clinics":            activeCount,
		"total_requests_this_month": len(monthEvents),
		"total_cost_this_month":     round4(totalCost),
		"clinics":                   summaries,
		"available_models":          catalog.All(),
	})
}

// masked renders a tenant for admin output with the credential shortened.
func masked(t *tenant.Tenant) map[string]any {
	return map[string]any{
		"id":                t.ID,
		"name":              t.Name,
		"contact":           t.Contact,
		"token":             tenant.MaskCredential(t.Credential),
		"plan":              t.Plan,
		"monthly_limit_usd": t.MonthlyLimitUSD,
		"models_allowed":    t.AllowedModels,
		"active":            t.Active,
		"created":           t.CreatedAt,
	}
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, tenant.ErrNotFound) {
		writeError(w, http.StatusNotFound, "clinic not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
