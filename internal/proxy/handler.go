package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vetai/gateway/internal/auth"
	"github.com/vetai/gateway/internal/catalog"
	"github.com/vetai/gateway/internal/gate"
	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/prompt"
	"github.com/vetai/gateway/internal/provider"
	"github.com/vetai/gateway/pkg/ratelimit"
)

const upstreamMaxTokens = 4000

// Handler drives a billable request through its stages: authorize model,
// check quota, call upstream, price the usage, commit it, respond with the
// fresh totals. No upstream call happens before both gate checks pass, and
// no ledger write happens before a usage-bearing upstream response.
type Handler struct {
	ledger   ledger.Store
	gate     *gate.Gate
	upstream provider.Provider
	breaker  *gobreaker.CircuitBreaker
	limiter  *ratelimit.Limiter // nil disables rate limiting
	tracer   trace.Tracer
}

func NewHandler(l ledger.Store, g *gate.Gate, upstream provider.Provider, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	settings := gobreaker.Settings{
		Name:        upstream.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Handler{
		ledger:   l,
		gate:     g,
		upstream: upstream,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		limiter:  limiter,
		tracer:   tracer,
	}
}

type generateRequest struct {
	Model             string          `json:"model"`
	PromptType        string          `json:"prompt_type"`
	UserContent       json.RawMessage `json:"user_content"`
	CustomInstruction string          `json:"custom_instruction"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tn := auth.GetTenant(ctx)
	if tn == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	userText, userParts, err := parseUserContent(req.UserContent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic_id", tn.ID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("model", req.Model),
		attribute.String("prompt_type", req.PromptType),
	)

	// Both entitlement checks run before anything billable.
	if err := h.gate.AuthorizeModel(tn, req.Model); err != nil {
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("your plan does not include the model %s, contact the administrator", req.Model))
		return
	}

	month := ledger.MonthKey(time.Now())
	if _, err := h.gate.CheckQuota(ctx, tn, month); err != nil {
		var qe *gate.QuotaError
		if errors.As(err, &qe) {
			writeQuotaExceeded(w, qe)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to check usage")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, tn.ID, upstreamMaxTokens)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	system := prompt.Lookup(req.PromptType)
	if req.CustomInstruction != "" {
		system += "\n\nAdditional instruction from the veterinarian: " + req.CustomInstruction
	}

	log.Printf("[%s] -> %s | prompt: %s", tn.Name, req.Model, req.PromptType)

	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.upstream.Generate(ctx, &provider.Request{
			Model:     req.Model,
			MaxTokens: upstreamMaxTokens,
			System:    system,
			UserText:  userText,
			UserParts: userParts,
		})
	})
	if err != nil {
		h.writeUpstreamError(w, tn.Name, err)
		return
	}
	resp := result.(*provider.Response)

	// From here the call is billable: the upstream charged us, so the
	// event must be recorded or the whole request fails.
	cost := catalog.Price(req.Model, resp.InputTokens, resp.OutputTokens)
	event := &ledger.Event{
		TenantID:     tn.ID,
		Month:        month,
		Timestamp:    time.Now().UTC(),
		Model:        req.Model,
		PromptType:   req.PromptType,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
	}
	if err := h.ledger.Append(ctx, event); err != nil {
		log.Printf("[%s] failed to record usage: %v", tn.Name, err)
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}

	// Read-after-write: the total we return includes the event we just
	// committed.
	newTotal, err := h.ledger.SumCost(ctx, tn.ID, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	log.Printf("[%s] %s | %d+%d tokens | $%.5f | month: $%.4f/$%g",
		tn.Name, req.Model, resp.InputTokens, resp.OutputTokens, cost, newTotal, tn.MonthlyLimitUSD)

	writeJSON(w, http.StatusOK, map[string]any{
		"text": resp.Text,
		"usage": map[string]any{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"cost_usd":          round5(cost),
			"month_total_usd":   round4(newTotal),
			"month_limit_usd":   tn.MonthlyLimitUSD,
		},
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tn := auth.GetTenant(ctx)
	if tn == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	month := ledger.MonthKey(time.Now())
	used, err := h.ledger.SumCost(ctx, tn.ID, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	var models []catalog.Model
	for _, id := range tn.AllowedModels {
		if m, ok := catalog.Lookup(id); ok {
			models = append(models, m)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clinic_name":         tn.Name,
		"plan":                tn.Plan,
		"monthly_limit_usd":   tn.MonthlyLimitUSD,
		"used_this_month_usd": round4(used),
		"remaining_usd":       round4(tn.MonthlyLimitUSD - used),
		"models":              models,
		"prompts_available":   prompt.Available(),
	})
}

// parseUserContent accepts either a plain string or a sequence of typed
// parts. Unknown part kinds are a validation error, never dropped.
func parseUserContent(raw json.RawMessage) (string, []provider.Part, error) {
	if len(raw) == 0 {
		return "", nil, errors.New("user_content is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var parts []provider.Part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, errors.New("user_content must be a string or an array of content parts")
	}
	if err := provider.ValidateParts(parts); err != nil {
		return "", nil, err
	}
	return "", parts, nil
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, tenantName string, err error) {
	log.Printf("[%s] upstream error: %v", tenantName, err)

	var envErr *provider.EnvelopeError
	switch {
	case errors.As(err, &envErr):
		writeError(w, http.StatusBadGateway, envErr.Error())
	case errors.Is(err, provider.ErrEmptyResponse):
		writeError(w, http.StatusBadGateway, "the model returned an empty response, please try again")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "AI service temporarily unavailable, please retry")
	default:
		// Network failures and timeouts: retryable, nothing was billed.
		writeError(w, http.StatusServiceUnavailable, "connection error with the AI service, please try again")
	}
}

func writeQuotaExceeded(w http.ResponseWriter, qe *gate.QuotaError) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":     fmt.Sprintf("you have reached your monthly limit of $%g, current usage $%.4f, contact the administrator to raise it", qe.LimitUSD, qe.UsedUSD),
		"limit_usd": qe.LimitUSD,
		"used_usd":  round4(qe.UsedUSD),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Rounding happens only when formatting responses; stored costs keep full
// precision so small events do not accumulate rounding error.
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round5(v float64) float64 { return math.Round(v*100000) / 100000 }
