package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vetai/gateway/internal/auth"
	"github.com/vetai/gateway/internal/gate"
	"github.com/vetai/gateway/internal/ledger"
	"github.com/vetai/gateway/internal/provider"
	"github.com/vetai/gateway/internal/store"
	"github.com/vetai/gateway/internal/tenant"
)

// Mock upstream provider
type mockProvider struct {
	calls int
	resp  *provider.Response
	err   error
}

func (m *mockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockProvider) Name() string { return "mock" }

// Ledger that fails every Append
type brokenLedger struct {
	ledger.Store
}

func (b *brokenLedger) Append(ctx context.Context, e *ledger.Event) error {
	return errors.New("disk unwritable")
}

func newTestLedger(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func setupHandler(l ledger.Store, upstream provider.Provider) *Handler {
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewHandler(l, gate.New(l), upstream, nil, tracer)
}

func demoTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:              "demo",
		Name:            "Demo Clinic",
		Plan:            "pro",
		MonthlyLimitUSD: 50,
		AllowedModels:   []string{"anthropic/claude-sonnet-4", "openai/gpt-4o"},
		Active:          true,
	}
}

func doGenerate(h *Handler, tn *tenant.Tenant, body map[string]any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/generate", bytes.NewReader(raw))
	if tn != nil {
		req = req.WithContext(auth.WithTenant(req.Context(), tn))
	}
	w := httptest.NewRecorder()
	h.HandleGenerate(w, req)
	return w
}

func TestHandleGenerate_Unauthorized(t *testing.T) {
	up := &mockProvider{}
	h := setupHandler(newTestLedger(t), up)

	w := doGenerate(h, nil, map[string]any{"model": "openai/gpt-4o", "user_content": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if up.calls != 0 {
		t.Errorf("upstream called %d times", up.calls)
	}
}

func TestHandleGenerate_ModelNotEntitled_NeverReachesUpstream(t *testing.T) {
	up := &mockProvider{resp: &provider.Response{Text: "x"}}
	h := setupHandler(newTestLedger(t), up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-opus-4",
		"prompt_type":  "clinical",
		"user_content": "cat with fever",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if up.calls != 0 {
		t.Errorf("denied request reached the upstream %d times", up.calls)
	}
}

func TestHandleGenerate_QuotaExceeded_NeverReachesUpstream(t *testing.T) {
	l := newTestLedger(t)
	month := ledger.MonthKey(time.Now())
	// 49.5 + 0.5 sum to exactly 50 in float64, right at the cap.
	if err := l.Append(context.Background(), &ledger.Event{
		TenantID: "demo", Month: month, Model: "anthropic/claude-sonnet-4", CostUSD: 49.5,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(context.Background(), &ledger.Event{
		TenantID: "demo", Month: month, CostUSD: 0.5,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	up := &mockProvider{resp: &provider.Response{Text: "x"}}
	h := setupHandler(l, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if up.calls != 0 {
		t.Errorf("quota-denied request reached the upstream %d times", up.calls)
	}

	var body struct {
		Error    string  `json:"error"`
		LimitUSD float64 `json:"limit_usd"`
		UsedUSD  float64 `json:"used_usd"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LimitUSD != 50 {
		t.Errorf("limit_usd = %v, want 50", body.LimitUSD)
	}
	if math.Abs(body.UsedUSD-50) > 1e-9 {
		t.Errorf("used_usd = %v, want 50", body.UsedUSD)
	}
}

func TestHandleGenerate_JustUnderCapIsAllowed(t *testing.T) {
	l := newTestLedger(t)
	month := ledger.MonthKey(time.Now())
	if err := l.Append(context.Background(), &ledger.Event{
		TenantID: "demo", Month: month, CostUSD: 49.999,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	up := &mockProvider{resp: &provider.Response{Text: "report", InputTokens: 10, OutputTokens: 5}}
	h := setupHandler(l, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (pre-flight check is strictly less-than)", w.Code)
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls)
	}
}

func TestHandleGenerate_EndToEndCostAccounting(t *testing.T) {
	l := newTestLedger(t)
	// $3/M input, $15/M output; 1000 in + 500 out = 0.003 + 0.0075
	up := &mockProvider{resp: &provider.Response{
		Text:         "Full clinical report.",
		InputTokens:  1000,
		OutputTokens: 500,
	}}
	h := setupHandler(l, up)
	tn := demoTenant()

	w := doGenerate(h, tn, map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"prompt_type":  "clinical",
		"user_content": "dog, 7y, limping",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Text  string `json:"text"`
		Usage struct {
			PromptTokens     int     `json:"prompt_tokens"`
			CompletionTokens int     `json:"completion_tokens"`
			CostUSD          float64 `json:"cost_usd"`
			MonthTotalUSD    float64 `json:"month_total_usd"`
			MonthLimitUSD    float64 `json:"month_limit_usd"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "Full clinical report." {
		t.Errorf("text = %q", body.Text)
	}
	if body.Usage.CostUSD != 0.0105 {
		t.Errorf("cost_usd = %v, want 0.0105", body.Usage.CostUSD)
	}
	if body.Usage.MonthTotalUSD != 0.0105 {
		t.Errorf("month_total_usd = %v, want 0.0105 (read-after-write)", body.Usage.MonthTotalUSD)
	}
	if body.Usage.MonthLimitUSD != 50 {
		t.Errorf("month_limit_usd = %v", body.Usage.MonthLimitUSD)
	}

	// The status query immediately after must see the committed event.
	req := httptest.NewRequest("GET", "/api/clinic/status", nil)
	req = req.WithContext(auth.WithTenant(req.Context(), tn))
	sw := httptest.NewRecorder()
	h.HandleStatus(sw, req)
	if sw.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", sw.Code)
	}
	var status struct {
		UsedThisMonthUSD float64 `json:"used_this_month_usd"`
		RemainingUSD     float64 `json:"remaining_usd"`
	}
	if err := json.NewDecoder(sw.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.UsedThisMonthUSD != 0.0105 {
		t.Errorf("used_this_month_usd = %v, want 0.0105", status.UsedThisMonthUSD)
	}
	if status.RemainingUSD != 49.9895 {
		t.Errorf("remaining_usd = %v, want 49.9895", status.RemainingUSD)
	}
}

func TestHandleGenerate_UpstreamErrorEnvelope(t *testing.T) {
	l := newTestLedger(t)
	up := &mockProvider{err: &provider.EnvelopeError{Message: "model overloaded"}}
	h := setupHandler(l, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	assertNothingRecorded(t, l)
}

func TestHandleGenerate_EmptyUpstreamResponse(t *testing.T) {
	l := newTestLedger(t)
	up := &mockProvider{err: provider.ErrEmptyResponse}
	h := setupHandler(l, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	assertNothingRecorded(t, l)
}

func TestHandleGenerate_UpstreamUnreachable_NoCharge(t *testing.T) {
	l := newTestLedger(t)
	up := &mockProvider{err: provider.ErrUnreachable}
	h := setupHandler(l, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	assertNothingRecorded(t, l)
}

func TestHandleGenerate_LedgerWriteFailureFailsRequest(t *testing.T) {
	l := newTestLedger(t)
	up := &mockProvider{resp: &provider.Response{Text: "report", InputTokens: 10, OutputTokens: 5}}
	h := setupHandler(&brokenLedger{Store: l}, up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model":        "anthropic/claude-sonnet-4",
		"user_content": "notes",
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 (never report success with an unrecorded cost)", w.Code)
	}
}

func TestHandleGenerate_UnrecognizedPartKind(t *testing.T) {
	up := &mockProvider{resp: &provider.Response{Text: "x"}}
	h := setupHandler(newTestLedger(t), up)

	w := doGenerate(h, demoTenant(), map[string]any{
		"model": "anthropic/claude-sonnet-4",
		"user_content": []map[string]any{
			{"type": "text", "text": "notes"},
			{"type": "video", "data": "Zm9v"},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if up.calls != 0 {
		t.Errorf("invalid request reached the upstream")
	}
}

func TestHandleGenerate_MissingModel(t *testing.T) {
	h := setupHandler(newTestLedger(t), &mockProvider{})
	w := doGenerate(h, demoTenant(), map[string]any{"user_content": "notes"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func assertNothingRecorded(t *testing.T, l ledger.Store) {
	t.Helper()
	total, err := l.SumCost(context.Background(), "demo", ledger.MonthKey(time.Now()))
	if err != nil {
		t.Fatalf("SumCost: %v", err)
	}
	if total != 0 {
		t.Errorf("ledger recorded $%v for a failed request", total)
	}
	events, _ := l.ListByTenant(context.Background(), "demo", ledger.MonthKey(time.Now()))
	if len(events) != 0 {
		t.Errorf("ledger has %d events for a failed request", len(events))
	}
}
