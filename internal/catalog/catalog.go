package catalog

// Model describes one upstream model the gateway can meter. Rates are USD
// per million tokens. The catalog is static configuration and read-only at
// runtime.
type Model struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	InputPerM  float64 `json:"input_per_m"`
	OutputPerM float64 `json:"output_per_m"`
	Tier       string  `json:"tier"` // "basic", "pro" or "premium"
	Desc       string  `json:"desc"`
}

var models = []Model{
	{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", InputPerM: 3, OutputPerM: 15, Tier: "basic", Desc: "Fast and economical"},
	{ID: "anthropic/claude-sonnet-4.5", Name: "Claude Sonnet 4.5", InputPerM: 3, OutputPerM: 15, Tier: "pro", Desc: "Smart and fast"},
	{ID: "anthropic/claude-opus-4", Name: "Claude Opus 4", InputPerM: 15, OutputPerM: 75, Tier: "premium", Desc: "Highest quality for complex cases"},
	{ID: "openai/gpt-4o", Name: "GPT-4o", InputPerM: 2.5, OutputPerM: 10, Tier: "pro", Desc: "Fast OpenAI alternative"},
	{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", InputPerM: 0.15, OutputPerM: 0.6, Tier: "basic", Desc: "Ultra-cheap option from Google"},
}

// planTiers maps a subscription plan to the model tiers it may use. It is
// consulted only when deriving a default allow-list for a new tenant; the
// tenant's explicit allow-list is the authority at request time.
var planTiers = map[string][]string{
	"basic":   {"basic"},
	"pro":     {"basic", "pro"},
	"premium": {"basic", "pro", "premium"},
}

// All returns every model descriptor.
func All() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// Lookup returns the descriptor for id, or false if the model is unknown.
func Lookup(id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Price computes the USD cost of a completed call. Unknown models price as
// zero: a missing rate must never fail a response, and recording the event
// at zero cost keeps the volume observable. No rounding happens here;
// rounding is a display concern.
func Price(modelID string, inputTokens, outputTokens int) float64 {
	m, ok := Lookup(modelID)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*m.InputPerM + float64(outputTokens)/1_000_000*m.OutputPerM
}

// ModelsForPlan derives the default allow-list for a plan from the tier
// table. Unknown plans fall back to pro.
func ModelsForPlan(plan string) []string {
	tiers, ok := planTiers[plan]
	if !ok {
		tiers = planTiers["pro"]
	}
	var ids []string
	for _, m := range models {
		for _, t := range tiers {
			if m.Tier == t {
				ids = append(ids, m.ID)
				break
			}
		}
	}
	return ids
}
