package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vetai/gateway/internal/provider"
)

type OpenRouterProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type orRequest struct {
	Model     string      `json:"model"`
	MaxTokens int         `json:"max_tokens,omitempty"`
	Messages  []orMessage `json:"messages"`
}

type orMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []orPart
}

type orPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *orImageURL `json:"image_url,omitempty"`
}

type orImageURL struct {
	URL string `json:"url"`
}

type orResponse struct {
	Error   *orError   `json:"error"`
	Choices []orChoice `json:"choices"`
	Usage   orUsage    `json:"usage"`
}

type orError struct {
	Message string `json:"message"`
}

type orChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type orUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// New builds an OpenRouter client. The timeout bounds the whole upstream
// round trip; when it fires the request fails as unreachable and nothing
// is billed.
func New(apiKey, baseURL string, timeout time.Duration) provider.Provider {
	return &OpenRouterProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	httpReq.Header.Set("HTTP-Referer", "https://vetai.app")
	httpReq.Header.Set("X-Title", "VetAI Assistant")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	// OpenRouter reports model errors inside the JSON envelope, sometimes
	// with a 200 status, so decode before checking the status code.
	var orResp orResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", provider.ErrUnreachable, err)
	}

	if orResp.Error != nil {
		msg := orResp.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &provider.EnvelopeError{Message: msg}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.EnvelopeError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if len(orResp.Choices) == 0 || orResp.Choices[0].Message.Content == "" {
		return nil, provider.ErrEmptyResponse
	}

	return &provider.Response{
		Text:         orResp.Choices[0].Message.Content,
		InputTokens:  orResp.Usage.PromptTokens,
		OutputTokens: orResp.Usage.CompletionTokens,
	}, nil
}

func (p *OpenRouterProvider) mapRequest(req *provider.Request) *orRequest {
	messages := []orMessage{
		{Role: "system", Content: req.System},
	}

	if req.UserParts != nil {
		parts := make([]orPart, 0, len(req.UserParts))
		for _, part := range req.UserParts {
			switch part.Type {
			case provider.PartImage:
				parts = append(parts, orPart{
					Type:     "image_url",
					ImageURL: &orImageURL{URL: "data:" + part.MediaType + ";base64," + part.Data},
				})
			default:
				parts = append(parts, orPart{Type: "text", Text: part.Text})
			}
		}
		messages = append(messages, orMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, orMessage{Role: "user", Content: req.UserText})
	}

	return &orRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  messages,
	}
}
