package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StubProvider is the deterministic floor of the system (spec §4.4: "the
// stub tier is a deterministic provider that always returns a valid-but-
// generic answer"). It always reports healthy.
type StubProvider struct{}

func NewStubProvider() *StubProvider { return &StubProvider{} }

func (StubProvider) Kind() Kind { return KindStub }

func (StubProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) GenerateResult {
	return GenerateResult{
		Text:         "# Unable to reach a capable model; returning a generic placeholder.\n" + genericBody(prompt),
		ProviderKind: KindStub,
	}
}

func (StubProvider) Health(ctx context.Context) bool { return true }

func genericBody(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return "pass"
	}
	return "pass  # could not generate a response for: " + truncate(prompt, 80)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// httpChatRequest/httpChatResponse mirror the OpenAI-compatible wire shape
// used throughout the pack (haricheung-agentic-shell/internal/llm/client.go).
type httpChatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPProvider calls an OpenAI-compatible completion endpoint, grounded in
// haricheung-agentic-shell's llm.Client and the teacher's
// ModelInferencePlugin (external HTTP inference call).
type HTTPProvider struct {
	kind       Kind
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider of the given kind calling baseURL with
// model and apiKey.
func NewHTTPProvider(kind Kind, baseURL, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		kind:       kind,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *HTTPProvider) Kind() Kind { return p.kind }

func (p *HTTPProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) GenerateResult {
	payload := httpChatRequest{
		Model:       p.model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: http request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: http %d: %s", resp.StatusCode, string(raw))}
	}

	var parsed httpChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: unmarshal response: %w", err)}
	}
	if parsed.Error != nil {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return GenerateResult{ProviderKind: p.kind, Err: fmt.Errorf("provider: no choices in response")}
	}

	return GenerateResult{Text: parsed.Choices[0].Message.Content, ProviderKind: p.kind}
}

func (p *HTTPProvider) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
