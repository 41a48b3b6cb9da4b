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

	"agentcrew/internal/logging"
)

// anthropicClient speaks the Anthropic Messages API directly.
type anthropicClient struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

func newAnthropicClient(cfg ClientConfig) *anthropicClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &anthropicClient{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends one completion request. A single wire call; retries live in
// the router, not here.
func (c *anthropicClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, TargetError(KindAuth, c.name, req.Model, "API key not configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	system := req.System
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}

	start := time.Now()
	logging.ProviderDebug("[%s] invoke: model=%s system_len=%d prompt_len=%d", c.name, req.Model, len(system), len(req.Prompt))

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(c.name, req.Model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport(c.name, req.Model, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP(c.name, req.Model, resp.StatusCode, resp.Header, string(respBody))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, TargetError(KindTransient, c.name, req.Model, "failed to parse response: %v", err)
	}
	if parsed.Error != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "API error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return nil, TargetError(KindTransient, c.name, req.Model, "no completion returned")
	}

	var text strings.Builder
	for _, content := range parsed.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}

	latency := time.Since(start)
	logging.Provider("[%s] invoke completed in %v (in=%d out=%d)", c.name, latency, parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	return &Response{
		Text:         strings.TrimSpace(text.String()),
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		StopReason:   parsed.StopReason,
		Latency:      latency,
	}, nil
}

// Validate does a minimal round-trip against the models endpoint.
func (c *anthropicClient) Validate(ctx context.Context) error {
	if c.apiKey == "" {
		return TargetError(KindAuth, c.name, "", "API key not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return TargetError(KindConfig, c.name, "", "failed to create request: %v", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ClassifyTransport(c.name, "", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ClassifyHTTP(c.name, "", resp.StatusCode, resp.Header, "credential rejected")
	}
	return nil
}
