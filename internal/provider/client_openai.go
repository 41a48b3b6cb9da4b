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

// openaiClient speaks the chat completions wire format. It serves OpenAI
// itself and every OpenAI-compatible endpoint (zai, openrouter, xai, local
// gateways) via base_url.
type openaiClient struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

func newOpenAIClient(cfg ClientConfig) *openaiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *openaiClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, TargetError(KindAuth, c.name, req.Model, "API key not configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	messages := make([]openaiMessage, 0, 2)
	system := req.System
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	messages = append(messages, openaiMessage{Role: "system", Content: system})
	messages = append(messages, openaiMessage{Role: "user", Content: req.Prompt})

	body := openaiRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	logging.ProviderDebug("[%s] invoke: model=%s prompt_len=%d", c.name, req.Model, len(req.Prompt))

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
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

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, TargetError(KindTransient, c.name, req.Model, "failed to parse response: %v", err)
	}
	if parsed.Error != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, TargetError(KindTransient, c.name, req.Model, "no completion returned")
	}

	latency := time.Since(start)
	logging.Provider("[%s] invoke completed in %v (in=%d out=%d)", c.name, latency, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)

	return &Response{
		Text:         strings.TrimSpace(parsed.Choices[0].Message.Content),
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		StopReason:   parsed.Choices[0].FinishReason,
		Latency:      latency,
	}, nil
}

// Validate does a minimal round-trip against the models endpoint.
func (c *openaiClient) Validate(ctx context.Context) error {
	if c.apiKey == "" {
		return TargetError(KindAuth, c.name, "", "API key not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return TargetError(KindConfig, c.name, "", "failed to create request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
