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

// geminiClient speaks the Gemini generateContent API directly.
type geminiClient struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

func newGeminiClient(cfg ClientConfig) *geminiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &geminiClient{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *geminiClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, TargetError(KindAuth, c.name, req.Model, "API key not configured")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     req.Temperature,
		},
	}
	system := req.System
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}

	start := time.Now()
	logging.ProviderDebug("[%s] invoke: model=%s prompt_len=%d", c.name, req.Model, len(req.Prompt))

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to marshal request: %v", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
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

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, TargetError(KindTransient, c.name, req.Model, "failed to parse response: %v", err)
	}
	if parsed.Error != nil {
		return nil, TargetError(KindProviderValidation, c.name, req.Model, "API error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, TargetError(KindTransient, c.name, req.Model, "no completion returned")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	latency := time.Since(start)
	logging.Provider("[%s] invoke completed in %v (in=%d out=%d)",
		c.name, latency, parsed.UsageMetadata.PromptTokenCount, parsed.UsageMetadata.CandidatesTokenCount)

	return &Response{
		Text:         strings.TrimSpace(text.String()),
		Model:        req.Model,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		StopReason:   parsed.Candidates[0].FinishReason,
		Latency:      latency,
	}, nil
}

// Validate does a minimal round-trip against the models list.
func (c *geminiClient) Validate(ctx context.Context) error {
	if c.apiKey == "" {
		return TargetError(KindAuth, c.name, "", "API key not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return TargetError(KindConfig, c.name, "", "failed to create request: %v", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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
