package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// InferenceConfig configures the inference HTTP adapter.
type InferenceConfig struct {
	// BaseURL is the chat-completions endpoint base (e.g. an OpenRouter or
	// local Ollama-compatible server).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Resolved via keyring/vault/env before
	// the adapter is built.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// TimeoutSeconds bounds a single request. Exceeding it is a transient
	// failure for retry purposes.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// InferenceClient talks to an OpenAI-compatible chat-completions endpoint.
type InferenceClient struct {
	cfg    InferenceConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Inference = (*InferenceClient)(nil)

// NewInferenceClient builds the HTTP inference adapter.
func NewInferenceClient(cfg InferenceConfig, logger *slog.Logger) *InferenceClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &InferenceClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "inference"),
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate requests the next turn. Instructions become the system message.
// A malformed response body is retried once before surfacing as
// KindMalformed, per the backend contract.
func (c *InferenceClient) Generate(ctx context.Context, msgs []ChatMessage, instructions string, tools []ToolDefinition) (*Generation, error) {
	if c.cfg.BaseURL == "" {
		return nil, NewError("inference", KindPermanent, "base URL not configured", nil)
	}

	payload := chatRequest{
		Model:  c.cfg.Model,
		Stream: false,
	}
	if instructions != "" {
		payload.Messages = append(payload.Messages, ChatMessage{Role: "system", Content: instructions})
	}
	payload.Messages = append(payload.Messages, msgs...)
	payload.Tools = tools

	gen, err := c.generateOnce(ctx, payload)
	if err != nil && KindOf(err) == KindMalformed {
		c.logger.Warn("malformed inference response, retrying once", "error", err)
		gen, err = c.generateOnce(ctx, payload)
	}
	return gen, err
}

func (c *InferenceClient) generateOnce(ctx context.Context, payload chatRequest) (*Generation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError("inference", KindPermanent, "encode request", err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError("inference", KindPermanent, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil || KindOf(err) == KindTimeout {
			kind = KindTimeout
		}
		return nil, NewError("inference", kind, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewError("inference", KindTransient, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode, string(raw))
		return nil, NewError("inference", kind,
			fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewError("inference", KindMalformed, "decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewError("inference", KindMalformed, "response has no choices", nil)
	}

	choice := parsed.Choices[0].Message
	gen := &Generation{
		Text:  choice.Content,
		Model: parsed.Model,
	}
	for _, tc := range choice.ToolCalls {
		gen.Calls = append(gen.Calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("inference completed",
		"model", gen.Model,
		"tool_calls", len(gen.Calls),
		"duration", time.Since(start).String(),
	)
	return gen, nil
}

// truncate shortens a string for log/error output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
