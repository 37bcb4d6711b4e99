// Package chat is a minimal client for OpenAI-compatible chat completion APIs.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultTimeout      = 60 * time.Second

	// maxErrorBody caps how much of a non-200 reply is kept in the error.
	maxErrorBody = 2048
)

// ErrEmptyReply is returned when the provider answers without a choice.
var ErrEmptyReply = errors.New("chat: empty reply")

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client calls POST {base}/chat/completions.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	client       *http.Client
	logger       *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       cfg.Logger,
	}
}

func (c *Client) Model() string { return c.model }

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends the system prompt and one user turn and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body := completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("chat %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}

	c.logger.Debug("chat completion",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
	)
	return out.Choices[0].Message.Content, nil
}
