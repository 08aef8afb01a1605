package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Completer is the boundary to the external text-completion service. It is a
// black box to the orchestrator: one call, no retries, failures propagate.
type Completer interface {
	Complete(ctx context.Context, systemInstruction, userMessage string) (string, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// CompletionClient talks to an OpenAI-compatible chat-completions endpoint.
type CompletionClient struct {
	httpClient *resty.Client
	model      string
	maxTokens  int
}

// NewCompletionClient creates a Resty-backed client.
func NewCompletionClient(baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *CompletionClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &CompletionClient{
		httpClient: client,
		model:      model,
		maxTokens:  maxTokens,
	}
}

// Complete sends a two-message exchange and returns the assistant reply text.
func (c *CompletionClient) Complete(ctx context.Context, systemInstruction, userMessage string) (string, error) {
	body := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: userMessage},
		},
		MaxTokens: c.maxTokens,
	}

	var completion chatCompletionResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&completion).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("completion api error: %d %s", resp.StatusCode(), resp.String())
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion api returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
