// Package llmgateway is an HTTP client for the OpenAI-chat-compatible model
// gateway (spec §4.3/§6). Shaped after pkg/runbook/github.go's plain
// net/http client with explicit timeouts and bearer auth — this system's
// model gateway is a single synchronous RPC, not the teacher's streaming
// gRPC sidecar (pkg/llm/client.go), so that shape is dropped (see
// DESIGN.md) in favor of the simpler HTTP idiom the same teacher package
// already demonstrates.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Temperature and MaxTokens are fixed by spec §4.3.
const (
	Temperature = 0.2
	MaxTokens   = 1024
)

// Message is one entry of the two-message [system, user] conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for cost accounting (spec §6).
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Per-million-token pricing (spec §6).
const (
	InputCostPerMillion  = 0.075
	OutputCostPerMillion = 0.2
)

// Cost returns the dollar cost of this usage.
func (u Usage) Cost() float64 {
	return float64(u.PromptTokens)/1_000_000*InputCostPerMillion +
		float64(u.CompletionTokens)/1_000_000*OutputCostPerMillion
}

// LLMError represents a non-2xx or malformed response from the gateway
// (spec §7).
type LLMError struct {
	StatusCode int
	Body       string
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("model gateway returned HTTP %d: %s", e.StatusCode, e.Body)
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponseChoice struct {
	Message Message `json:"message"`
}

type chatResponse struct {
	Choices []chatResponseChoice `json:"choices"`
	Usage   Usage                `json:"usage"`
}

// Client calls the model gateway's chat-completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates a model gateway client. baseURL should not include the
// trailing "/chat/completions" path (it is appended here).
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

// Complete sends a two-message [system, user] chat-completion request and
// returns the raw JSON-object content string plus usage (spec §4.3/§6).
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (content string, usage Usage, err error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    Temperature,
		MaxTokens:      MaxTokens,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", Usage{}, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("call model gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return "", Usage{}, fmt.Errorf("read model gateway response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Usage{}, &LLMError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", Usage{}, &LLMError{StatusCode: resp.StatusCode, Body: "unparseable response body"}
	}

	if len(cr.Choices) == 0 {
		return "", Usage{}, &LLMError{StatusCode: resp.StatusCode, Body: "empty choices"}
	}

	return cr.Choices[0].Message.Content, cr.Usage, nil
}
