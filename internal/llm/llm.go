// Package llm provides a thin completion client over the configured
// model provider. Classification and proposal generation both go through
// Generate; everything above this package works with plain strings and
// parses structured output itself.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tripweaver/tripweaver/backend/internal/config"
)

// Generator produces a completion for a system+user prompt pair. Agents
// depend on this interface so tests can stub the model.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Client calls the configured provider over HTTP.
type Client struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates an LLM client from config.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Generate sends the prompt to the configured provider and returns the
// raw completion text.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	switch c.cfg.Provider {
	case "anthropic":
		return c.callAnthropic(ctx, system, prompt)
	case "ollama":
		return c.callOpenAI(ctx, system, prompt, "http://localhost:11434/v1", false)
	default:
		// openai and any OpenAI-compatible endpoint
		return c.callOpenAI(ctx, system, prompt, "https://api.openai.com/v1", true)
	}
}

// ── OpenAI-compatible providers ─────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) callOpenAI(ctx context.Context, system, prompt, defaultEndpoint string, auth bool) (string, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if auth && c.cfg.APIKey == "" {
		return "", fmt.Errorf("%s: api key not configured", c.cfg.Provider)
	}

	msgs := []chatMessage{}
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, _ := json.Marshal(openAIRequest{Model: c.cfg.Model, Messages: msgs})

	url := strings.TrimRight(endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", c.cfg.Provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if auth {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", c.cfg.Provider, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("%s: status %d: %s", c.cfg.Provider, httpResp.StatusCode, string(respBody))
	}

	var resp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.cfg.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", c.cfg.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) callAnthropic(ctx context.Context, system, prompt string) (string, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("anthropic: api key not configured")
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:     c.cfg.Model,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
	})

	url := strings.TrimRight(endpoint, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}

	var sb strings.Builder
	for _, part := range resp.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return sb.String(), nil
}

// ExtractJSON pulls the first JSON object out of a completion that may
// be wrapped in markdown fences or surrounding prose.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
