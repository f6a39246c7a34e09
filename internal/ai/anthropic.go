package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const anthropicBaseURL = "https://api.anthropic.com"

// anthropicClient is the Generator backed by the Anthropic Messages API with
// streaming enabled.
type anthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicClient returns a Generator that streams from the Anthropic API.
//   - apiKey:    your ANTHROPIC_API_KEY
//   - model:     e.g. "claude-sonnet-4-5"
//   - maxTokens: upper bound on generated tokens per call
func NewAnthropicClient(apiKey, model string, maxTokens int, opts ...Option) Generator {
	o := buildOptions(anthropicBaseURL, opts)
	return &anthropicClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
	}
}

// ─── ANTHROPIC API SHAPES ─────────────────────────────────────────────────────

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicTool is the server-side web search tool. The API runs the searches
// itself and streams the model's text around the results.
type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

var webSearchTool = anthropicTool{
	Type:    "web_search_20250305",
	Name:    "web_search",
	MaxUses: 5,
}

// anthropicEvent covers the stream events we read. Everything else
// (message_start, content_block_start/stop, ping) is ignored.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ─── IMPLEMENTATION ───────────────────────────────────────────────────────────

// Generate streams one Messages call. Text deltas are forwarded in order;
// search tool traffic is not surfaced as text.
func (c *anthropicClient) Generate(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	reqBody := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    req.System,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.User},
		},
		Stream: true,
	}
	if req.AllowSearch {
		reqBody.Tools = []anthropicTool{webSearchTool}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages",
		bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("ai: build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", anthropicStatusError(resp)
	}

	out := newCollector(onChunk)
	err = readSSE(resp.Body, func(_, data string) error {
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("ai: unmarshal stream event: %w", err)
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				out.add(ev.Delta.Text)
			}
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("ai: API error %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return fmt.Errorf("ai: API error in stream")
		case "message_stop":
			return errStopStream
		}
		return nil
	})
	if err != nil {
		return out.text(), err
	}

	// An empty stream is a successful call. The stage completes with nothing
	// to extract.
	return out.text(), nil
}

func anthropicStatusError(resp *http.Response) error {
	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap

	var parsed struct {
		Error *anthropicError `json:"error"`
	}
	if json.Unmarshal(respBytes, &parsed) == nil && parsed.Error != nil {
		return fmt.Errorf("ai: API error %s: %s (status %d)", parsed.Error.Type, parsed.Error.Message, resp.StatusCode)
	}
	return fmt.Errorf("ai: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
}
