package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const deepseekBaseURL = "https://api.deepseek.com"

// deepseekClient is the Generator backed by the DeepSeek API.
// DeepSeek exposes an OpenAI-compatible /v1/chat/completions endpoint, so the
// request and stream chunk shapes are standard OpenAI chat format.
//
// DeepSeek has no hosted search tool. Requests with AllowSearch set are sent
// unchanged and the model answers from its own knowledge.
type deepseekClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// NewDeepSeekClient returns a Generator that streams from the DeepSeek API.
//   - apiKey: your DEEPSEEK_API_KEY
//   - model:  e.g. "deepseek-chat" or "deepseek-reasoner"
func NewDeepSeekClient(apiKey, model string, maxTokens int, opts ...Option) Generator {
	o := buildOptions(deepseekBaseURL, opts)
	return &deepseekClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
	}
}

// ─── OPENAI-COMPATIBLE API SHAPES ────────────────────────────────────────────

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ─── IMPLEMENTATION ───────────────────────────────────────────────────────────

// Generate streams one chat completion.
func (c *deepseekClient) Generate(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	reqBody := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens: c.maxTokens,
		Stream:    true,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions",
		bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("ai: build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
		var parsed struct {
			Error *openAIError `json:"error"`
		}
		if json.Unmarshal(respBytes, &parsed) == nil && parsed.Error != nil {
			return "", fmt.Errorf("ai: API error %s: %s (status %d)", parsed.Error.Type, parsed.Error.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("ai: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}

	out := newCollector(onChunk)
	err = readSSE(resp.Body, func(_, data string) error {
		if data == "[DONE]" {
			return errStopStream
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("ai: unmarshal stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("ai: API error %s: %s", chunk.Error.Type, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			out.add(choice.Delta.Content)
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
