package ai

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiClient is the Generator backed by the Gemini API through the official
// genai SDK. Search-enabled requests attach the Google Search grounding tool.
type geminiClient struct {
	cli       *genai.Client
	model     string
	maxTokens int32
}

// NewGeminiClient returns a Generator that streams from Gemini.
//   - apiKey: your GEMINI_API_KEY
//   - model:  e.g. "gemini-2.5-flash"
func NewGeminiClient(ctx context.Context, apiKey, model string, maxTokens int) (Generator, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: create gemini client: %w", err)
	}
	return &geminiClient{cli: cli, model: model, maxTokens: int32(maxTokens)}, nil
}

// Generate streams one GenerateContent call. Thought parts are skipped so
// only answer text reaches the caller.
func (c *geminiClient) Generate(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.System}}},
		MaxOutputTokens:   c.maxTokens,
	}
	if req.AllowSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.User}}}}

	out := newCollector(onChunk)
	for resp, err := range c.cli.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
		if err != nil {
			return out.text(), fmt.Errorf("ai: gemini stream: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			out.add(part.Text)
		}
	}

	// An empty stream is a successful call. The stage completes with nothing
	// to extract.
	return out.text(), nil
}
