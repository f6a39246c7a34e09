// Package ai defines the text-generation contract used by the pipeline and
// provides streaming implementations backed by Anthropic, DeepSeek and Gemini.
package ai

import (
	"context"
	"strings"
)

// Request is one generation call: a system instruction, a user instruction,
// and whether the model may use its provider's web-search tool.
type Request struct {
	System      string
	User        string
	AllowSearch bool
}

// ChunkFunc receives text fragments in the order the provider produced them.
// It is called from the goroutine that called Generate.
type ChunkFunc func(chunk string)

// Generator is the interface the pipeline uses to produce stage output.
// Tests inject a stub that replays canned fragments.
type Generator interface {
	// Generate streams fragments to onChunk and returns the full text, which is
	// always the concatenation of every fragment delivered. onChunk may be nil.
	//
	// Implementations must be safe to call concurrently. A non-nil error means
	// the call failed; fragments already delivered are not retracted.
	Generate(ctx context.Context, req Request, onChunk ChunkFunc) (string, error)
}

// collector accumulates fragments and forwards them.
type collector struct {
	sb      strings.Builder
	onChunk ChunkFunc
}

func newCollector(onChunk ChunkFunc) *collector {
	return &collector{onChunk: onChunk}
}

func (c *collector) add(chunk string) {
	if chunk == "" {
		return
	}
	c.sb.WriteString(chunk)
	if c.onChunk != nil {
		c.onChunk(chunk)
	}
}

func (c *collector) text() string { return c.sb.String() }
