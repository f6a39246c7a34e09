package ai

import (
	"context"
	"fmt"
	"log/slog"
)

// fallbackGenerator wraps two Generator implementations. It calls the primary
// first; if that fails before delivering any fragment it logs the failure and
// tries the secondary. Once fragments have reached the caller a switch would
// splice two different answers into one stream, so a mid-stream failure is
// returned as is.
type fallbackGenerator struct {
	primary   Generator
	secondary Generator
	logger    *slog.Logger
}

// NewFallbackGenerator returns a Generator that calls primary and, on an early
// failure, falls back to secondary. Either argument may be nil: if primary is
// nil it goes straight to secondary; if secondary is nil and primary fails,
// the primary error is returned.
func NewFallbackGenerator(primary, secondary Generator, logger *slog.Logger) Generator {
	return &fallbackGenerator{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

// Generate tries the primary Generator, then the secondary under the rules
// above.
func (f *fallbackGenerator) Generate(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	if f.primary == nil {
		if f.secondary == nil {
			return "", fmt.Errorf("ai: no generator configured")
		}
		return f.secondary.Generate(ctx, req, onChunk)
	}

	delivered := false
	track := func(chunk string) {
		delivered = true
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	text, err := f.primary.Generate(ctx, req, track)
	if err == nil {
		return text, nil
	}
	if delivered {
		return text, err
	}
	if ctx.Err() != nil {
		return "", err
	}

	f.logger.Warn("ai: primary generator failed, trying secondary",
		"error", err,
		"search", req.AllowSearch,
	)
	if f.secondary == nil {
		return "", fmt.Errorf("ai: primary failed and no secondary configured: %w", err)
	}

	return f.secondary.Generate(ctx, req, onChunk)
}
