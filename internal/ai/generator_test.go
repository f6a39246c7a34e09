package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/ai"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

type stubGenerator struct {
	chunks []string
	err    error
	calls  int
}

func (s *stubGenerator) Generate(_ context.Context, _ ai.Request, onChunk ai.ChunkFunc) (string, error) {
	s.calls++
	var sb strings.Builder
	for _, c := range s.chunks {
		sb.WriteString(c)
		if onChunk != nil {
			onChunk(c)
		}
	}
	return sb.String(), s.err
}

// discardLogger returns a *slog.Logger that silently drops all log output.
// fallback.go calls f.logger.Warn(), which panics on a nil logger.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── FallbackGenerator ────────────────────────────────────────────────────────

func TestFallbackGenerator_PrimarySucceeds_SecondaryNotCalled(t *testing.T) {
	primary := &stubGenerator{chunks: []string{"pri", "mary"}}
	secondary := &stubGenerator{chunks: []string{"secondary"}}

	gen := ai.NewFallbackGenerator(primary, secondary, discardLogger())

	var got []string
	text, err := gen.Generate(context.Background(), ai.Request{User: "u"}, func(c string) { got = append(got, c) })
	require.NoError(t, err)
	assert.Equal(t, "primary", text)
	assert.Len(t, got, 2, "chunks forwarded")
	assert.Zero(t, secondary.calls, "secondary should not be called")
}

func TestFallbackGenerator_PrimaryFailsEarly_SecondaryUsed(t *testing.T) {
	primary := &stubGenerator{err: errors.New("anthropic overloaded")}
	secondary := &stubGenerator{chunks: []string{"fallback ", "answer"}}

	gen := ai.NewFallbackGenerator(primary, secondary, discardLogger())

	text, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFallbackGenerator_PrimaryFailsMidStream_NoSwitch(t *testing.T) {
	primary := &stubGenerator{chunks: []string{"partial"}, err: errors.New("connection reset")}
	secondary := &stubGenerator{chunks: []string{"other"}}

	gen := ai.NewFallbackGenerator(primary, secondary, discardLogger())

	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.Error(t, err, "expected the primary error")
	assert.Zero(t, secondary.calls, "secondary must not be called after fragments were delivered")
}

func TestFallbackGenerator_BothFail_ReturnsSecondaryError(t *testing.T) {
	primary := &stubGenerator{err: errors.New("primary down")}
	secondary := &stubGenerator{err: errors.New("secondary down")}

	gen := ai.NewFallbackGenerator(primary, secondary, discardLogger())

	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	assert.EqualError(t, err, "secondary down")
}

func TestFallbackGenerator_NilPrimary_GoesStraightToSecondary(t *testing.T) {
	secondary := &stubGenerator{chunks: []string{"ok"}}
	gen := ai.NewFallbackGenerator(nil, secondary, discardLogger())

	text, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestFallbackGenerator_NilSecondary_PrimaryFails_ReturnsWrappedError(t *testing.T) {
	primaryErr := errors.New("primary down")
	gen := ai.NewFallbackGenerator(&stubGenerator{err: primaryErr}, nil, discardLogger())

	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	assert.ErrorIs(t, err, primaryErr)
}

func TestFallbackGenerator_EmptyPrimaryIsSuccess(t *testing.T) {
	primary := &stubGenerator{}
	secondary := &stubGenerator{chunks: []string{"other"}}
	gen := ai.NewFallbackGenerator(primary, secondary, discardLogger())

	text, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Zero(t, secondary.calls, "an empty answer is not a failure")
}

// ─── Anthropic streaming ──────────────────────────────────────────────────────

func anthropicStream(texts ...string) string {
	var sb strings.Builder
	sb.WriteString("event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
	sb.WriteString(": keep-alive comment\n\n")
	for _, t := range texts {
		delta, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": t},
		})
		fmt.Fprintf(&sb, "event: content_block_delta\ndata: %s\n\n", delta)
	}
	sb.WriteString("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	return sb.String()
}

func TestAnthropicClient_StreamsTextDeltas(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, anthropicStream("Hello", ", ", "world"))
	}))
	defer srv.Close()

	gen := ai.NewAnthropicClient("test-key", "claude-test", 1024, ai.WithBaseURL(srv.URL))

	var chunks []string
	text, err := gen.Generate(context.Background(),
		ai.Request{System: "sys", User: "usr", AllowSearch: true},
		func(c string) { chunks = append(chunks, c) },
	)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, []string{"Hello", ", ", "world"}, chunks)
	assert.Equal(t, true, gotBody["stream"], "request must set stream=true")

	tools, _ := gotBody["tools"].([]any)
	require.Len(t, tools, 1, "expected web search tool when AllowSearch")
	tool, _ := tools[0].(map[string]any)
	assert.Equal(t, "web_search", tool["name"])
	assert.Equal(t, float64(5), tool["max_uses"])
}

func TestAnthropicClient_NoSearchTool(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, anthropicStream("x"))
	}))
	defer srv.Close()

	gen := ai.NewAnthropicClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "tools", "tools must be omitted when search is not allowed")
}

func TestAnthropicClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	gen := ai.NewAnthropicClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	assert.ErrorContains(t, err, "rate_limit_error")
}

func TestAnthropicClient_ErrorEventMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"part\"}}\n\n")
		io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	gen := ai.NewAnthropicClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	text, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.ErrorContains(t, err, "overloaded_error")
	assert.Equal(t, "part", text, "partial text")
}

func TestAnthropicClient_EmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, anthropicStream())
	}))
	defer srv.Close()

	gen := ai.NewAnthropicClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	var n int
	text, err := gen.Generate(context.Background(), ai.Request{AllowSearch: true}, func(string) { n++ })
	require.NoError(t, err, "an empty stream is a successful call")
	assert.Empty(t, text)
	assert.Zero(t, n)
}

func TestAnthropicClient_BoundedByContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"slow\"}}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	// Default client: only the caller's context ends a stalled stream.
	gen := ai.NewAnthropicClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := gen.Generate(ctx, ai.Request{}, nil)
	require.Error(t, err, "a stalled stream fails once the context ends")
	assert.Less(t, time.Since(start), 5*time.Second)
}

// ─── DeepSeek streaming ───────────────────────────────────────────────────────

func TestDeepSeekClient_StreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ds-key", r.Header.Get("Authorization"))
		for _, c := range []string{"{\"a\":", " 1}"} {
			b, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := ai.NewDeepSeekClient("ds-key", "deepseek-chat", 512, ai.WithBaseURL(srv.URL))

	var n int
	text, err := gen.Generate(context.Background(), ai.Request{System: "s", User: "u"}, func(string) { n++ })
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, text)
	assert.Equal(t, 2, n, "chunks")
}

func TestDeepSeekClient_EmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gen := ai.NewDeepSeekClient("k", "m", 64, ai.WithBaseURL(srv.URL))
	text, err := gen.Generate(context.Background(), ai.Request{}, nil)
	require.NoError(t, err, "an empty stream is a successful call")
	assert.Empty(t, text)
}

func TestDeepSeekClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"authentication_error"}}`)
	}))
	defer srv.Close()

	gen := ai.NewDeepSeekClient("bad", "m", 64, ai.WithBaseURL(srv.URL))
	_, err := gen.Generate(context.Background(), ai.Request{}, nil)
	assert.ErrorContains(t, err, "bad key")
}
