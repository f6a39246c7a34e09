package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
	"github.com/nyashahama/early-warning-analyst-backend/internal/stream"
	"github.com/nyashahama/early-warning-analyst-backend/internal/worker"
)

// ─── SSE ──────────────────────────────────────────────────────────────────────

// sseWriter writes events as `data: <json>\n\n` frames. Headers go out with
// the first event, so a stream that is never found can still get a JSON 404.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{
		w:    w,
		rc:   http.NewResponseController(w),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// start sends the stream headers. Caller holds mu.
func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	// Long-lived: lift the server's write deadline for this response.
	_ = s.rc.SetWriteDeadline(time.Time{})
}

func (s *sseWriter) send(e pipeline.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("api: marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}

// keepAlive writes a comment frame every interval once the stream has
// started, until close is called.
func (s *sseWriter) keepAlive(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.started {
				if _, err := s.w.Write([]byte(":keepalive\n\n")); err == nil {
					_ = s.rc.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

// close stops keepAlive and waits for it, so nothing writes after the
// handler returns.
func (s *sseWriter) close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *sseWriter) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// serveSSE runs attach with an SSE writer and maps its error to a response.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, key string, attach func(context.Context, func(pipeline.Event) error) error) {
	sw := newSSEWriter(w)
	go sw.keepAlive(s.cfg.KeepAlive)

	err := attach(r.Context(), sw.send)
	sw.close()

	if err == nil {
		s.logger.Debug("api: stream ended", "key", key, "request_id", middleware.GetReqID(r.Context()))
		return
	}
	if sw.isStarted() {
		// Headers are out; the consumer went away or a write failed.
		s.logger.Info("api: stream detached", "key", key, "error", err)
		return
	}

	switch {
	case errors.Is(err, worker.ErrRunNotFound):
		respondErr(w, http.StatusNotFound, "analysis not found")
	case errors.Is(err, worker.ErrStreamNotFound):
		respondErr(w, http.StatusNotFound, "stream not found")
	case errors.Is(err, stream.ErrBusy):
		respondErr(w, http.StatusConflict, "stream already has a consumer")
	case errors.Is(err, context.Canceled):
	default:
		s.respondInternalErr(w, r, err)
	}
}

// ─── GET /api/analyze/:id/stream ──────────────────────────────────────────────

// handleStreamAnalysis streams a run's events over SSE. A finished run whose
// channel is gone is replayed from the store.
func (s *Server) handleStreamAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.serveSSE(w, r, id, func(ctx context.Context, fn func(pipeline.Event) error) error {
		return s.runs.Attach(ctx, id, fn)
	})
}

// ─── GET /api/analyze/:id/what-if/:streamKey/stream ───────────────────────────

func (s *Server) handleStreamWhatIf(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "streamKey")
	s.serveSSE(w, r, key, func(ctx context.Context, fn func(pipeline.Event) error) error {
		return s.runs.AttachWhatIf(ctx, id, key, fn)
	})
}

// ─── GET /api/analyze/:id/ws ──────────────────────────────────────────────────

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	// Application close codes for streams that cannot be attached.
	wsCloseNotFound = 4404
	wsCloseBusy     = 4409
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleStreamAnalysisWS delivers the same events as the SSE endpoint, one
// JSON text message per event. The connection closes after the terminal
// event. Unknown or busy streams close with codes 4404 and 4409.
func (s *Server) handleStreamAnalysisWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := s.logger.With("run_id", id, "request_id", middleware.GetReqID(r.Context()))

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Inbound messages are ignored; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	// WriteControl may run concurrently with the event writer.
	go func() {
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = s.runs.Attach(ctx, id, func(e pipeline.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(e)
	})

	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrRunNotFound):
		code, reason = wsCloseNotFound, "analysis not found"
	case errors.Is(err, stream.ErrBusy):
		code, reason = wsCloseBusy, "stream already has a consumer"
	case ctx.Err() != nil:
		log.Info("api: websocket detached", "error", err)
		return
	default:
		log.Warn("api: websocket stream failed", "error", err)
		code, reason = websocket.CloseInternalServerErr, "internal error"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
