package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ─── CORS ─────────────────────────────────────────────────────────────────────

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsHeaders = "Content-Type, Authorization, X-Request-ID"
)

// corsMiddleware answers preflight requests for the dashboard. Outside
// production the caller's origin is reflected; in production only the
// configured origin is allowed, or any origin when none is configured.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.allowedOrigin(origin))
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if s.cfg.Env != "production" {
		return origin
	}
	if s.cfg.AllowedOrigin != "" {
		return s.cfg.AllowedOrigin
	}
	return "*"
}

// ─── ACCESS LOG ───────────────────────────────────────────────────────────────

// loggerMiddleware writes one access line per request. Stream responses are
// logged when the consumer detaches, so their duration is the time the
// client stayed attached.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				requestIDAttr(r),
			}
			if id := chi.URLParam(r, "id"); id != "" {
				attrs = append(attrs, "analysis_id", id)
			}
			msg := "http"
			if isStreamPath(r.URL.Path) {
				msg = "http stream closed"
			}
			s.logger.Info(msg, attrs...)
		}()

		next.ServeHTTP(ww, r)
	})
}

func isStreamPath(path string) bool {
	return strings.HasSuffix(path, "/stream") || strings.HasSuffix(path, "/ws")
}

func requestIDAttr(r *http.Request) slog.Attr {
	return slog.String("request_id", middleware.GetReqID(r.Context()))
}

// ─── RESPONSES ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

// respond writes body as JSON with the given status. A nil body writes
// headers only.
func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func respondErr(w http.ResponseWriter, status int, message string) {
	respond(w, status, errorBody{Error: message})
}

// respondInternalErr logs err with the request's correlation fields and
// sends a generic 500.
func (s *Server) respondInternalErr(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		requestIDAttr(r),
	)
	respondErr(w, http.StatusInternalServerError, "internal server error")
}

// ─── REQUEST BODIES ───────────────────────────────────────────────────────────

const maxBodyBytes = 1 << 20

// decode reads a required JSON body into dst. Unknown fields are rejected.
// On failure it has already written a 400 and the caller must return.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondBadBody(w, err)
		return false
	}
	return true
}

// decodeOptional is decode for DELETE, where clients may send no body at all
// and authenticate with a bearer token instead.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		respondBadBody(w, err)
		return false
	}
	return true
}

func respondBadBody(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondErr(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	respondErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
}
