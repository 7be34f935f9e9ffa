// Package server exposes the assistant over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/time/rate"

	"github.com/book-expert/voice-assistant/internal/api"
	"github.com/book-expert/voice-assistant/internal/config"
	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/metrics"
	"github.com/book-expert/voice-assistant/internal/pipeline"
)

// Route names used in metrics labels.
const (
	routeChat    = "/chat"
	routeVoice   = "/voice"
	routeHistory = "/history"
	routeClear   = "/clear"
	routeHealth  = "/health"
)

const (
	formFieldAudio    = "audio"
	maxChatBodyBytes  = 1 << 20
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
	healthTimeout     = 10 * time.Second
)

// Client-facing error messages.
const (
	errMsgInvalidJSON    = "request body must be JSON with a message field"
	errMsgMissingAudio   = "No audio file provided"
	errMsgUploadTooLarge = "audio upload exceeds %d bytes"
	errMsgRateLimited    = "too many requests"
)

// Assistant is the conversational pipeline served over HTTP.
type Assistant interface {
	HandleText(ctx context.Context, message string) (pipeline.TextResult, error)
	HandleVoice(ctx context.Context, recording []byte, filename string) (pipeline.VoiceResult, error)
	History() []core.Turn
	ClearHistory()
}

// HealthChecker reports whether a downstream dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HTTPServer serves the chat, voice, history and operational endpoints.
type HTTPServer struct {
	server    *http.Server
	assistant Assistant
	health    HealthChecker
	log       *logger.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	maxUpload int64
}

// NewHTTPServer creates a server for assistant. health may be nil.
func NewHTTPServer(
	cfg config.ServerConfig,
	assistant Assistant,
	health HealthChecker,
	log *logger.Logger,
	m *metrics.Metrics,
) *HTTPServer {
	h := &HTTPServer{
		assistant: assistant,
		health:    health,
		log:       log,
		metrics:   m,
		maxUpload: cfg.MaxUploadBytes,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	h.server = &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           h.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	return h
}

// Handler returns the routed handler.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+routeChat, h.withMetrics(routeChat, h.withRateLimit(h.handleChat)))
	mux.HandleFunc("POST "+routeVoice, h.withMetrics(routeVoice, h.withRateLimit(h.handleVoice)))
	mux.HandleFunc("GET "+routeHistory, h.withMetrics(routeHistory, h.handleHistory))
	mux.HandleFunc("POST "+routeClear, h.withMetrics(routeClear, h.handleClear))
	mux.HandleFunc("GET "+routeHealth, h.withMetrics(routeHealth, h.handleHealth))
	mux.Handle("GET /metrics", h.metrics.Handler())

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (h *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		h.log.Info("HTTP server listening on %s", h.server.Addr)
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	h.log.Info("Stopping HTTP server...")

	err := h.server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	return nil
}

func (h *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errMsgInvalidJSON)

		return
	}

	result, err := h.assistant.HandleText(r.Context(), req.Message)
	if err != nil {
		h.writePipelineError(w, routeChat, err)

		return
	}

	h.writeJSON(w, http.StatusOK, api.NewChatResponse(result))
}

func (h *HTTPServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf(errMsgUploadTooLarge, h.maxUpload))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	file, header, err := r.FormFile(formFieldAudio)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf(errMsgUploadTooLarge, h.maxUpload))

			return
		}

		h.writeError(w, http.StatusBadRequest, errMsgMissingAudio)

		return
	}
	defer file.Close()

	recording, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	result, err := h.assistant.HandleVoice(r.Context(), recording, header.Filename)
	if err != nil {
		h.writePipelineError(w, routeVoice, err)

		return
	}

	h.writeJSON(w, http.StatusOK, api.NewVoiceResponse(result))
}

func (h *HTTPServer) handleHistory(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, api.NewHistoryResponse(h.assistant.History()))
}

func (h *HTTPServer) handleClear(w http.ResponseWriter, _ *http.Request) {
	h.assistant.ClearHistory()
	h.writeJSON(w, http.StatusOK, api.ClearResponse{Success: true})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		err := h.health.CheckHealth(ctx)
		if err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", Error: err.Error()})

			return
		}
	}

	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// withRateLimit rejects requests beyond the configured token bucket.
func (h *HTTPServer) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			h.writeError(w, http.StatusTooManyRequests, errMsgRateLimited)

			return
		}

		next(w, r)
	}
}

// withMetrics records the status code of every request on route.
func (h *HTTPServer) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.metrics.ObserveRequest(route, strconv.Itoa(ww.statusCode))
	}
}

func (h *HTTPServer) writePipelineError(w http.ResponseWriter, route string, err error) {
	status := http.StatusInternalServerError
	if core.IsUserError(err) {
		status = http.StatusBadRequest
	} else {
		h.log.Error("Request to %s failed: %v", route, err)
	}

	h.writeError(w, status, err.Error())
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		h.log.Warn("Failed to write response: %v", err)
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
