// Package server implements the HTTP server that answers questions about an
// indexed repository via a JSON/SSE API. The server is started by the
// `codeqa serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/codeqa-go/internal/answer"
	"github.com/54b3r/codeqa-go/internal/logging"
	"github.com/54b3r/codeqa-go/internal/rag"
)

// maxQuestionBytes caps the POST /api/ask body.
const maxQuestionBytes = 64 << 10

// defaultHistoryLimit is the number of exchanges GET /api/history returns
// when no limit is given.
const defaultHistoryLimit = 20

// New constructs a Server from the provided answer service and config.
func New(svc *answer.Service, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("server: answer service must not be nil")
	}
	return newServer(svc, cfg), nil
}

// newServer applies defaults and builds the route tree around a.
func newServer(a asker, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 5 * time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &Server{
		asker:   a,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		history: cfg.History,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}
	if cfg.Documents != nil {
		registerDocumentsGauge(cfg.MetricsRegistry, cfg.Documents, log)
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics.rateLimitedTotal)
	s.stopRL = stop

	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ask", protect(s.handleAsk))
	mux.Handle("GET /api/history", authMiddleware(cfg.APIKey, http.HandlerFunc(s.handleHistory)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.handler = requestLogger(log, s.metrics.instrument(mux))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	if cfg.APIKey == "" {
		log.Warn("server: CODEQA_API_KEY not set, /api routes are unauthenticated")
	}
	return s
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleAsk handles POST /api/ask requests. It streams the answer using
// Server-Sent Events: one "sources" event, then data frames as the model
// writes, then "done" (or "error").
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AskTimeout)
	defer cancel()

	s.metrics.askActiveStreams.Inc()
	defer s.metrics.askActiveStreams.Dec()
	start := time.Now()

	sw := &sseWriter{w: w, flusher: flusher}
	onSources := func(docs []rag.Document) error {
		s.metrics.askSources.Observe(float64(len(docs)))
		return sw.event("sources", sourceRefs(docs))
	}

	_, err := s.asker.StreamWithSources(ctx, req.Question, sw, onSources)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		log.Error("ask failed", slog.String("outcome", outcome), slog.Any("error", err))
		_ = sw.event("error", err.Error())
	} else {
		// Signal stream completion.
		_, _ = fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
		flusher.Flush()
	}

	s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// handleHistory handles GET /api/history?limit=N, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	if s.history == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	exchanges, err := s.history.Recent(r.Context(), s.cfg.Repo, limit)
	if err != nil {
		log.Error("history lookup failed", slog.Any("error", err))
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
		return
	}

	out := make([]historyEntry, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, historyEntry{
			Question:  ex.Question,
			Answer:    ex.Answer,
			Sources:   ex.Sources,
			CreatedAt: ex.CreatedAt.UTC(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Error("history encode error", slog.Any("error", err))
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sourceRefs projects retrieved documents to their wire form.
func sourceRefs(docs []rag.Document) []sourceRef {
	refs := make([]sourceRef, 0, len(docs))
	for _, d := range docs {
		path := d.Metadata[rag.MetaFilePath]
		if path == "" {
			path = d.Source
		}
		refs = append(refs, sourceRef{Path: path, Type: d.Metadata[rag.MetaFileType], Score: d.Score})
	}
	return refs
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write sends p as one SSE message event and flushes it to the client. Every
// line of p, including empty ones, becomes its own "data: " line, so a client
// that joins the data lines with "\n" (as EventSource does) recovers p
// exactly, trailing newlines included. An empty p sends nothing.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	var buf strings.Builder
	for _, line := range strings.Split(string(p), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = io.WriteString(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// event writes a named SSE event. Non-string payloads are JSON-encoded.
func (s *sseWriter) event(name string, payload any) error {
	data, ok := payload.(string)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("server: encode %s event: %w", name, err)
		}
		data = string(b)
	}
	data = strings.ReplaceAll(data, "\n", " ")
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
