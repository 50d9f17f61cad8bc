package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds a single /api/ask request, retrieval included
	// (default: 5m).
	AskTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.Discard] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// History, when set, backs GET /api/history.
	History store.HistoryStore
	// Repo is the indexed repository served; it keys history lookups.
	Repo string
	// Documents, when set, reports the number of indexed documents for the
	// codeqa_index_documents gauge.
	Documents func(ctx context.Context) (int, error)
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer serves GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// asker is the interface handleAsk calls to stream an answer.
// *answer.Service satisfies it; tests inject a fake.
type asker interface {
	StreamWithSources(ctx context.Context, question string, w io.Writer, onSources func([]rag.Document) error) ([]rag.Document, error)
}

// Server is the HTTP server that answers questions about one repository.
type Server struct {
	// asker retrieves and generates answers.
	asker asker
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// handler is the fully wrapped route tree.
	handler http.Handler
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// history backs GET /api/history; nil disables the route.
	history store.HistoryStore
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// Question is the user's natural language question about the code.
	Question string `json:"question"`
}

// sourceRef describes one retrieved snippet in the sources event.
type sourceRef struct {
	// Path is the file path relative to the repository root.
	Path string `json:"path"`
	// Type is the file extension including the dot.
	Type string `json:"type,omitempty"`
	// Score is the similarity to the question.
	Score float32 `json:"score"`
}

// historyEntry is one element of the GET /api/history response.
type historyEntry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Sources   []string  `json:"sources"`
	CreatedAt time.Time `json:"createdAt"`
}
