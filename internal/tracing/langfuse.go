// Package tracing wires eino callbacks to Langfuse so every answer chain run
// is recorded as a trace. Tracing is off unless both Langfuse keys are set.
package tracing

import (
	"log/slog"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/codeqa-go/internal/config"
)

const defaultHost = "http://localhost:3000"

// Setup initialises the Langfuse callback handler if LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY are set. Returns a flush function that must be called
// before process exit to ensure all traces are sent. If Langfuse is not
// configured, both return values are nil and tracing is silently disabled.
func Setup() (callbacks.Handler, func(), bool) {
	publicKey := config.String("LANGFUSE_PUBLIC_KEY", "")
	secretKey := config.String("LANGFUSE_SECRET_KEY", "")
	if publicKey == "" || secretKey == "" {
		return nil, nil, false
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      config.String("LANGFUSE_HOST", defaultHost),
		PublicKey: publicKey,
		SecretKey: secretKey,
	})

	return handler, flusher, true
}

// SetupGlobal registers the Langfuse handler for every eino graph in the
// process and returns its flush function. The returned function is never
// nil, so callers can always defer it.
func SetupGlobal(log *slog.Logger) func() {
	handler, flush, ok := Setup()
	if !ok {
		log.Debug("tracing: langfuse disabled")
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	log.Info("tracing: langfuse enabled", slog.String("host", config.String("LANGFUSE_HOST", defaultHost)))
	return flush
}
