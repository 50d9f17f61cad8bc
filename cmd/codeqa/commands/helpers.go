package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/54b3r/codeqa-go/internal/answer"
	"github.com/54b3r/codeqa-go/internal/config"
	"github.com/54b3r/codeqa-go/internal/embedder"
	"github.com/54b3r/codeqa-go/internal/loader"
	"github.com/54b3r/codeqa-go/internal/logging"
	"github.com/54b3r/codeqa-go/internal/provider"
	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/server"
	"github.com/54b3r/codeqa-go/internal/store"
	"github.com/54b3r/codeqa-go/internal/vectordb"
)

const (
	defaultDatabase = "testdb"
	defaultTable    = "code_documents"

	// stopTimeout bounds releasing the vector database after ctx is cancelled.
	stopTimeout = 15 * time.Second
)

// commandContext returns the command context cancelled on SIGINT or SIGTERM,
// carrying a fresh logger.
func commandContext(parent context.Context) (context.Context, *slog.Logger, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	log := logging.New()
	return logging.WithLogger(ctx, log), log, stop
}

// vectorDB bundles the running database handle with the store opened on it.
type vectorDB struct {
	handle vectordb.Handle
	store  rag.VectorStore
	pinger server.Pinger
	close  func()
}

// openVectorDB starts the backing database selected by VECTOR_STORE and
// VECTORDB_MODE, waits for it, and opens the document store. The returned
// close function closes the store and stops the handle; it is never nil.
// interactive selects the docker mode by default for Qdrant.
func openVectorDB(ctx context.Context, out io.Writer, log *slog.Logger, interactive bool) (*vectorDB, error) {
	backend := config.String("VECTOR_STORE", "qdrant")
	mode, err := vectordb.ResolveMode(os.Getenv("VECTORDB_MODE"), backend, interactive)
	if err != nil {
		return nil, err
	}

	host := config.String("QDRANT_HOST", "localhost")
	port := config.Int("QDRANT_PORT", 6334)
	apiKey := os.Getenv("QDRANT_API_KEY")
	useTLS := config.Bool("QDRANT_TLS")
	dataDir := config.DataDir()

	var (
		handle vectordb.Handle
		prober *vectordb.QdrantProber
	)
	switch mode {
	case vectordb.ModeEmbedded:
		handle = vectordb.NewEmbeddedService(dataDir)
	default:
		prober, err = vectordb.NewQdrantProber(host, port, apiKey, useTLS)
		if err != nil {
			return nil, err
		}
		if mode == vectordb.ModeDocker {
			runner, runErr := vectordb.NewExecRunner("docker")
			if runErr != nil {
				_ = prober.Close()
				return nil, runErr
			}
			handle, err = vectordb.NewDockerService(vectordb.DockerConfig{
				Image:  config.String("VECTORDB_IMAGE", vectordb.DefaultImage),
				Port:   port,
				Probe:  prober.Probe,
				Runner: runner,
				Logger: log,
			})
			if err != nil {
				_ = prober.Close()
				return nil, err
			}
		} else {
			handle = vectordb.NewExternalService(prober.Probe)
		}
	}

	fmt.Fprintf(out, "Starting %s server for vector storage...\n", handle.Name())

	stopHandle := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := handle.Stop(stopCtx); err != nil {
			log.Warn("vectordb: stop failed", slog.String("service", handle.Name()), slog.Any("error", err))
		}
		if prober != nil {
			_ = prober.Close()
		}
	}

	if err := handle.Start(ctx); err != nil {
		stopHandle()
		return nil, err
	}
	if err := handle.Ready(ctx); err != nil {
		stopHandle()
		return nil, err
	}
	log.Info("vectordb: ready", slog.String("service", handle.Name()), slog.String("mode", string(mode)))

	database := config.String("CODEQA_DATABASE", defaultDatabase)
	table := config.String("CODEQA_TABLE", defaultTable)
	dims := embedder.DefaultDimensions(embedder.Backend())

	db := &vectorDB{handle: handle}
	if mode == vectordb.ModeEmbedded {
		ss, err := rag.NewSQLiteStore(ctx, &rag.SQLiteConfig{
			Dir:        dataDir,
			Database:   database,
			Table:      table,
			VectorSize: dims,
		})
		if err != nil {
			stopHandle()
			return nil, err
		}
		db.store = ss
		db.pinger = server.PingerFunc("sqlite", ss.Ping)
	} else {
		qs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Database:   database,
			Table:      table,
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     apiKey,
			UseTLS:     useTLS,
		})
		if err != nil {
			stopHandle()
			return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		db.store = qs
		db.pinger = server.NewQdrantPinger(qs.Client())
	}

	db.close = func() {
		_ = db.store.Close()
		stopHandle()
	}
	return db, nil
}

// newEmbedder validates the embedding configuration and builds the embedder.
func newEmbedder(log *slog.Logger) (rag.Embedder, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := embedder.Backend()
	log.Info("embedder initialised",
		slog.String("backend", backend),
		slog.String("model", embedder.ModelName(backend)),
	)
	return emb, nil
}

// newLoader builds the file loader from CODEQA_CHUNK_* settings. Skipped
// files are reported on diag.
func newLoader(diag io.Writer, log *slog.Logger) *loader.Loader {
	return loader.New(loader.Options{
		ChunkSize:    config.Int("CODEQA_CHUNK_SIZE", 0),
		ChunkOverlap: config.Int("CODEQA_CHUNK_OVERLAP", 100),
		Diagnostics:  diag,
		Logger:       log,
	})
}

// answerBuilder constructs answer services on top of one vector store.
type answerBuilder struct {
	emb      rag.Embedder
	store    rag.VectorStore
	provider *provider.Config
	history  store.HistoryStore
	log      *slog.Logger
}

// build creates the chat model and returns a Service for repo. Retrieval
// only sees the documents indexed for repo.
func (b *answerBuilder) build(ctx context.Context, repo string) (*answer.Service, error) {
	chatModel, err := provider.New(ctx, b.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	b.log.Info("provider initialised",
		slog.String("provider", string(b.provider.Backend)),
		slog.String("model", b.provider.ModelName()),
	)

	gen, err := answer.NewGenerator(ctx, chatModel, &answer.Config{
		MaxContextTokens: config.Int("CODEQA_MAX_CONTEXT_TOKENS", 0),
		Logger:           b.log,
	})
	if err != nil {
		return nil, err
	}

	topK := config.Int("CODEQA_TOP_K", rag.DefaultTopK)
	retriever, err := rag.NewRetriever(b.emb, b.store.WithRepo(repo), topK)
	if err != nil {
		return nil, err
	}

	return answer.NewService(answer.ServiceConfig{
		Retriever: retriever,
		Generator: gen,
		TopK:      topK,
		History:   b.history,
		Repo:      repo,
	})
}

// openHistory opens the exchange history named by CODEQA_HISTORY_DB. History
// is disabled (nil store) when the variable is unset or "disabled". A store
// that fails to open is logged and disabled rather than failing the command.
func openHistory(log *slog.Logger) (store.HistoryStore, func()) {
	path := os.Getenv("CODEQA_HISTORY_DB")
	if path == "" || path == "disabled" {
		log.Debug("history: disabled")
		return nil, func() {}
	}
	hs, err := store.Open(path)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.String("path", path), slog.Any("error", err))
		return nil, func() {}
	}
	log.Info("history: store opened", slog.String("path", path))
	return hs, func() { _ = hs.Close() }
}

// repoPath resolves dir to the absolute path used to key history records.
func repoPath(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	return abs, nil
}

