// Package ingestion embeds loaded code documents and upserts them into the
// vector store, and keeps an index current while files change on disk.
// It backs the interactive indexing step and the `codeqa index` command.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/54b3r/codeqa-go/internal/rag"
)

// defaultBatchSize is the number of documents embedded and upserted together.
const defaultBatchSize = 64

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// BatchSize is the number of documents embedded and upserted per round
	// trip. Defaults to 64 if zero.
	BatchSize int

	// Logger receives per-batch debug records. Nil uses slog.Default().
	Logger *slog.Logger
}

// Progress is called after every stored batch with the running total.
type Progress func(done, total int)

// Pipeline orchestrates the embed -> upsert flow for loaded documents.
type Pipeline struct {
	// embedder converts document content into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded documents.
	store rag.VectorStore

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
	}, nil
}

// Ingest embeds and stores docs in batches, replacing any rows with the same
// IDs. It returns the first error encountered; batches stored before the
// error remain stored. Progress is reported via the optional callback.
func (p *Pipeline) Ingest(ctx context.Context, docs []rag.Document, progress Progress) error {
	if progress == nil {
		progress = func(int, int) {}
	}

	total := len(docs)
	for start := 0; start < total; start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingestion: %w", err)
		}
		end := min(start+p.cfg.BatchSize, total)
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Content
		}

		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("ingestion: embedding failed for documents %d-%d: %w", start, end, err)
		}

		if err := p.store.Upsert(ctx, batch, embeddings); err != nil {
			return fmt.Errorf("ingestion: upsert failed for documents %d-%d: %w", start, end, err)
		}

		p.cfg.Logger.Debug("ingestion: batch stored",
			slog.Int("from", start),
			slog.Int("to", end),
			slog.Int("total", total),
		)
		progress(end, total)
	}

	return nil
}

// ForRepo returns a pipeline that writes to the store partition of repo, the
// absolute path of the indexed root.
func (p *Pipeline) ForRepo(repo string) *Pipeline {
	return &Pipeline{embedder: p.embedder, store: p.store.WithRepo(repo), cfg: p.cfg}
}

// Reindex makes docs the whole index of repo: documents stored by an earlier
// run, including those of files deleted since, are removed first.
func (p *Pipeline) Reindex(ctx context.Context, repo string, docs []rag.Document, progress Progress) error {
	scoped := p.ForRepo(repo)
	if err := scoped.store.Clear(ctx); err != nil {
		return fmt.Errorf("ingestion: clear %s: %w", repo, err)
	}
	p.cfg.Logger.Debug("ingestion: cleared previous index", slog.String("repo", repo))
	return scoped.Ingest(ctx, docs, progress)
}

// Replace removes every stored document of source and ingests docs in its
// place. docs may be empty, which leaves source absent from the index.
func (p *Pipeline) Replace(ctx context.Context, source string, docs []rag.Document) error {
	if err := p.Remove(ctx, source); err != nil {
		return err
	}
	return p.Ingest(ctx, docs, nil)
}

// Remove deletes every stored document of source.
func (p *Pipeline) Remove(ctx context.Context, source string) error {
	if err := p.store.DeleteBySource(ctx, source); err != nil {
		return fmt.Errorf("ingestion: remove %s: %w", source, err)
	}
	return nil
}

// RemoveDir deletes every stored document below dir, a slash path relative
// to the indexed root.
func (p *Pipeline) RemoveDir(ctx context.Context, dir string) error {
	if err := p.store.DeleteByDir(ctx, dir); err != nil {
		return fmt.Errorf("ingestion: remove dir %s: %w", dir, err)
	}
	return nil
}
