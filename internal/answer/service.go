package answer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/codeqa-go/internal/logging"
	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/store"
)

// Result is an answer together with the snippets it was generated from.
type Result struct {
	// Text is the model output, verbatim.
	Text string
	// Sources are the retrieved documents, nearest first.
	Sources []rag.Document
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	// Retriever finds the snippets for a question. Required.
	Retriever rag.Retriever
	// Generator writes the answer. Required.
	Generator *Generator
	// TopK is the number of snippets retrieved per question. Zero selects
	// rag.DefaultTopK.
	TopK int
	// History, when set, records every answered question. Recording
	// failures are logged and never fail the answer.
	History store.HistoryStore
	// Repo keys the history records.
	Repo string
}

// Service answers questions about one indexed repository: retrieve, then
// generate.
type Service struct {
	retriever rag.Retriever
	generator *Generator
	topK      int
	history   store.HistoryStore
	repo      string
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("answer: retriever must not be nil")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("answer: generator must not be nil")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = rag.DefaultTopK
	}
	return &Service{
		retriever: cfg.Retriever,
		generator: cfg.Generator,
		topK:      topK,
		history:   cfg.History,
		repo:      cfg.Repo,
	}, nil
}

// Answer retrieves the snippets for question and returns the generated answer.
func (s *Service) Answer(ctx context.Context, question string) (*Result, error) {
	start := time.Now()
	docs, err := s.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}

	text, err := s.generator.Generate(ctx, question, docs)
	if err != nil {
		return nil, err
	}

	s.record(ctx, question, text, docs)
	logging.FromContext(ctx).Info("answer: question answered",
		slog.Int("sources", len(docs)),
		slog.Duration("duration", time.Since(start)),
	)
	return &Result{Text: text, Sources: docs}, nil
}

// Stream retrieves the snippets for question and streams the generated answer
// to w. It returns the documents the answer was built from.
func (s *Service) Stream(ctx context.Context, question string, w io.Writer) ([]rag.Document, error) {
	return s.StreamWithSources(ctx, question, w, nil)
}

// StreamWithSources is Stream with a hook that receives the retrieved
// documents before the first answer chunk is written. The HTTP handler uses
// it to emit the sources event ahead of the answer.
func (s *Service) StreamWithSources(ctx context.Context, question string, w io.Writer, onSources func([]rag.Document) error) ([]rag.Document, error) {
	start := time.Now()
	docs, err := s.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	if onSources != nil {
		if err := onSources(docs); err != nil {
			return docs, fmt.Errorf("answer: sources callback: %w", err)
		}
	}

	text, err := s.generator.Stream(ctx, question, docs, w)
	if err != nil {
		return docs, err
	}

	s.record(ctx, question, text, docs)
	logging.FromContext(ctx).Info("answer: question streamed",
		slog.Int("sources", len(docs)),
		slog.Duration("duration", time.Since(start)),
	)
	return docs, nil
}

// retrieve validates question and fetches the nearest snippets.
func (s *Service) retrieve(ctx context.Context, question string) ([]rag.Document, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("answer: question must not be empty")
	}
	docs, err := s.retriever.Retrieve(ctx, question, s.topK)
	if err != nil {
		return nil, fmt.Errorf("answer: retrieve: %w", err)
	}
	return docs, nil
}

// record persists the exchange to history (non-fatal on error).
func (s *Service) record(ctx context.Context, question, text string, docs []rag.Document) {
	if s.history == nil {
		return
	}
	sources := make([]string, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, d.Source)
	}
	ex := store.Exchange{Repo: s.repo, Question: question, Answer: text, Sources: sources}
	if err := s.history.Record(ctx, ex); err != nil {
		logging.FromContext(ctx).Warn("history: failed to record exchange", slog.Any("error", err))
	}
}
