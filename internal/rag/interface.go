// Package rag defines the retrieval-augmented generation building blocks used
// by codeqa: the Document record, vector storage, embedding, and retrieval.
// Concrete stores (Qdrant, SQLite) satisfy these interfaces so the loader,
// ingestion pipeline, and answer generator never depend on a specific backend.
package rag

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Metadata keys written by the loader and preserved by every store.
const (
	// MetaFilePath is the path relative to the indexed root, using "/" separators.
	MetaFilePath = "file_path"
	// MetaFileType is the file extension including the leading dot.
	MetaFileType = "file_type"
	// MetaFileName is the base name of the file.
	MetaFileName = "file_name"
	// MetaChunkIndex is the zero-based chunk number when chunking is enabled.
	MetaChunkIndex = "chunk_index"
)

// ErrDimensionMismatch is returned when an embedding's length does not match
// the vector size of the store it is written to or searched against.
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// Document is one indexed unit: a whole source file, or one chunk of it.
type Document struct {
	// ID is the deterministic identifier used as the store's primary key.
	ID string

	// Content is the raw text content.
	Content string

	// Source is the file path relative to the indexed root. All chunks of a
	// file share the same Source.
	Source string

	// Metadata holds file_path, file_type, file_name and, for chunks, chunk_index.
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval.
	// Zero value means the score was not computed.
	Score float32
}

// VectorStore is the interface for persisting and searching document embeddings.
// Every store is scoped to one repository: reads, writes, and deletes see only
// that repository's documents, even when several repositories share a table.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or replaces a batch of documents keyed by ID.
	// embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search returns at most topK documents nearest to queryEmbedding,
	// ordered nearest-first.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, ids []string) error

	// DeleteBySource removes every document whose Source equals source.
	DeleteBySource(ctx context.Context, source string) error

	// DeleteByDir removes every document whose Source lies below dir, a
	// slash path relative to the repository root.
	DeleteByDir(ctx context.Context, dir string) error

	// Clear removes every document of the repository.
	Clear(ctx context.Context) error

	// Count returns the number of documents stored for the repository.
	Count(ctx context.Context) (int, error)

	// WithRepo returns a view of the same table scoped to repo, the
	// absolute path of an indexed root. The view shares the connection.
	WithRepo(repo string) VectorStore

	// Close releases any resources held by the store.
	Close() error
}

// Bootstrapper ensures a named database exists in the backing service,
// creating it when absent. Calling it repeatedly is safe.
type Bootstrapper interface {
	EnsureDatabase(ctx context.Context, name string) error
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches the documents most relevant to a natural-language query.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns at most topK documents, nearest first.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

// checkBatch validates that docs and embeddings are parallel and that every
// vector has the expected size. size <= 0 skips the size check.
func checkBatch(docs []Document, embeddings [][]float32, size int) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("rag: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	if size <= 0 {
		return nil
	}
	for i, e := range embeddings {
		if len(e) != size {
			return fmt.Errorf("%w: document %q has %d dimensions, store expects %d",
				ErrDimensionMismatch, docs[i].ID, len(e), size)
		}
	}
	return nil
}

// dirPrefix returns the Source prefix shared by documents below dir. all is
// true when dir names the repository root itself.
func dirPrefix(dir string) (prefix string, all bool) {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	if dir == "" {
		return "", true
	}
	return dir + "/", false
}

// sourceDirs lists the directories containing source, outermost first:
// "a/b/c.go" gives ["a", "a/b"].
func sourceDirs(source string) []string {
	var dirs []string
	for i := 0; i < len(source); i++ {
		if source[i] == '/' && i > 0 {
			dirs = append(dirs, source[:i])
		}
	}
	return dirs
}
