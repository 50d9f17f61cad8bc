package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Payload keys reserved by QdrantStore. Document metadata is stored alongside
// them at the top level of the payload.
const (
	payloadContent = "content"
	payloadSource  = "source"
	payloadTable   = "table"
	payloadRepo    = "repo"
	payloadDirs    = "dirs"
	payloadDocID   = "doc_id"
)

// pointNamespace seeds the UUIDv5 point IDs derived from document IDs.
var pointNamespace = uuid.MustParse("6f1c3b0e-9a7d-5e2b-8c4f-2d1e0a9b7c63")

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Database is the collection that plays the role of a database.
	Database string

	// Table is the payload partition inside Database this store reads and writes.
	Table string

	// VectorSize is the dimensionality of the embeddings stored in Database.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Repo is the repository partition the store starts scoped to. See
	// WithRepo.
	Repo string
}

// QdrantStore implements VectorStore and Bootstrapper on top of Qdrant.
// A database maps to a collection and a table to the "table" payload field,
// so several tables share one collection and vector configuration. Within a
// table every point carries its repository in the "repo" field and the
// directories above its source in "dirs".
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client, shared by every view.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig

	// repo is the partition this view reads and writes.
	repo string
}

// NewQdrantStore connects to Qdrant, bootstraps the configured database, and
// returns a ready-to-use store.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("qdrant: database name must not be empty")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("qdrant: table name must not be empty")
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be positive")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg, repo: cfg.Repo}
	if err := store.EnsureDatabase(ctx, cfg.Database); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// WithRepo returns a view of the store scoped to repo. The view shares the
// client with s; closing either closes both.
func (s *QdrantStore) WithRepo(repo string) VectorStore {
	v := *s
	v.repo = repo
	return &v
}

// Client exposes the underlying client for health probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// EnsureDatabase creates the collection backing the named database if it does
// not already exist.
func (s *QdrantStore) EnsureDatabase(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check database %q: %w", name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create database %q: %w", name, err)
	}

	return nil
}

// Upsert stores or replaces a batch of documents with their embeddings.
// The call waits for Qdrant to apply the write so the documents are
// searchable as soon as it returns.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if err := checkBatch(docs, embeddings, int(s.cfg.VectorSize)); err != nil { //nolint:gosec // vector sizes are small
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i, doc := range docs {
		payload := map[string]any{
			payloadContent: doc.Content,
			payloadSource:  doc.Source,
			payloadTable:   s.cfg.Table,
			payloadRepo:    s.repo,
			payloadDirs:    dirList(doc.Source),
			payloadDocID:   doc.ID,
		}
		for k, v := range doc.Metadata {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}

		points = append(points, &qdrant.PointStruct{
			Id:      s.pointID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Database,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// Search performs a cosine similarity search restricted to this store's table.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	if uint64(len(queryEmbedding)) != s.cfg.VectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d",
			ErrDimensionMismatch, len(queryEmbedding), s.cfg.VectorSize)
	}

	limit := uint64(topK)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Database,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Filter:         s.tableFilter(),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		doc := Document{
			ID:       r.GetId().GetUuid(),
			Score:    r.GetScore(),
			Metadata: make(map[string]string),
		}
		for k, v := range r.GetPayload() {
			switch k {
			case payloadContent:
				doc.Content = v.GetStringValue()
			case payloadSource:
				doc.Source = v.GetStringValue()
			case payloadDocID:
				doc.ID = v.GetStringValue()
			case payloadTable, payloadRepo, payloadDirs:
			default:
				doc.Metadata[k] = v.GetStringValue()
			}
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Delete removes documents of this store's repository by their IDs.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, s.pointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Database,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}

	return nil
}

// DeleteBySource removes every point of the repository whose source matches.
func (s *QdrantStore) DeleteBySource(ctx context.Context, source string) error {
	if err := s.deleteWhere(ctx, qdrant.NewMatch(payloadSource, source)); err != nil {
		return fmt.Errorf("qdrant: delete by source %q failed: %w", source, err)
	}
	return nil
}

// DeleteByDir removes every point of the repository stored below dir.
func (s *QdrantStore) DeleteByDir(ctx context.Context, dir string) error {
	prefix, all := dirPrefix(dir)
	if all {
		return s.Clear(ctx)
	}
	if err := s.deleteWhere(ctx, qdrant.NewMatch(payloadDirs, strings.TrimSuffix(prefix, "/"))); err != nil {
		return fmt.Errorf("qdrant: delete by dir %q failed: %w", dir, err)
	}
	return nil
}

// Clear removes every point of the repository.
func (s *QdrantStore) Clear(ctx context.Context) error {
	if err := s.deleteWhere(ctx); err != nil {
		return fmt.Errorf("qdrant: clear failed: %w", err)
	}
	return nil
}

// deleteWhere deletes the repository's points matching every condition and
// waits for the write to apply.
func (s *QdrantStore) deleteWhere(ctx context.Context, conds ...*qdrant.Condition) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Database,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(s.tableFilter(conds...)),
	})
	return err
}

// Count returns the exact number of points in this store's repository.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Database,
		Filter:         s.tableFilter(),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count failed: %w", err)
	}
	return int(n), nil //nolint:gosec // point counts fit in int
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// tableFilter restricts an operation to this store's table and repository,
// plus any extra conditions.
func (s *QdrantStore) tableFilter(extra ...*qdrant.Condition) *qdrant.Filter {
	must := make([]*qdrant.Condition, 0, 2+len(extra))
	must = append(must,
		qdrant.NewMatch(payloadTable, s.cfg.Table),
		qdrant.NewMatch(payloadRepo, s.repo),
	)
	must = append(must, extra...)
	return &qdrant.Filter{Must: must}
}

// pointID maps a document ID to the UUID point ID Qdrant requires.
func (s *QdrantStore) pointID(docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(PointUUID(s.cfg.Table, s.repo, docID))
}

// PointUUID derives the deterministic UUIDv5 used as the Qdrant point ID for
// docID of repo within table.
func PointUUID(table, repo, docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(table+"\x00"+repo+"\x00"+docID)).String()
}

// dirList converts the directories above source to a payload list value.
func dirList(source string) []any {
	dirs := sourceDirs(source)
	out := make([]any, len(dirs))
	for i, d := range dirs {
		out[i] = d
	}
	return out
}
