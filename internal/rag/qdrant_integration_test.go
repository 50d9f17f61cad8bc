//go:build integration

package rag

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestQdrantStore_Integration runs the store against a real Qdrant instance.
// Each run uses a fresh collection that is deleted afterwards.
//
// Prerequisites:
//
//	docker run -p 6334:6334 qdrant/qdrant
//
// Run with:
//
//	go test -tags=integration -run TestQdrantStore_Integration ./internal/rag/
func TestQdrantStore_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p, err := strconv.Atoi(os.Getenv("QDRANT_PORT")); err == nil {
		port = p
	}
	database := "codeqa_it_" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	open := func(table, repo string) *QdrantStore {
		t.Helper()
		s, err := NewQdrantStore(ctx, &QdrantConfig{
			Host:       host,
			Port:       port,
			Database:   database,
			Table:      table,
			VectorSize: 4,
			Repo:       repo,
		})
		if err != nil {
			t.Fatalf("NewQdrantStore: %v\n\nEnsure Qdrant is reachable at %s:%d", err, host, port)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	s := open("code_documents", "/work/a")
	t.Cleanup(func() { _ = s.Client().DeleteCollection(context.Background(), database) })

	t.Run("bootstrap twice", func(t *testing.T) {
		if err := s.EnsureDatabase(ctx, database); err != nil {
			t.Fatalf("second EnsureDatabase: %v", err)
		}
		names, err := s.Client().ListCollections(ctx)
		if err != nil {
			t.Fatalf("ListCollections: %v", err)
		}
		found := 0
		for _, n := range names {
			if n == database {
				found++
			}
		}
		if found != 1 {
			t.Errorf("want exactly one %q collection, found %d", database, found)
		}
	})

	docs := []Document{
		{ID: "d1", Source: "main.go", Content: "package main", Metadata: map[string]string{MetaFilePath: "main.go", MetaFileType: ".go"}},
		{ID: "d2", Source: "pkg/util.py", Content: "def util(): pass", Metadata: map[string]string{MetaFilePath: "pkg/util.py", MetaFileType: ".py"}},
		{ID: "d3", Source: "pkg/sub/lib.rs", Content: "fn lib() {}", Metadata: map[string]string{MetaFilePath: "pkg/sub/lib.rs", MetaFileType: ".rs"}},
	}
	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
	if err := s.Upsert(ctx, docs, vecs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	t.Run("top-1 recall", func(t *testing.T) {
		for i, want := range docs {
			got, err := s.Search(ctx, vecs[i], 1)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("want 1 result, got %d", len(got))
			}
			d := got[0]
			if d.ID != want.ID || d.Source != want.Source || d.Content != want.Content {
				t.Errorf("recall %s: got %+v", want.ID, d)
			}
			if d.Metadata[MetaFileType] != want.Metadata[MetaFileType] {
				t.Errorf("%s: metadata not preserved: %v", want.ID, d.Metadata)
			}
			if _, leaked := d.Metadata[payloadRepo]; leaked {
				t.Errorf("%s: reserved payload field in metadata: %v", want.ID, d.Metadata)
			}
		}
	})

	t.Run("tables and repositories are isolated", func(t *testing.T) {
		other := open("other_table", "/work/a")
		if err := other.Upsert(ctx, docs[:1], vecs[:1]); err != nil {
			t.Fatalf("Upsert other table: %v", err)
		}
		repoB := s.WithRepo("/work/b")
		if err := repoB.Upsert(ctx, docs[:2], vecs[:2]); err != nil {
			t.Fatalf("Upsert repo b: %v", err)
		}

		counts := []struct {
			name  string
			store VectorStore
			want  int
		}{
			{"code_documents /work/a", s, 3},
			{"other_table /work/a", other, 1},
			{"code_documents /work/b", repoB, 2},
		}
		for _, c := range counts {
			n, err := c.store.Count(ctx)
			if err != nil {
				t.Fatalf("%s: Count: %v", c.name, err)
			}
			if n != c.want {
				t.Errorf("%s: want %d, got %d", c.name, c.want, n)
			}
		}

		got, err := repoB.Search(ctx, vecs[2], 3)
		if err != nil {
			t.Fatalf("Search repo b: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("repo b search should see its 2 documents, got %d", len(got))
		}
	})

	t.Run("delete by dir and clear", func(t *testing.T) {
		if err := s.DeleteByDir(ctx, "pkg"); err != nil {
			t.Fatalf("DeleteByDir: %v", err)
		}
		if n, _ := s.Count(ctx); n != 1 {
			t.Errorf("after DeleteByDir: want 1, got %d", n)
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if n, _ := s.Count(ctx); n != 0 {
			t.Errorf("after Clear: want 0, got %d", n)
		}
		if n, _ := s.WithRepo("/work/b").Count(ctx); n != 2 {
			t.Errorf("clearing /work/a must not touch /work/b, got %d", n)
		}
	})
}
