package answer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/store"
)

// fakeChatModel is a model.BaseChatModel that records its input and replies
// with fixed text.
type fakeChatModel struct {
	reply  string
	chunks []string
	err    error

	mu  sync.Mutex
	got []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.got = input
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.got = input
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		msgs[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(msgs), nil
}

// prompt returns the text of the last prompt the model received.
func (f *fakeChatModel) prompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sb strings.Builder
	for _, m := range f.got {
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// fakeRetriever returns fixed documents and records the requested k.
type fakeRetriever struct {
	docs []rag.Document
	err  error

	mu    sync.Mutex
	calls int
	topK  int
}

func (r *fakeRetriever) Retrieve(_ context.Context, _ string, topK int) ([]rag.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.topK = topK
	if r.err != nil {
		return nil, r.err
	}
	return r.docs, nil
}

// fakeHistory records exchanges in memory.
type fakeHistory struct {
	err error

	mu        sync.Mutex
	exchanges []store.Exchange
}

func (h *fakeHistory) Record(_ context.Context, ex store.Exchange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.exchanges = append(h.exchanges, ex)
	return nil
}

func (h *fakeHistory) Recent(context.Context, string, int) ([]store.Exchange, error) {
	return nil, nil
}

func (h *fakeHistory) Close() error { return nil }

func codeDoc(path, ext, content string) rag.Document {
	return rag.Document{
		ID:      path,
		Content: content,
		Source:  path,
		Metadata: map[string]string{
			rag.MetaFilePath: path,
			rag.MetaFileType: ext,
		},
	}
}

func newTestGenerator(t *testing.T, m model.BaseChatModel, maxTokens int) *Generator {
	t.Helper()
	g, err := NewGenerator(context.Background(), m, &Config{MaxContextTokens: maxTokens})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestFormatSnippets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		docs []rag.Document
		want string
	}{
		{
			name: "no documents",
			want: NoSnippets,
		},
		{
			name: "single document",
			docs: []rag.Document{codeDoc("pkg/a.go", ".go", "package pkg\n")},
			want: "\n\n### pkg/a.go (.go)\n```\npackage pkg\n```",
		},
		{
			name: "content without trailing newline",
			docs: []rag.Document{codeDoc("b.py", ".py", "print(1)")},
			want: "\n\n### b.py (.py)\n```\nprint(1)\n```",
		},
		{
			name: "source used when metadata is missing",
			docs: []rag.Document{{Source: "c.js", Content: "x\n"}},
			want: "\n\n### c.js\n```\nx\n```",
		},
		{
			name: "order preserved",
			docs: []rag.Document{codeDoc("1.go", ".go", "a\n"), codeDoc("2.go", ".go", "b\n")},
			want: "\n\n### 1.go (.go)\n```\na\n```\n\n### 2.go (.go)\n```\nb\n```",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatSnippets(tc.docs); got != tc.want {
				t.Errorf("FormatSnippets() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewGenerator_NilModel(t *testing.T) {
	t.Parallel()
	if _, err := NewGenerator(context.Background(), nil, nil); err == nil {
		t.Error("want error for nil chat model")
	}
}

func TestGenerator_Generate(t *testing.T) {
	t.Parallel()
	m := &fakeChatModel{reply: "  It adds two numbers.\n"}
	g := newTestGenerator(t, m, 0)

	docs := []rag.Document{codeDoc("math/add.go", ".go", "func Add(a, b int) int { return a + b }\n")}
	got, err := g.Generate(context.Background(), "What does Add do?", docs)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != m.reply {
		t.Errorf("Generate() = %q, want verbatim %q", got, m.reply)
	}

	p := m.prompt()
	for _, want := range []string{
		"You are an expert in answering questions about code.",
		"### math/add.go (.go)",
		"func Add(a, b int) int",
		"Here is the question: What does Add do?",
		"please say so.",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestGenerator_GenerateNoDocs(t *testing.T) {
	t.Parallel()
	m := &fakeChatModel{reply: "not enough information"}
	g := newTestGenerator(t, m, 0)

	if _, err := g.Generate(context.Background(), "anything?", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(m.prompt(), "Here are some relevant code snippets: "+NoSnippets) {
		t.Errorf("prompt should carry the no-snippets marker:\n%s", m.prompt())
	}
}

func TestGenerator_GenerateError(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("model offline")
	g := newTestGenerator(t, &fakeChatModel{err: sentinel}, 0)

	_, err := g.Generate(context.Background(), "q", nil)
	if !errors.Is(err, sentinel) {
		t.Errorf("want wrapped model error, got %v", err)
	}
}

func TestGenerator_Stream(t *testing.T) {
	t.Parallel()
	m := &fakeChatModel{chunks: []string{"The ", "", "answer", "."}}
	g := newTestGenerator(t, m, 0)

	var buf bytes.Buffer
	got, err := g.Stream(context.Background(), "q", []rag.Document{codeDoc("a.go", ".go", "x")}, &buf)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "The answer." {
		t.Errorf("Stream() text = %q, want %q", got, "The answer.")
	}
	if buf.String() != "The answer." {
		t.Errorf("written = %q, want %q", buf.String(), "The answer.")
	}
}

func TestGenerator_BudgetTrimsFurthestSnippets(t *testing.T) {
	t.Parallel()
	m := &fakeChatModel{reply: "ok"}
	g := newTestGenerator(t, m, 250)

	docs := []rag.Document{
		codeDoc("near.go", ".go", strings.Repeat("a", 100)),
		codeDoc("mid.go", ".go", strings.Repeat("b", 4000)),
		codeDoc("far.go", ".go", strings.Repeat("c", 100)),
	}
	if _, err := g.Generate(context.Background(), "q", docs); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	p := m.prompt()
	if !strings.Contains(p, "near.go") {
		t.Error("nearest snippet should survive trimming")
	}
	if !strings.Contains(p, "mid.go") || !strings.Contains(p, "... (truncated)") {
		t.Error("overflowing snippet should be kept in truncated form")
	}
	if strings.Contains(p, "far.go") {
		t.Error("furthest snippet should be dropped")
	}
	if n := strings.Count(p, "```"); n%2 != 0 {
		t.Errorf("unbalanced code fences (%d) in prompt:\n%s", n, p)
	}
	if strings.Count(p, "b") >= 4000 {
		t.Error("overflowing snippet was not cut")
	}
}

func TestService_Answer(t *testing.T) {
	t.Parallel()
	docs := []rag.Document{codeDoc("a.go", ".go", "package a"), codeDoc("b.go", ".go", "package b")}
	r := &fakeRetriever{docs: docs}
	h := &fakeHistory{}
	g := newTestGenerator(t, &fakeChatModel{reply: "two packages"}, 0)

	svc, err := NewService(ServiceConfig{Retriever: r, Generator: g, History: h, Repo: "/repo"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	res, err := svc.Answer(context.Background(), "how many packages?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Text != "two packages" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Sources) != 2 {
		t.Errorf("Sources: want 2, got %d", len(res.Sources))
	}
	if r.topK != rag.DefaultTopK {
		t.Errorf("topK: want %d, got %d", rag.DefaultTopK, r.topK)
	}
	if len(h.exchanges) != 1 {
		t.Fatalf("history: want 1 exchange, got %d", len(h.exchanges))
	}
	ex := h.exchanges[0]
	if ex.Repo != "/repo" || ex.Answer != "two packages" || len(ex.Sources) != 2 || ex.Sources[0] != "a.go" {
		t.Errorf("recorded exchange = %+v", ex)
	}
}

func TestService_Errors(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &fakeChatModel{reply: "ok"}, 0)

	t.Run("empty question skips retrieval", func(t *testing.T) {
		t.Parallel()
		r := &fakeRetriever{}
		svc, err := NewService(ServiceConfig{Retriever: r, Generator: g})
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if _, err := svc.Answer(context.Background(), "   "); err == nil {
			t.Error("want error for blank question")
		}
		if r.calls != 0 {
			t.Errorf("retriever called %d times, want 0", r.calls)
		}
	})

	t.Run("retriever error", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("store down")
		svc, err := NewService(ServiceConfig{Retriever: &fakeRetriever{err: sentinel}, Generator: g})
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if _, err := svc.Answer(context.Background(), "q"); !errors.Is(err, sentinel) {
			t.Errorf("want wrapped retriever error, got %v", err)
		}
	})

	t.Run("history failure is not fatal", func(t *testing.T) {
		t.Parallel()
		svc, err := NewService(ServiceConfig{
			Retriever: &fakeRetriever{},
			Generator: g,
			History:   &fakeHistory{err: errors.New("disk full")},
			Repo:      "/repo",
		})
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if _, err := svc.Answer(context.Background(), "q"); err != nil {
			t.Errorf("Answer should succeed despite history failure: %v", err)
		}
	})

	t.Run("missing dependencies", func(t *testing.T) {
		t.Parallel()
		if _, err := NewService(ServiceConfig{Generator: g}); err == nil {
			t.Error("want error for nil retriever")
		}
		if _, err := NewService(ServiceConfig{Retriever: &fakeRetriever{}}); err == nil {
			t.Error("want error for nil generator")
		}
	})
}

func TestService_StreamWithSources(t *testing.T) {
	t.Parallel()
	docs := []rag.Document{codeDoc("a.go", ".go", "package a")}
	g := newTestGenerator(t, &fakeChatModel{chunks: []string{"pack", "age a"}}, 0)
	svc, err := NewService(ServiceConfig{Retriever: &fakeRetriever{docs: docs}, Generator: g, TopK: 5})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	var buf bytes.Buffer
	var seenBeforeAnswer bool
	got, err := svc.StreamWithSources(context.Background(), "q", &buf, func(d []rag.Document) error {
		seenBeforeAnswer = buf.Len() == 0 && len(d) == 1
		return nil
	})
	if err != nil {
		t.Fatalf("StreamWithSources: %v", err)
	}
	if !seenBeforeAnswer {
		t.Error("sources hook should run before any answer chunk is written")
	}
	if len(got) != 1 || buf.String() != "package a" {
		t.Errorf("got %d docs, text %q", len(got), buf.String())
	}
}
