package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/codeqa-go/internal/rag"
	"github.com/54b3r/codeqa-go/internal/store"
)

// fakeAsker implements the asker interface for tests. It reports docs as
// sources and then writes each chunk to the writer.
type fakeAsker struct {
	docs   []rag.Document
	chunks []string
	err    error

	mu        sync.Mutex
	questions []string
}

func (f *fakeAsker) StreamWithSources(ctx context.Context, q string, w io.Writer, onSources func([]rag.Document) error) ([]rag.Document, error) {
	f.mu.Lock()
	f.questions = append(f.questions, q)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onSources != nil {
		if err := onSources(f.docs); err != nil {
			return nil, err
		}
	}
	for _, c := range f.chunks {
		if _, err := fmt.Fprint(w, c); err != nil {
			return f.docs, err
		}
	}
	return f.docs, nil
}

// fakeHistory is an in-memory store.HistoryStore.
type fakeHistory struct {
	exchanges []store.Exchange
	err       error
	gotRepo   string
	gotLimit  int
}

func (h *fakeHistory) Record(context.Context, store.Exchange) error { return nil }

func (h *fakeHistory) Recent(_ context.Context, repo string, n int) ([]store.Exchange, error) {
	h.gotRepo, h.gotLimit = repo, n
	if h.err != nil {
		return nil, h.err
	}
	if n < len(h.exchanges) {
		return h.exchanges[:n], nil
	}
	return h.exchanges, nil
}

func (h *fakeHistory) Close() error { return nil }

// newTestServer builds a Server around a with an isolated metrics registry.
func newTestServer(t *testing.T, a asker, cfg *Config) (*Server, *prometheus.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	reg := prometheus.NewRegistry()
	cfg.MetricsRegistry = reg
	cfg.MetricsGatherer = reg
	s := newServer(a, cfg)
	t.Cleanup(s.stopRL)
	return s, reg
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	name string
	data string
}

// readEvents parses an SSE body into events. Frames without an event line
// are named "message".
func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
		data   []string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name == "" {
				cur.name = "message"
			}
			cur.data = strings.Join(data, "\n")
			events = append(events, cur)
			cur, data = sseEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read SSE body: %v", err)
	}
	return events
}

func postAsk(t *testing.T, url, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url+"/api/ask", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/ask: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNew_NilService(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, &Config{}); err == nil {
		t.Error("want error for nil answer service")
	}
}

func TestHandleAsk_StreamsSourcesAnswerAndDone(t *testing.T) {
	t.Parallel()
	a := &fakeAsker{
		docs: []rag.Document{{
			Source:   "pkg/a.go",
			Score:    0.9,
			Metadata: map[string]string{rag.MetaFilePath: "pkg/a.go", rag.MetaFileType: ".go"},
		}},
		chunks: []string{"line one\nline two", " end"},
	}
	s, _ := newTestServer(t, a, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp := postAsk(t, srv.URL, `{"question":"  what is a?  "}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type: want text/event-stream, got %q", ct)
	}

	events := readEvents(t, resp.Body)
	if len(events) != 4 {
		t.Fatalf("want 4 events, got %d: %+v", len(events), events)
	}
	if events[0].name != "sources" {
		t.Fatalf("first event: want sources, got %q", events[0].name)
	}
	var refs []sourceRef
	if err := json.Unmarshal([]byte(events[0].data), &refs); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if len(refs) != 1 || refs[0].Path != "pkg/a.go" || refs[0].Type != ".go" {
		t.Errorf("sources = %+v", refs)
	}
	if events[1].data != "line one\nline two" || events[2].data != " end" {
		t.Errorf("answer frames = %q, %q", events[1].data, events[2].data)
	}
	if events[3].name != "done" {
		t.Errorf("last event: want done, got %q", events[3].name)
	}
	if len(a.questions) != 1 || a.questions[0] != "what is a?" {
		t.Errorf("question should be trimmed, got %v", a.questions)
	}
}

func TestHandleAsk_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `not-json`},
		{"missing question", `{}`},
		{"blank question", `{"question":"   "}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := &fakeAsker{}
			s, _ := newTestServer(t, a, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			s.handleAsk(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if len(a.questions) != 0 {
				t.Error("invalid requests must not reach the answer service")
			}
		})
	}
}

func TestHandleAsk_ErrorEvent(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, &fakeAsker{err: errors.New("embedding failed")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"question":"q"}`))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	events := readEvents(t, w.Body)
	if len(events) != 1 || events[0].name != "error" || events[0].data != "embedding failed" {
		t.Fatalf("events = %+v", events)
	}
	if got := counterValue(t, reg, "codeqa_ask_requests_total", "outcome", "error"); got != 1 {
		t.Errorf("error outcome counter: want 1, got %v", got)
	}
}

func TestHandleAsk_Timeout(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, &fakeAsker{}, &Config{AskTimeout: time.Nanosecond})
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"question":"q"}`))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if got := counterValue(t, reg, "codeqa_ask_requests_total", "outcome", "timeout"); got != 1 {
		t.Errorf("timeout outcome counter: want 1, got %v", got)
	}
}

func TestRoutes_AuthAndRateLimit(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, &fakeAsker{chunks: []string{"ok"}}, &Config{
		APIKey:    "secret",
		RateLimit: 0.001,
		RateBurst: 1,
	})
	h := s.Handler()

	serve := func(method, path, token string) int {
		var body io.Reader
		if method == http.MethodPost {
			body = strings.NewReader(`{"question":"q"}`)
		}
		req := httptest.NewRequest(method, path, body)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if got := serve(http.MethodPost, "/api/ask", ""); got != http.StatusUnauthorized {
		t.Errorf("no token: want 401, got %d", got)
	}
	if got := serve(http.MethodPost, "/api/ask", "secret"); got != http.StatusOK {
		t.Errorf("valid token: want 200, got %d", got)
	}
	if got := serve(http.MethodPost, "/api/ask", "secret"); got != http.StatusTooManyRequests {
		t.Errorf("second request: want 429, got %d", got)
	}
	// Health stays open without a token.
	if got := serve(http.MethodGet, "/api/health", ""); got != http.StatusOK {
		t.Errorf("health: want 200, got %d", got)
	}

	if got := counterValue(t, reg, "codeqa_http_rate_limited_total", "", ""); got != 1 {
		t.Errorf("rate limited counter: want 1, got %v", got)
	}
	if got := counterValue(t, reg, "codeqa_http_requests_total", "code", "401"); got != 1 {
		t.Errorf("http 401 counter: want 1, got %v", got)
	}
	if got := counterValue(t, reg, "codeqa_http_requests_total", "handler", "GET /api/health"); got != 1 {
		t.Errorf("health handler counter: want 1, got %v", got)
	}
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := &fakeHistory{exchanges: []store.Exchange{
		{Question: "q2", Answer: "a2", Sources: []string{"b.go"}, CreatedAt: created},
		{Question: "q1", Answer: "a1", CreatedAt: created.Add(-time.Hour)},
	}}
	s, _ := newTestServer(t, &fakeAsker{}, &Config{History: h, Repo: "/repo"})

	req := httptest.NewRequest(http.MethodGet, "/api/history?limit=1", nil)
	w := httptest.NewRecorder()
	s.handleHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []historyEntry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Question != "q2" || !got[0].CreatedAt.Equal(created) {
		t.Errorf("history = %+v", got)
	}
	if h.gotRepo != "/repo" || h.gotLimit != 1 {
		t.Errorf("lookup: repo %q limit %d", h.gotRepo, h.gotLimit)
	}
}

func TestHandleHistory_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		history store.HistoryStore
		query   string
		want    int
	}{
		{"disabled", nil, "", http.StatusNotFound},
		{"bad limit", &fakeHistory{}, "?limit=zero", http.StatusBadRequest},
		{"negative limit", &fakeHistory{}, "?limit=-1", http.StatusBadRequest},
		{"store failure", &fakeHistory{err: errors.New("locked")}, "", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, &fakeAsker{}, &Config{History: tc.history})
			req := httptest.NewRequest(http.MethodGet, "/api/history"+tc.query, nil)
			w := httptest.NewRecorder()
			s.handleHistory(w, req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestSSEWriter_MultiLineChunk(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	sw := &sseWriter{w: w, flusher: w}

	n, err := sw.Write([]byte("a\nb\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 4 {
		t.Errorf("n: want 4, got %d", n)
	}
	if got := w.Body.String(); got != "data: a\ndata: b\ndata: \n\n" {
		t.Errorf("frame = %q", got)
	}
}

func TestSSEWriter_KeepsNewlines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []string
	}{
		{"paragraph break", []string{"a\n\n", "b"}},
		{"newline only", []string{"para1", "\n\n", "para2"}},
		{"leading newline", []string{"x", "\ny\n"}},
		{"empty chunk", []string{"a", "", "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			sw := &sseWriter{w: w, flusher: w}

			var want strings.Builder
			for _, c := range tc.chunks {
				if _, err := sw.Write([]byte(c)); err != nil {
					t.Fatalf("Write(%q): %v", c, err)
				}
				want.WriteString(c)
			}

			var got strings.Builder
			for _, ev := range readEvents(t, w.Body) {
				got.WriteString(ev.data)
			}
			if got.String() != want.String() {
				t.Errorf("reassembled %q, want %q", got.String(), want.String())
			}
		})
	}
}
