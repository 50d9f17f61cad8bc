package vectordb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRunner records invocations and replies with scripted results keyed by
// the docker subcommand.
type fakeRunner struct {
	results map[string]*RunResult
	err     error

	mu    sync.Mutex
	calls []string
}

func (r *fakeRunner) Run(_ context.Context, binary string, args ...string) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, binary+" "+strings.Join(args, " "))
	if r.err != nil {
		return nil, r.err
	}
	if res, ok := r.results[args[0]]; ok {
		return res, nil
	}
	return &RunResult{}, nil
}

func (r *fakeRunner) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func okProbe(context.Context) error { return nil }

func TestResolveMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		explicit    string
		backend     string
		interactive bool
		want        Mode
		wantErr     bool
	}{
		{"qdrant interactive defaults to docker", "", "qdrant", true, ModeDocker, false},
		{"qdrant batch defaults to external", "", "qdrant", false, ModeExternal, false},
		{"empty backend is qdrant", "", "", true, ModeDocker, false},
		{"sqlite is embedded", "", "sqlite", true, ModeEmbedded, false},
		{"explicit external", "EXTERNAL", "qdrant", true, ModeExternal, false},
		{"explicit docker", "docker", "qdrant", false, ModeDocker, false},
		{"embedded requires sqlite", "embedded", "qdrant", true, "", true},
		{"sqlite rejects docker", "docker", "sqlite", true, "", true},
		{"unknown mode", "kubernetes", "qdrant", true, "", true},
		{"unknown backend", "", "chroma", true, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveMode(tc.explicit, tc.backend, tc.interactive)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ResolveMode() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ResolveMode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDockerService_Lifecycle(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{results: map[string]*RunResult{"run": {Stdout: "abc123\n"}}}
	d, err := NewDockerService(DockerConfig{Runner: r, Probe: okProbe, Port: 16334, Image: "qdrant/qdrant:v1.12.0"})
	if err != nil {
		t.Fatalf("NewDockerService: %v", err)
	}
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := d.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	want := []string{
		"docker run -d --rm --name codeqa-qdrant -p 16334:6334 qdrant/qdrant:v1.12.0",
		"docker stop codeqa-qdrant",
	}
	got := r.history()
	if len(got) != len(want) {
		t.Fatalf("calls: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d]: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDockerService_StartFailures(t *testing.T) {
	t.Parallel()

	t.Run("non-zero exit", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{results: map[string]*RunResult{"run": {ExitCode: 125, Stderr: "port is already allocated"}}}
		d, err := NewDockerService(DockerConfig{Runner: r, Probe: okProbe})
		if err != nil {
			t.Fatalf("NewDockerService: %v", err)
		}
		err = d.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "port is already allocated") {
			t.Errorf("want docker stderr in error, got %v", err)
		}
	})

	t.Run("runner error", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("exec failed")
		d, err := NewDockerService(DockerConfig{Runner: &fakeRunner{err: sentinel}, Probe: okProbe})
		if err != nil {
			t.Fatalf("NewDockerService: %v", err)
		}
		if err := d.Start(context.Background()); !errors.Is(err, sentinel) {
			t.Errorf("want wrapped runner error, got %v", err)
		}
	})

	t.Run("existing container is reused and not stopped", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{results: map[string]*RunResult{"run": {
			ExitCode: 125,
			Stderr:   `Conflict. The container name "/codeqa-qdrant" is already in use`,
		}}}
		d, err := NewDockerService(DockerConfig{Runner: r, Probe: okProbe})
		if err != nil {
			t.Fatalf("NewDockerService: %v", err)
		}
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := d.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if n := len(r.history()); n != 1 {
			t.Errorf("want only the run call, got %v", r.history())
		}
	})
}

func TestNewDockerService_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewDockerService(DockerConfig{Probe: okProbe}); err == nil {
		t.Error("want error for nil runner")
	}
	if _, err := NewDockerService(DockerConfig{Runner: &fakeRunner{}}); err == nil {
		t.Error("want error for nil probe")
	}
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after retries", func(t *testing.T) {
		t.Parallel()
		var n atomic.Int32
		probe := func(context.Context) error {
			if n.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		}
		if err := WaitReady(context.Background(), probe, 5*time.Second, 5*time.Millisecond); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
		if n.Load() != 3 {
			t.Errorf("probe calls: want 3, got %d", n.Load())
		}
	})

	t.Run("times out with ErrNotReady", func(t *testing.T) {
		t.Parallel()
		probeErr := errors.New("connection refused")
		err := WaitReady(context.Background(), func(context.Context) error { return probeErr }, 30*time.Millisecond, 5*time.Millisecond)
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("want ErrNotReady, got %v", err)
		}
		if !errors.Is(err, probeErr) {
			t.Errorf("want last probe error wrapped, got %v", err)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WaitReady(ctx, func(context.Context) error { return errors.New("down") }, time.Minute, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("want context.Canceled, got %v", err)
		}
	})
}

func TestExternalService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	up := NewExternalService(okProbe)
	if err := up.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := up.Ready(ctx); err != nil {
		t.Errorf("Ready: %v", err)
	}
	if err := up.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}

	down := NewExternalService(func(context.Context) error { return errors.New("refused") })
	if err := down.Ready(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("want ErrNotReady, got %v", err)
	}
}

func TestEmbeddedService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	e := NewEmbeddedService(dir)
	if err := e.Ready(ctx); !errors.Is(err, ErrNotReady) {
		t.Errorf("Ready before Start: want ErrNotReady, got %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Ready(ctx); err != nil {
		t.Errorf("Ready after Start: %v", err)
	}
	if e.Name() != "SQLite" {
		t.Errorf("Name() = %q", e.Name())
	}
	if err := e.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
