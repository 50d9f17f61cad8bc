// Package vectordb controls the lifecycle of the service backing the vector
// store. Commands create a Handle, call Start and Ready before connecting a
// store, and defer Stop so the service is released on every exit path.
package vectordb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/54b3r/codeqa-go/internal/logging"
)

// ErrNotReady is returned by Ready when the service does not answer in time.
var ErrNotReady = errors.New("vectordb: service not ready")

// Mode selects how the vector database service is managed.
type Mode string

const (
	// ModeDocker runs a throwaway Qdrant container for the lifetime of the command.
	ModeDocker Mode = "docker"
	// ModeExternal connects to a Qdrant server managed elsewhere.
	ModeExternal Mode = "external"
	// ModeEmbedded uses the in-process SQLite store under a data directory.
	ModeEmbedded Mode = "embedded"
)

// Defaults for the docker mode.
const (
	DefaultImage         = "qdrant/qdrant:latest"
	DefaultContainerName = "codeqa-qdrant"
	DefaultReadyTimeout  = 30 * time.Second
	qdrantGRPCPort       = 6334
)

// Handle is the lifecycle of the vector database service.
type Handle interface {
	// Name is the service label printed to the user (e.g. "Qdrant").
	Name() string
	// Start brings the service up. It is a no-op for services managed elsewhere.
	Start(ctx context.Context) error
	// Ready blocks until the service answers. Errors wrap ErrNotReady.
	Ready(ctx context.Context) error
	// Stop releases whatever Start acquired. Safe to call more than once.
	Stop(ctx context.Context) error
}

// ResolveMode picks the mode for a store backend. An explicit mode wins;
// otherwise sqlite is embedded, and qdrant is docker for the interactive
// chat and external for every other command.
func ResolveMode(explicit, backend string, interactive bool) (Mode, error) {
	if explicit != "" {
		switch m := Mode(strings.ToLower(explicit)); m {
		case ModeDocker, ModeExternal, ModeEmbedded:
			if m == ModeEmbedded && backend != "sqlite" {
				return "", fmt.Errorf("vectordb: mode %q requires VECTOR_STORE=sqlite", m)
			}
			if m != ModeEmbedded && backend == "sqlite" {
				return "", fmt.Errorf("vectordb: mode %q is not available for the sqlite store", m)
			}
			return m, nil
		default:
			return "", fmt.Errorf("vectordb: unknown mode %q (valid values: docker, external, embedded)", explicit)
		}
	}
	switch backend {
	case "sqlite":
		return ModeEmbedded, nil
	case "qdrant", "":
		if interactive {
			return ModeDocker, nil
		}
		return ModeExternal, nil
	default:
		return "", fmt.Errorf("vectordb: unknown vector store %q (valid values: qdrant, sqlite)", backend)
	}
}

// DockerConfig configures a DockerService.
type DockerConfig struct {
	// Name is the container name.
	Name string
	// Image is the Qdrant image reference.
	Image string
	// Port is the host port mapped to the container's gRPC port.
	Port int
	// Probe checks readiness. Required.
	Probe ProbeFunc
	// ReadyTimeout bounds Ready. Zero selects DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// PollInterval is the delay between probes.
	PollInterval time.Duration
	// Runner executes docker. Required.
	Runner Runner
	// Logger receives lifecycle records. Nil selects logging.Discard().
	Logger *slog.Logger
}

// DockerService runs Qdrant in a container removed on stop.
type DockerService struct {
	cfg DockerConfig
	log *slog.Logger

	mu      sync.Mutex
	started bool
}

var _ Handle = (*DockerService)(nil)

// NewDockerService validates cfg and returns a DockerService.
func NewDockerService(cfg DockerConfig) (*DockerService, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("vectordb: docker runner must not be nil")
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("vectordb: docker probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultContainerName
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Port == 0 {
		cfg.Port = qdrantGRPCPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &DockerService{cfg: cfg, log: log}, nil
}

// Name returns the service label.
func (d *DockerService) Name() string { return "Qdrant" }

// Start runs the container detached. A container with the same name that is
// already running is reused and left running on Stop.
func (d *DockerService) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	res, err := d.cfg.Runner.Run(ctx, "docker", "run", "-d", "--rm",
		"--name", d.cfg.Name,
		"-p", fmt.Sprintf("%d:%d", d.cfg.Port, qdrantGRPCPort),
		d.cfg.Image,
	)
	if err != nil {
		return fmt.Errorf("vectordb: docker run: %w", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "is already in use") {
			d.log.Info("vectordb: reusing running container", slog.String("container", d.cfg.Name))
			return nil
		}
		return fmt.Errorf("vectordb: docker run exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	d.started = true
	d.log.Info("vectordb: container started",
		slog.String("container", d.cfg.Name),
		slog.String("id", strings.TrimSpace(res.Stdout)),
		slog.String("image", d.cfg.Image),
		slog.Int("port", d.cfg.Port),
	)
	return nil
}

// Ready polls the probe until Qdrant answers or ReadyTimeout elapses.
func (d *DockerService) Ready(ctx context.Context) error {
	return WaitReady(ctx, d.cfg.Probe, d.cfg.ReadyTimeout, d.cfg.PollInterval)
}

// Stop stops the container if this service started it.
func (d *DockerService) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	res, err := d.cfg.Runner.Run(ctx, "docker", "stop", d.cfg.Name)
	if err != nil {
		return fmt.Errorf("vectordb: docker stop: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("vectordb: docker stop exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	d.started = false
	d.log.Info("vectordb: container stopped", slog.String("container", d.cfg.Name))
	return nil
}

// ExternalService is a Qdrant server managed outside codeqa. Start and Stop
// do nothing; Ready probes once.
type ExternalService struct {
	probe ProbeFunc
}

var _ Handle = (*ExternalService)(nil)

// NewExternalService returns an ExternalService probed by probe.
func NewExternalService(probe ProbeFunc) *ExternalService {
	return &ExternalService{probe: probe}
}

// Name returns the service label.
func (e *ExternalService) Name() string { return "Qdrant" }

// Start is a no-op.
func (e *ExternalService) Start(context.Context) error { return nil }

// Ready probes the server once.
func (e *ExternalService) Ready(ctx context.Context) error {
	if e.probe == nil {
		return nil
	}
	if err := e.probe(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// Stop is a no-op.
func (e *ExternalService) Stop(context.Context) error { return nil }

// EmbeddedService is the SQLite store's data directory.
type EmbeddedService struct {
	dir string
}

var _ Handle = (*EmbeddedService)(nil)

// NewEmbeddedService returns an EmbeddedService rooted at dir.
func NewEmbeddedService(dir string) *EmbeddedService {
	return &EmbeddedService{dir: dir}
}

// Name returns the service label.
func (e *EmbeddedService) Name() string { return "SQLite" }

// Start creates the data directory.
func (e *EmbeddedService) Start(context.Context) error {
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("vectordb: create data dir %s: %w", e.dir, err)
	}
	return nil
}

// Ready checks that the data directory exists.
func (e *EmbeddedService) Ready(context.Context) error {
	info, err := os.Stat(e.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNotReady, e.dir)
	}
	return nil
}

// Stop is a no-op.
func (e *EmbeddedService) Stop(context.Context) error { return nil }
