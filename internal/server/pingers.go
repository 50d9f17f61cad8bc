package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/codeqa-go/internal/provider"
)

// LLMPinger probes the chat backend through its zero-cost health endpoint.
// It never generates tokens.
type LLMPinger struct {
	checker *provider.HealthChecker
	name    string
}

// NewLLMPinger constructs an LLMPinger labelled with the backend name.
func NewLLMPinger(checker *provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{checker: checker, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping runs the backend health check.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if err := p.checker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// funcPinger adapts a probe function to Pinger.
type funcPinger struct {
	name string
	fn   func(ctx context.Context) error
}

// PingerFunc returns a Pinger named name that calls fn, e.g. the SQLite
// store's Ping.
func PingerFunc(name string, fn func(ctx context.Context) error) Pinger {
	return &funcPinger{name: name, fn: fn}
}

func (p *funcPinger) Name() string                   { return p.name }
func (p *funcPinger) Ping(ctx context.Context) error { return p.fn(ctx) }
