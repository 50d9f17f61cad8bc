package vectordb

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// ProbeFunc reports whether the backing service answers. It returns nil when
// the service is ready.
type ProbeFunc func(ctx context.Context) error

// QdrantProber probes Qdrant with its native HealthCheck RPC. It holds its own
// client so it can run before any store connects.
type QdrantProber struct {
	client *qdrant.Client
}

// NewQdrantProber creates a client for the Qdrant gRPC endpoint. The client
// connects lazily, so construction succeeds while the server is still down.
func NewQdrantProber(host string, port int, apiKey string, useTLS bool) (*QdrantProber, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectordb: create qdrant probe client: %w", err)
	}
	return &QdrantProber{client: client}, nil
}

// Probe calls the Qdrant HealthCheck RPC.
func (p *QdrantProber) Probe(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the probe client.
func (p *QdrantProber) Close() error {
	return p.client.Close()
}

// WaitReady calls probe every interval until it succeeds, timeout elapses, or
// ctx is done. On timeout the returned error wraps ErrNotReady and the last
// probe failure.
func WaitReady(ctx context.Context, probe ProbeFunc, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		if last = probe(ctx); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("vectordb: wait for readiness: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %w", ErrNotReady, timeout, last)
		case <-ticker.C:
		}
	}
}
