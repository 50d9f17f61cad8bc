package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HealthChecker probes the configured chat backend without generating text.
// Only Ollama exposes a cheap unauthenticated probe; hosted backends are
// assumed reachable and report healthy.
type HealthChecker struct {
	cfg    *Config
	client *http.Client
}

// NewHealthChecker returns a HealthChecker for cfg.
func NewHealthChecker(cfg *Config) *HealthChecker {
	return &HealthChecker{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
}

// HealthCheck returns nil when the backend answers.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	if h.cfg.Backend != BackendOllama {
		return nil
	}

	url := strings.TrimRight(h.cfg.Ollama.Host, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: ollama unreachable at %s: %w", h.cfg.Ollama.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider: ollama health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
