package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcegraph/conc"
)

const defaultProbeTimeout = 5 * time.Second

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ComponentStatus is the health of one dependency.
type ComponentStatus struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// HealthChecker runs all probes concurrently and reports the available operations.
type HealthChecker struct {
	probes  []Probe
	tools   []string
	timeout time.Duration
}

// NewHealthChecker creates a checker. tools lists operation names in registry order.
func NewHealthChecker(tools []string, probes ...Probe) *HealthChecker {
	return &HealthChecker{probes: probes, tools: tools, timeout: defaultProbeTimeout}
}

// Check runs every probe and returns the per-component status and whether all passed.
func (c *HealthChecker) Check(ctx context.Context) (map[string]ComponentStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]ComponentStatus, len(c.probes))
		healthy = true
		wg      conc.WaitGroup
	)
	for _, p := range c.probes {
		wg.Go(func() {
			status := ComponentStatus{Status: "ok"}
			if err := p.Check(ctx); err != nil {
				status = ComponentStatus{Status: "error", Details: err.Error()}
			}
			mu.Lock()
			defer mu.Unlock()
			results[p.Name] = status
			if status.Status != "ok" {
				healthy = false
			}
		})
	}
	wg.Wait()
	return results, healthy
}

// ServeHTTP handles GET /health.
func (c *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	results, healthy := c.Check(r.Context())

	body := map[string]any{
		"status": "ok",
		"tools":  c.tools,
	}
	if !healthy {
		body["status"] = "degraded"
	}
	for name, status := range results {
		body[name] = status
	}
	JSON(w, http.StatusOK, body)
}

// RegisterRoutes mounts /health.
func (c *HealthChecker) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/health", c)
}
