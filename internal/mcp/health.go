package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// DefaultHealthTimeout bounds all dependency checks of one request.
const DefaultHealthTimeout = 3 * time.Second

// HealthResponse represents the JSON response from the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// HealthChecker is implemented by every dependency the endpoint probes:
// vector indexes, the Redis session store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health implements HealthChecker.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// NewHealthHandler creates an HTTP handler for the /health endpoint. It
// answers 200 when every check passes and 503 otherwise.
func NewHealthHandler(timeout time.Duration, checks map[string]HealthChecker) http.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		response := HealthResponse{
			Status:    "healthy",
			Checks:    make(map[string]string, len(names)),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK

		for _, name := range names {
			if err := checks[name].Health(ctx); err != nil {
				response.Checks[name] = "disconnected"
				response.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			response.Checks[name] = "connected"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(response)
	}
}
