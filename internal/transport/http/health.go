package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func handleHealth(logger *slog.Logger, checks []HealthCheck) http.HandlerFunc {
	type result struct {
		Status string `json:"status"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := map[string]result{"service": {Status: "ok"}}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				logger.Error("health check failed", "name", c.Name, "error", err)
				results[c.Name] = result{Status: "error"}
				status = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = result{Status: "ok"}
		}
		writeJSON(w, status, results)
	}
}
