package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

// Pinger is any dependency with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks every dependency in checks and answers
// SERVICE_DEGRADED when one of them is down.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		services := make(map[string]string, len(checks))
		degraded := false
		for _, name := range names {
			services[name] = "ok"
			if err := checks[name].Ping(ctx); err != nil {
				services[name] = "degraded"
				degraded = true
				slog.Warn("health check failed", "service", name, "error", err)
			}
		}

		if degraded {
			response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.ServiceDegraded))
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
