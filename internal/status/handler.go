package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/shardfleet/internal/fleet"
	"github.com/rickgao/shardfleet/internal/version"
)

// Fleet is the part of *fleet.Manager the handler needs.
type Fleet interface {
	Status(prune bool) []fleet.RunnerStatus
	QueuerStats() fleet.QueuerStats
	Restart(ctx context.Context, id uint32) error
}

// Pinger checks database connectivity. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHandler creates the HTTP handler for health and shard status.
// pinger may be nil when no database is configured.
func NewHandler(f Fleet, pinger Pinger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Version,
			Components: make(map[string]any),
		}

		// Check database
		if pinger == nil {
			health.Components["postgres"] = "disabled"
		} else if err := pinger.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		// Check shards
		stages := make(map[string]int)
		running, connected := 0, 0
		for _, st := range f.Status(false) {
			stages[st.Stage]++
			if !st.Exited {
				running++
			}
			if st.Stage == "connected" {
				connected++
			}
		}
		stats := f.QueuerStats()
		health.Components["shards"] = map[string]any{
			"running":   running,
			"connected": connected,
			"stages":    stages,
			"backlog":   stats.Backlog,
		}
		if health.Status == "healthy" && (connected < running || stats.Backlog > 0) {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("GET /shards", func(w http.ResponseWriter, r *http.Request) {
		prune := r.URL.Query().Get("prune") == "true"
		shards := f.Status(prune)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":  len(shards),
			"queuer": f.QueuerStats(),
			"shards": shards,
		})
	})

	mux.HandleFunc("POST /shards/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
		if err != nil {
			http.Error(w, "invalid shard id", http.StatusBadRequest)
			return
		}

		if err := f.Restart(r.Context(), uint32(id)); err != nil {
			if errors.Is(err, fleet.ErrUnknownShard) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if errors.Is(err, fleet.ErrShardRunning) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			logger.Warn("shard restart failed", "shard", id, "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		logger.Info("shard restart queued", "shard", id)
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}
