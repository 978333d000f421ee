package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/response"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/cache"
)

const healthTimeout = 2 * time.Second

// Pinger is anything that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports cache activity.
type StatsSource interface {
	Stats() cache.Stats
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. The
// store and cache are pinged; stats, when non-nil, are included as-is.
func NewHealthHandler(db, c Pinger, stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{
			"store": "ok",
			"cache": "ok",
		}
		if err := db.Ping(ctx); err != nil {
			checks["store"] = "degraded"
		}
		if c != nil {
			if err := c.Ping(ctx); err != nil {
				checks["cache"] = "degraded"
			}
		}

		body := map[string]any{"status": "ok", "services": checks}
		if stats != nil {
			body["cache_stats"] = stats.Stats()
		}

		if checks["store"] != "ok" || checks["cache"] != "ok" {
			body["status"] = "degraded"
			response.Status(w, http.StatusServiceUnavailable, body)
			return
		}
		response.JSON(w, body)
	}
}
