package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Impact string `json:"impact,omitempty"`
	Error  string `json:"error,omitempty"`
}

type infraResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
	Store      feed.Stats                 `json:"store"`
}

func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := d.Feed.Stats()

		components := map[string]componentStatus{
			"upstream": checkUpstream(d, stats),
			"snapshot": checkSnapshot(r.Context(), d),
		}

		writeJSON(w, d.Logger, http.StatusOK, infraResponse{
			Status:     overallStatus(components),
			Components: components,
			Store:      stats,
		})
	}
}

func overallStatus(components map[string]componentStatus) string {
	if up, ok := components["upstream"]; ok && !up.OK {
		return "critical" // no first page = nothing to show
	}
	if snap, ok := components["snapshot"]; ok && !snap.OK {
		return "degraded" // restarts start cold
	}
	return "ok"
}

func checkUpstream(d deps.Deps, stats feed.Stats) componentStatus {
	if !stats.Ready {
		return componentStatus{
			OK:     false,
			Mode:   d.UpstreamKind,
			Impact: "feed-empty",
			Error:  "no page received yet",
		}
	}
	return componentStatus{OK: true, Mode: d.UpstreamKind}
}

func checkSnapshot(ctx context.Context, d deps.Deps) componentStatus {
	if d.Snapshot == nil {
		return componentStatus{OK: true, Mode: "disabled", Impact: "cold-start"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.Snapshot.Ping(ctx); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   d.Snapshot.Name(),
			Impact: "snapshots-failing",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Mode: d.Snapshot.Name()}
}
