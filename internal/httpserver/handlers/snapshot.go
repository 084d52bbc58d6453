package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

type triggerResponse struct {
	Triggered bool   `json:"triggered"`
	Message   string `json:"message"`
}

// Snapshot triggers a manual snapshot flush.
func Snapshot(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.SnapshotTrigger == nil {
			writeError(w, d.Logger, http.StatusNotFound, "snapshots are disabled")
			return
		}

		select {
		case d.SnapshotTrigger <- struct{}{}:
			d.Logger.Info("manual snapshot triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, d.Logger, http.StatusAccepted, triggerResponse{Triggered: true, Message: "snapshot triggered"})
		default:
			d.Logger.Warn("snapshot already pending",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, d.Logger, http.StatusTooManyRequests, triggerResponse{Message: "snapshot already pending, please wait"})
		}
	}
}
