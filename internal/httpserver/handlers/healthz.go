package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/version"
)

// healthz is liveness only: it answers 200 while the process serves HTTP,
// even before the first page arrived. Readiness lives in /readyz.
type healthzResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Build         version.Info `json:"build"`
	Ready         bool         `json:"ready"`
	Items         int          `json:"items"`
	LastChange    time.Time    `json:"last_change,omitzero"`
}

func Healthz(d deps.Deps) http.HandlerFunc {
	now := d.TimeNow
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{
			Status:        "ok",
			UptimeSeconds: now().Sub(d.StartTime).Seconds(),
			Build:         d.Build,
		}
		if d.Feed != nil {
			st := d.Feed.Stats()
			resp.Ready = st.Ready
			resp.Items = st.Items
			resp.LastChange = st.LastChange
		}
		writeJSON(w, d.Logger, http.StatusOK, resp)
	}
}
