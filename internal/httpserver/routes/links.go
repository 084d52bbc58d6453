package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/mw"
)

func init() { Register("links", registerLinks) }

func registerLinks(r chi.Router, d deps.Deps) {
	limited := r.With(mw.RateLimit(mw.RateLimitConfig{
		PerSecond:  d.MutationRate,
		Burst:      d.MutationBurst,
		MaxEntries: 10000,
		TrustProxy: d.TrustProxy,
	}))
	limited.Post("/api/links", handlers.PostLink(d))
	limited.Post("/api/links/{id}/votes", handlers.Vote(d))
}
