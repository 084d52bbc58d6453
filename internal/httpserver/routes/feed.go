package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/handlers"
)

func init() {
	Register("feed", registerFeed, middleware.Timeout(10*time.Second))
	// The stream outlives any request timeout.
	Register("stream", registerStream)
}

func registerFeed(r chi.Router, d deps.Deps) {
	r.Get("/api/feed", handlers.Feed(d))
	r.Get("/api/search", handlers.Search(d))
}

func registerStream(r chi.Router, d deps.Deps) {
	r.Get("/api/feed/ws", handlers.Stream(d))
}
