package routes

import (
	"net/http"
	"slices"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

func TestGroupsRegistered(t *testing.T) {
	groups := Groups()
	for _, want := range []string{"feed", "stream", "infra", "links"} {
		if !slices.Contains(groups, want) {
			t.Errorf("Groups() = %v, missing %q", groups, want)
		}
	}
}

func TestRegisterAllMountsRoutes(t *testing.T) {
	r := chi.NewRouter()
	RegisterAll(r, deps.Deps{Logger: logger.NewNop()})

	var got []string
	err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+route)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	for _, want := range []string{
		"GET /healthz",
		"GET /readyz",
		"GET /infra",
		"GET /metrics",
		"POST /api/snapshot",
		"GET /api/feed",
		"GET /api/search",
		"GET /api/feed/ws",
		"POST /api/links",
		"POST /api/links/{id}/votes",
	} {
		if !slices.Contains(got, want) {
			t.Errorf("route %q not mounted; have %v", want, got)
		}
	}
}
