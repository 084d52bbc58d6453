package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

// fetchTimeout bounds the upstream fetch behind a page request.
const fetchTimeout = 5 * time.Second

// parseView reads ?mode= and ?page=. Missing values default to new, page 1.
func parseView(r *http.Request) (domain.OrderingMode, int, error) {
	mode := domain.Chronological
	if raw := r.URL.Query().Get("mode"); raw != "" {
		m, ok := domain.ParseMode(raw)
		if !ok {
			return 0, 0, errors.New("mode must be new or top")
		}
		mode = m
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("page must be an integer")
		}
		page = feed.ClampPage(p)
	}
	return mode, page, nil
}

// Feed serves one page of the feed, fetching it from the upstream first
// when it was never fetched. A failed fetch still serves what is known.
func Feed(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode, page, err := parseView(r)
		if err != nil {
			writeError(w, d.Logger, http.StatusBadRequest, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
		defer cancel()

		if _, err := d.Feed.RequestPage(ctx, mode, page); err != nil {
			d.Logger.Warn("page fetch failed, serving cached view",
				logger.String("mode", mode.String()),
				logger.Int("page", page),
				logger.Error(err))
			w.Header().Set("X-Feed-Stale", "true")
		}

		writeJSON(w, d.Logger, http.StatusOK, d.Feed.Snapshot(mode, page))
	}
}

type searchResponse struct {
	Query string         `json:"query"`
	Items []*domain.Item `json:"items"`
	Count int            `json:"count"`
}

// Search runs a filtered feed query.
func Search(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, d.Logger, http.StatusBadRequest, "q is required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
		defer cancel()

		items, count, err := d.Feed.Search(ctx, q)
		if err != nil {
			d.Logger.Warn("search failed", logger.String("query", q), logger.Error(err))
			writeError(w, d.Logger, http.StatusBadGateway, "search failed")
			return
		}

		d.Logger.Debug("search request",
			logger.String("query", q),
			logger.Int("matches", count))
		writeJSON(w, d.Logger, http.StatusOK, searchResponse{Query: q, Items: items, Count: count})
	}
}
