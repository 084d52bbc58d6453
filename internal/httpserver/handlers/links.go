package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

type postLinkRequest struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

type pendingResponse struct {
	ProvisionalID string `json:"provisional_id"`
	ItemID        string `json:"item_id"`
	Status        string `json:"status"`
}

func validatePayload(req postLinkRequest) (domain.Payload, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return domain.Payload{}, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Payload{}, errors.New("url must be an absolute http(s) url")
	}
	return domain.Payload{URL: raw, Description: strings.TrimSpace(req.Description)}, nil
}

// mutationStatus maps feed and domain errors to HTTP statuses.
func mutationStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyVoted), errors.Is(err, domain.ErrNotConfirmed):
		return http.StatusConflict
	case errors.Is(err, feed.ErrReadOnly), errors.Is(err, feed.ErrNotStarted), errors.Is(err, feed.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// waitRequested reports whether the client asked to block until the
// upstream answers (?wait=true).
func waitRequested(r *http.Request) bool {
	return r.URL.Query().Get("wait") == "true"
}

func respondPending(w http.ResponseWriter, r *http.Request, d deps.Deps, p *feed.Pending) {
	if !waitRequested(r) {
		writeJSON(w, d.Logger, http.StatusAccepted, pendingResponse{ProvisionalID: p.ProvisionalID, Status: "pending"})
		return
	}

	itemID, err := p.Wait(r.Context())
	if err != nil {
		status := mutationStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, d.Logger, status, err.Error())
		return
	}
	writeJSON(w, d.Logger, http.StatusCreated, pendingResponse{ProvisionalID: p.ProvisionalID, ItemID: itemID, Status: "confirmed"})
}

// PostLink submits a link. The provisional item shows up in views at once.
func PostLink(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postLinkRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
			writeError(w, d.Logger, http.StatusBadRequest, "invalid json body")
			return
		}
		payload, err := validatePayload(req)
		if err != nil {
			writeError(w, d.Logger, http.StatusBadRequest, err.Error())
			return
		}

		p, err := d.Feed.SubmitItem(r.Context(), payload)
		if err != nil {
			writeError(w, d.Logger, mutationStatus(err), err.Error())
			return
		}

		d.Logger.Info("link submitted",
			logger.String("provisional_id", p.ProvisionalID),
			logger.String("url", payload.URL))
		respondPending(w, r, d, p)
	}
}

// Vote casts the viewer's vote for the link in the path.
func Vote(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		p, err := d.Feed.CastVote(r.Context(), id)
		if err != nil {
			writeError(w, d.Logger, mutationStatus(err), err.Error())
			return
		}

		d.Logger.Info("vote cast", logger.String("item_id", id))
		respondPending(w, r, d, p)
	}
}
