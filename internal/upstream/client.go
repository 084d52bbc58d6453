// Package upstream talks to the links GraphQL API: bulk queries and
// mutations over HTTP, push subscriptions over WebSocket.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/version"
)

// DefaultTimeout bounds one HTTP round trip.
const DefaultTimeout = 10 * time.Second

// ErrGraphQL wraps errors reported in a GraphQL response body.
var ErrGraphQL = errors.New("graphql error")

// TokenSource supplies the bearer token of each request.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Client runs queries and mutations over HTTP POST.
type Client struct {
	endpoint string
	token    TokenSource
	http     *http.Client
	log      logger.Logger
}

// NewClient creates a client for endpoint. token may be nil for
// anonymous reads.
func NewClient(endpoint string, token TokenSource, log logger.Logger) *Client {
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: DefaultTimeout},
		log:      log.With(logger.String("component", "upstream")),
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func joinErrors(errs []gqlError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if tok := c.token.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var gr gqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return joinErrors(gr.Errors)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// FetchPage runs the feed query. Links that cannot be mapped are skipped
// and logged; the count still reports the upstream total.
func (c *Client) FetchPage(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	vars := map[string]any{
		"skip": req.Skip,
		"take": req.Take,
	}
	if req.Filter != "" {
		vars["filter"] = req.Filter
	}
	if ob := orderByVars(req.OrderBy); ob != nil {
		vars["orderBy"] = ob
	}

	var data struct {
		Feed feedDTO `json:"feed"`
	}
	if err := c.do(ctx, feedQuery, vars, &data); err != nil {
		return domain.FetchResult{}, fmt.Errorf("feed query: %w", err)
	}

	items := make([]*domain.Item, 0, len(data.Feed.Links))
	for _, l := range data.Feed.Links {
		it, err := l.item()
		if err != nil {
			c.log.Warn("skipping link", logger.Error(err))
			continue
		}
		items = append(items, it)
	}

	return domain.FetchResult{
		Request:    req,
		Items:      items,
		TotalCount: data.Feed.Count,
	}, nil
}

// PostLink runs the post mutation. The API assigns its own id, so clientID
// is only logged for correlation.
func (c *Client) PostLink(ctx context.Context, payload domain.Payload, clientID string) (*domain.Item, error) {
	var data struct {
		Post linkDTO `json:"post"`
	}
	vars := map[string]any{"url": payload.URL, "description": payload.Description}
	if err := c.do(ctx, postMutation, vars, &data); err != nil {
		return nil, fmt.Errorf("post mutation: %w", err)
	}

	item, err := data.Post.item()
	if err != nil {
		return nil, fmt.Errorf("post mutation: %w", err)
	}
	c.log.Debug("link posted",
		logger.String("client_id", clientID),
		logger.String("item_id", item.ID))
	return item, nil
}

// Vote runs the vote mutation for itemID.
func (c *Client) Vote(ctx context.Context, itemID string) (domain.Vote, error) {
	var data struct {
		Vote voteDTO `json:"vote"`
	}
	if err := c.do(ctx, voteMutation, map[string]any{"linkId": itemID}, &data); err != nil {
		if strings.Contains(err.Error(), "Already voted") {
			return domain.Vote{}, fmt.Errorf("link %s: %w", itemID, domain.ErrAlreadyVoted)
		}
		return domain.Vote{}, fmt.Errorf("vote mutation: %w", err)
	}
	return data.Vote.vote(), nil
}
