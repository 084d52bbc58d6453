package upstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// Selection sets shared by queries and subscriptions.
const (
	linkFields = `id createdAt url description postedBy { id name } votes { id user { id name } }`
	voteFields = `id user { id name } link { ` + linkFields + ` }`
)

const (
	feedQuery = `query Feed($filter: String, $skip: Int, $take: Int, $orderBy: LinkOrderByInput) {
  feed(filter: $filter, skip: $skip, take: $take, orderBy: $orderBy) { id count links { ` + linkFields + ` } }
}`
	postMutation = `mutation Post($url: String!, $description: String!) {
  post(url: $url, description: $description) { ` + linkFields + ` }
}`
	voteMutation = `mutation Vote($linkId: ID!) {
  vote(linkId: $linkId) { ` + voteFields + ` }
}`
	newLinkSubscription = `subscription { newLink { ` + linkFields + ` } }`
	newVoteSubscription = `subscription { newVote { ` + voteFields + ` } }`
)

type userDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type voteDTO struct {
	ID   string   `json:"id"`
	User *userDTO `json:"user"`
	Link *linkDTO `json:"link,omitempty"`
}

type linkDTO struct {
	ID          string    `json:"id"`
	CreatedAt   string    `json:"createdAt"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	PostedBy    *userDTO  `json:"postedBy"`
	Votes       []voteDTO `json:"votes"`
}

type feedDTO struct {
	ID    string    `json:"id"`
	Count int       `json:"count"`
	Links []linkDTO `json:"links"`
}

func (u *userDTO) ref() domain.UserRef {
	if u == nil {
		return domain.UserRef{}
	}
	return domain.UserRef{ID: u.ID, Name: u.Name}
}

func (v voteDTO) vote() domain.Vote {
	return domain.Vote{ID: v.ID, Voter: v.User.ref()}
}

// parseTime accepts RFC 3339 strings and epoch milliseconds, both of which
// GraphQL DateTime scalars are seen with.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid createdAt %q", s)
}

func (l linkDTO) item() (*domain.Item, error) {
	if l.ID == "" {
		return nil, fmt.Errorf("link without id: %w", domain.ErrMalformedSignal)
	}
	at, err := parseTime(l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", l.ID, err)
	}

	var by *domain.UserRef
	if l.PostedBy != nil {
		ref := l.PostedBy.ref()
		by = &ref
	}

	votes := make([]domain.Vote, 0, len(l.Votes))
	for _, v := range l.Votes {
		votes = append(votes, v.vote())
	}

	return domain.NewItem(l.ID, at, domain.Payload{URL: l.URL, Description: l.Description}, by, votes...), nil
}

// orderByVars renders an OrderBy as a LinkOrderByInput, nil when unset.
func orderByVars(o domain.OrderBy) map[string]string {
	if o.Field == "" {
		return nil
	}
	dir := o.Direction
	if dir == "" {
		dir = domain.Desc
	}
	return map[string]string{o.Field: string(dir)}
}
