package domain

import "time"

// UserRef is a weak reference to a user of the upstream API.
// The feed never owns users; it only keeps what it needs to display them.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Payload is the displayable content of a link.
type Payload struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Vote represents one user's endorsement of an Item.
type Vote struct {
	// ID is only used to deduplicate delivered vote events.
	ID string `json:"id,omitempty"`

	// Voter is the user who cast the vote.
	Voter UserRef `json:"voter"`

	// Provisional marks a locally cast vote that the upstream has not confirmed yet.
	Provisional bool `json:"provisional,omitempty"`
}

// Key returns the deduplication key of the vote.
// The voter id wins; a vote without voter falls back to its own id.
// An empty key means the vote cannot be deduplicated and must be rejected.
func (v Vote) Key() string {
	if v.Voter.ID != "" {
		return "user:" + v.Voter.ID
	}
	if v.ID != "" {
		return "vote:" + v.ID
	}
	return ""
}

// Item represents one shared link as the feed knows it.
//
// An Item is uniquely identified by its ID across every channel
// (bulk fetch, push notifications, local submissions).
type Item struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// ID is the canonical unique identifier.
	ID string `json:"id"`

	// SubmittedAt is the creation time reported by the upstream
	// (or the local clock for a provisional submission).
	SubmittedAt time.Time `json:"submitted_at"`

	// Payload is the url + description pair.
	Payload Payload `json:"payload"`

	// PostedBy is the author, if known.
	PostedBy *UserRef `json:"posted_by,omitempty"`

	// ─────────────────────────────
	// Mutable state
	// ─────────────────────────────

	// Votes is the vote set keyed by Vote.Key.
	// Its size is the only vote count used anywhere.
	Votes map[string]Vote `json:"votes,omitempty"`

	// Provisional marks a local optimistic submission that is not confirmed yet.
	Provisional bool `json:"provisional,omitempty"`
}

// VoteCount returns the size of the vote set.
func (i *Item) VoteCount() int {
	return len(i.Votes)
}

// HasVoter reports whether the given user already voted for the item.
func (i *Item) HasVoter(userID string) bool {
	_, ok := i.Votes["user:"+userID]
	return ok
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	out := *i
	if i.PostedBy != nil {
		by := *i.PostedBy
		out.PostedBy = &by
	}
	out.Votes = make(map[string]Vote, len(i.Votes))
	for k, v := range i.Votes {
		out.Votes[k] = v
	}
	return &out
}

// VoteList returns the votes of the item in a stable order (by key).
func (i *Item) VoteList() []Vote {
	keys := make([]string, 0, len(i.Votes))
	for k := range i.Votes {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := make([]Vote, 0, len(keys))
	for _, k := range keys {
		out = append(out, i.Votes[k])
	}
	return out
}

// NewItem builds an item with the given votes already keyed.
// Votes without a usable key are ignored.
func NewItem(id string, submittedAt time.Time, payload Payload, postedBy *UserRef, votes ...Vote) *Item {
	item := &Item{
		ID:          id,
		SubmittedAt: submittedAt,
		Payload:     payload,
		PostedBy:    postedBy,
		Votes:       make(map[string]Vote, len(votes)),
	}
	for _, v := range votes {
		if k := v.Key(); k != "" {
			item.Votes[k] = v
		}
	}
	return item
}
