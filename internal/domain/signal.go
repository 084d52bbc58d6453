package domain

// Signal is anything that can flow into the feed pipeline:
// a bulk fetch response, a push event, or a local mutation result.
type Signal interface {
	signalName() string
}

// SignalName returns a short name for logs and metrics.
func SignalName(s Signal) string {
	if s == nil {
		return "nil"
	}
	return s.signalName()
}

// SortDirection of an upstream orderBy clause.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// OrderBy mirrors the upstream LinkOrderByInput: one field, one direction.
// Field is one of "createdAt", "description", "url". Empty means upstream default.
type OrderBy struct {
	Field     string        `json:"field,omitempty"`
	Direction SortDirection `json:"direction,omitempty"`
}

// FetchRequest is one bulk page request.
type FetchRequest struct {
	Filter  string  `json:"filter,omitempty"`
	Skip    int     `json:"skip"`
	Take    int     `json:"take"`
	OrderBy OrderBy `json:"order_by"`
}

// FetchResult is the response of a bulk fetch.
type FetchResult struct {
	Request    FetchRequest
	Items      []*Item
	TotalCount int
}

func (FetchResult) signalName() string { return "fetch" }

// ItemCreated is delivered by the creation push channel.
type ItemCreated struct {
	Item *Item
}

func (ItemCreated) signalName() string { return "item_created" }

// VoteCast is delivered by the vote push channel.
// Item may carry the full voted item when the upstream sends it along.
type VoteCast struct {
	ItemID string
	Vote   Vote
	Item   *Item
}

func (VoteCast) signalName() string { return "vote_cast" }

// Submission is a local optimistic post, inserted before the upstream answers.
type Submission struct {
	Item *Item
}

func (Submission) signalName() string { return "submission" }

// SubmissionConfirmed is the upstream answer to a Submission.
// Item.ID may differ from ProvisionalID when the upstream assigns its own ids.
type SubmissionConfirmed struct {
	ProvisionalID string
	Item          *Item
}

func (SubmissionConfirmed) signalName() string { return "submission_confirmed" }

// SubmissionFailed revokes a provisional post.
type SubmissionFailed struct {
	ProvisionalID string
	Err           error
}

func (SubmissionFailed) signalName() string { return "submission_failed" }

// VoteSubmitted is a local optimistic vote.
type VoteSubmitted struct {
	ItemID string
	Vote   Vote
}

func (VoteSubmitted) signalName() string { return "vote_submitted" }

// VoteConfirmed is the upstream answer to a VoteSubmitted.
type VoteConfirmed struct {
	ItemID string
	Vote   Vote
}

func (VoteConfirmed) signalName() string { return "vote_confirmed" }

// VoteFailed revokes a provisional vote.
type VoteFailed struct {
	ItemID  string
	VoterID string
	Err     error
}

func (VoteFailed) signalName() string { return "vote_failed" }

// Restored carries items loaded from a local snapshot at startup.
// It merges like a bulk fetch but says nothing about the upstream.
type Restored struct {
	Items []*Item
}

func (Restored) signalName() string { return "restored" }
