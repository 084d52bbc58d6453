package feed

import (
	"fmt"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// OpKind tags an Operation.
type OpKind int

const (
	OpNoop OpKind = iota
	OpInsertItem
	OpRecordVote
	// The kinds below are produced by local mutation outcomes only.
	OpRekey
	OpRevoke
	OpRevokeVote
)

func (k OpKind) String() string {
	switch k {
	case OpInsertItem:
		return "insert_item"
	case OpRecordVote:
		return "record_vote"
	case OpRekey:
		return "rekey"
	case OpRevoke:
		return "revoke"
	case OpRevokeVote:
		return "revoke_vote"
	default:
		return "noop"
	}
}

// Operation is the single internal message type applied by the Engine.
// Only the fields relevant to Kind are set.
type Operation struct {
	Kind OpKind

	// OpInsertItem, OpRekey
	Item *domain.Item

	// OpRecordVote, OpRevokeVote, OpRevoke
	ItemID string
	Vote   domain.Vote

	// OpRekey
	ProvisionalID string

	// OpRevokeVote
	VoterID string
}

func insertOp(item *domain.Item, provisional bool) Operation {
	cp := item.Clone()
	cp.Provisional = provisional
	return Operation{Kind: OpInsertItem, Item: cp}
}

func voteOp(itemID string, v domain.Vote, provisional bool) Operation {
	v.Provisional = provisional
	return Operation{Kind: OpRecordVote, ItemID: itemID, Vote: v}
}

// Normalize converts a raw signal into operations.
//
// It never panics. A signal that cannot be merged yields no operation and an
// error wrapping domain.ErrMalformedSignal; for a bulk fetch only the broken
// entries are dropped.
func Normalize(sig domain.Signal) ([]Operation, error) {
	switch s := sig.(type) {
	case domain.FetchResult:
		return bulkOps(s.Items)

	case domain.Restored:
		return bulkOps(s.Items)

	case domain.ItemCreated:
		if !validItem(s.Item) {
			return nil, fmt.Errorf("%w: created item without id", domain.ErrMalformedSignal)
		}
		return []Operation{insertOp(s.Item, false)}, nil

	case domain.VoteCast:
		itemID := s.ItemID
		if itemID == "" && s.Item != nil {
			itemID = s.Item.ID
		}
		if itemID == "" || s.Vote.Key() == "" {
			return nil, fmt.Errorf("%w: vote without item or voter", domain.ErrMalformedSignal)
		}
		ops := make([]Operation, 0, 2)
		// The upstream may send the voted item along; inserting it first lets
		// the vote land even when the creation event has not arrived yet.
		if validItem(s.Item) && s.Item.ID == itemID {
			ops = append(ops, insertOp(s.Item, false))
		}
		return append(ops, voteOp(itemID, s.Vote, false)), nil

	case domain.Submission:
		if !validItem(s.Item) {
			return nil, fmt.Errorf("%w: submission without id", domain.ErrMalformedSignal)
		}
		return []Operation{insertOp(s.Item, true)}, nil

	case domain.SubmissionConfirmed:
		if !validItem(s.Item) {
			return nil, fmt.Errorf("%w: confirmed submission without id", domain.ErrMalformedSignal)
		}
		if s.ProvisionalID != "" && s.ProvisionalID != s.Item.ID {
			cp := s.Item.Clone()
			cp.Provisional = false
			return []Operation{{Kind: OpRekey, Item: cp, ProvisionalID: s.ProvisionalID}}, nil
		}
		return []Operation{insertOp(s.Item, false)}, nil

	case domain.SubmissionFailed:
		if s.ProvisionalID == "" {
			return nil, fmt.Errorf("%w: failed submission without id", domain.ErrMalformedSignal)
		}
		return []Operation{{Kind: OpRevoke, ItemID: s.ProvisionalID}}, nil

	case domain.VoteSubmitted:
		if s.ItemID == "" || s.Vote.Key() == "" {
			return nil, fmt.Errorf("%w: local vote without item or voter", domain.ErrMalformedSignal)
		}
		return []Operation{voteOp(s.ItemID, s.Vote, true)}, nil

	case domain.VoteConfirmed:
		if s.ItemID == "" || s.Vote.Key() == "" {
			return nil, fmt.Errorf("%w: confirmed vote without item or voter", domain.ErrMalformedSignal)
		}
		return []Operation{voteOp(s.ItemID, s.Vote, false)}, nil

	case domain.VoteFailed:
		if s.ItemID == "" || s.VoterID == "" {
			return nil, fmt.Errorf("%w: failed vote without item or voter", domain.ErrMalformedSignal)
		}
		return []Operation{{Kind: OpRevokeVote, ItemID: s.ItemID, VoterID: s.VoterID}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown signal %s", domain.ErrMalformedSignal, domain.SignalName(sig))
	}
}

func bulkOps(items []*domain.Item) ([]Operation, error) {
	ops := make([]Operation, 0, len(items))
	dropped := 0
	for _, it := range items {
		if !validItem(it) {
			dropped++
			continue
		}
		ops = append(ops, insertOp(it, false))
	}
	if dropped > 0 {
		return ops, fmt.Errorf("%w: %d of %d bulk entries without id", domain.ErrMalformedSignal, dropped, len(items))
	}
	return ops, nil
}

func validItem(it *domain.Item) bool {
	return it != nil && it.ID != ""
}
