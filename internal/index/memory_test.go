package index

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

func item(id string, at time.Time, voters ...string) *domain.Item {
	votes := make([]domain.Vote, 0, len(voters))
	for _, v := range voters {
		votes = append(votes, domain.Vote{ID: "v-" + id + "-" + v, Voter: domain.UserRef{ID: v}})
	}
	return domain.NewItem(id, at, domain.Payload{URL: "https://" + id + ".example.com"}, nil, votes...)
}

func TestNewMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	if idx == nil {
		t.Fatal("NewMemoryIndex() returned nil")
	}
	if got := len(idx.GetAll()); got != 0 {
		t.Errorf("NewMemoryIndex() should start empty, got %v items", got)
	}
}

func TestUpsertItemDedup(t *testing.T) {
	idx := NewMemoryIndex()
	now := time.Now()

	if changed, err := idx.UpsertItem(item("x", now)); err != nil || !changed {
		t.Fatalf("UpsertItem() first insert = %v, %v, want true, nil", changed, err)
	}
	if changed, err := idx.UpsertItem(item("x", now.Add(time.Hour))); err != nil || changed {
		t.Errorf("UpsertItem() duplicate = %v, %v, want false, nil", changed, err)
	}

	all := idx.GetAll()
	if len(all) != 1 {
		t.Fatalf("GetAll() = %v items, want 1", len(all))
	}
	if !all[0].SubmittedAt.Equal(now) {
		t.Errorf("identity field changed on duplicate insert: %v, want %v", all[0].SubmittedAt, now)
	}
}

func TestUpsertItemUnionsVotes(t *testing.T) {
	idx := NewMemoryIndex()
	now := time.Now()

	_, _ = idx.UpsertItem(item("x", now, "alice"))
	changed, _ := idx.UpsertItem(item("x", now, "alice", "bob"))
	if !changed {
		t.Error("UpsertItem() with a new voter should report a change")
	}

	got, _ := idx.Get("x")
	if got.VoteCount() != 2 {
		t.Errorf("VoteCount() = %v, want 2", got.VoteCount())
	}
}

func TestUpsertVote(t *testing.T) {
	idx := NewMemoryIndex()
	_, _ = idx.UpsertItem(item("x", time.Now()))

	vote := domain.Vote{ID: "v1", Voter: domain.UserRef{ID: "alice"}}

	tests := []struct {
		name        string
		itemID      string
		vote        domain.Vote
		wantChanged bool
		wantErr     error
	}{
		{"first delivery", "x", vote, true, nil},
		{"redelivery", "x", vote, false, nil},
		{"same voter new vote id", "x", domain.Vote{ID: "v2", Voter: domain.UserRef{ID: "alice"}}, false, nil},
		{"unknown item", "nope", vote, false, domain.ErrNotFound},
		{"no key", "x", domain.Vote{}, false, domain.ErrMalformedSignal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := idx.UpsertVote(tt.itemID, tt.vote)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UpsertVote() error = %v, want %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged {
				t.Errorf("UpsertVote() changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}

	got, _ := idx.Get("x")
	if got.VoteCount() != 1 {
		t.Errorf("VoteCount() = %v, want 1", got.VoteCount())
	}
}

func TestConfirmedVoteReplacesProvisional(t *testing.T) {
	idx := NewMemoryIndex()
	_, _ = idx.UpsertItem(item("x", time.Now()))

	_, _ = idx.UpsertVote("x", domain.Vote{ID: "local", Voter: domain.UserRef{ID: "me"}, Provisional: true})
	changed, _ := idx.UpsertVote("x", domain.Vote{ID: "server", Voter: domain.UserRef{ID: "me"}})
	if !changed {
		t.Error("confirming a provisional vote should report a change")
	}

	got, _ := idx.Get("x")
	if got.VoteCount() != 1 {
		t.Fatalf("VoteCount() = %v, want 1", got.VoteCount())
	}
	v := got.Votes["user:me"]
	if v.Provisional || v.ID != "server" {
		t.Errorf("vote = %+v, want confirmed server vote", v)
	}

	if idx.RevokeVote("x", "me") {
		t.Error("RevokeVote() removed a confirmed vote")
	}
}

func TestRevoke(t *testing.T) {
	idx := NewMemoryIndex()
	now := time.Now()

	prov := item("p", now)
	prov.Provisional = true
	_, _ = idx.UpsertItem(prov)
	_, _ = idx.UpsertItem(item("c", now))

	if idx.Revoke("c") {
		t.Error("Revoke() removed a confirmed item")
	}
	if !idx.Revoke("p") {
		t.Error("Revoke() did not remove the provisional item")
	}
	if idx.Revoke("p") {
		t.Error("Revoke() twice should be a no-op")
	}
	if idx.Count() != 1 {
		t.Errorf("Count() = %v, want 1", idx.Count())
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

func TestConfirmationClearsProvisional(t *testing.T) {
	idx := NewMemoryIndex()
	local := time.Now()
	server := local.Add(-2 * time.Second)

	prov := item("p", local)
	prov.Provisional = true
	_, _ = idx.UpsertItem(prov)

	if idx.ProvisionalCount() != 1 {
		t.Fatalf("ProvisionalCount() = %v, want 1", idx.ProvisionalCount())
	}

	_, _ = idx.UpsertItem(item("p", server))

	got, _ := idx.Get("p")
	if got.Provisional {
		t.Error("confirmed copy should clear the provisional flag")
	}
	if !got.SubmittedAt.Equal(server) {
		t.Errorf("SubmittedAt = %v, want upstream time %v", got.SubmittedAt, server)
	}
	if idx.Revoke("p") {
		t.Error("Revoke() removed a confirmed item")
	}

	// A late provisional copy never flips a confirmed record back.
	_, _ = idx.UpsertItem(prov)
	got, _ = idx.Get("p")
	if got.Provisional {
		t.Error("provisional copy re-flagged a confirmed record")
	}
}

func TestRekeyCarriesVotes(t *testing.T) {
	idx := NewMemoryIndex()
	now := time.Now()

	prov := item("tmp", now)
	prov.Provisional = true
	_, _ = idx.UpsertItem(prov)
	_, _ = idx.UpsertVote("tmp", domain.Vote{ID: "v", Voter: domain.UserRef{ID: "bob"}})

	changed, err := idx.Rekey("tmp", item("42", now, "alice"))
	if err != nil || !changed {
		t.Fatalf("Rekey() = %v, %v, want true, nil", changed, err)
	}

	if idx.Has("tmp") {
		t.Error("Rekey() left the provisional record behind")
	}
	got, ok := idx.Get("42")
	if !ok {
		t.Fatal("Rekey() did not insert the confirmed record")
	}
	if got.VoteCount() != 2 {
		t.Errorf("VoteCount() = %v, want 2", got.VoteCount())
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

func TestProvisionalBefore(t *testing.T) {
	idx := NewMemoryIndex()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	idx.now = func() time.Time { return clock }

	old := item("old", base)
	old.Provisional = true
	_, _ = idx.UpsertItem(old)

	clock = base.Add(time.Minute)
	fresh := item("fresh", clock)
	fresh.Provisional = true
	_, _ = idx.UpsertItem(fresh)

	ids := idx.ProvisionalBefore(base.Add(30 * time.Second))
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("ProvisionalBefore() = %v, want [old]", ids)
	}
}

func TestGetAllReturnsSnapshot(t *testing.T) {
	idx := NewMemoryIndex()
	_, _ = idx.UpsertItem(item("x", time.Now(), "alice"))

	snapshot := idx.GetAll()
	snapshot[0].Votes["user:mallory"] = domain.Vote{Voter: domain.UserRef{ID: "mallory"}}

	got, _ := idx.Get("x")
	if got.VoteCount() != 1 {
		t.Errorf("mutating a snapshot leaked into the store, VoteCount() = %v, want 1", got.VoteCount())
	}
}

func TestConcurrentAccess(t *testing.T) {
	idx := NewMemoryIndex()
	_, _ = idx.UpsertItem(item("x", time.Now()))

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, it := range idx.GetAll() {
				_ = it.VoteCount()
			}
		}()
	}

	// Every voter delivers twice.
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			voter := fmt.Sprintf("user-%d", i%100)
			_, _ = idx.UpsertVote("x", domain.Vote{Voter: domain.UserRef{ID: voter}})
		}(i)
	}

	wg.Wait()

	got, _ := idx.Get("x")
	if got.VoteCount() != 100 {
		t.Errorf("concurrent UpsertVote() VoteCount() = %v, want 100", got.VoteCount())
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

func TestRekeyDropsProvisionalVotes(t *testing.T) {
	idx := NewMemoryIndex()
	now := time.Now()

	prov := item("tmp", now)
	prov.Provisional = true
	_, _ = idx.UpsertItem(prov)
	_, _ = idx.UpsertVote("tmp", domain.Vote{ID: "local-v", Voter: domain.UserRef{ID: "me"}, Provisional: true})
	_, _ = idx.UpsertVote("tmp", domain.Vote{ID: "v", Voter: domain.UserRef{ID: "bob"}})

	if _, err := idx.Rekey("tmp", item("42", now)); err != nil {
		t.Fatalf("Rekey() error = %v", err)
	}

	got, _ := idx.Get("42")
	if got.VoteCount() != 1 || got.HasVoter("me") {
		t.Errorf("Votes = %v, want only bob's confirmed vote", got.Votes)
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

func TestMatchProvisional(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	me := &domain.UserRef{ID: "me"}
	payload := domain.Payload{URL: "https://go.dev", Description: "Go"}

	idx := NewMemoryIndex()
	for i, id := range []string{"local-a", "local-b"} {
		idx.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		prov := domain.NewItem(id, base, payload, me)
		prov.Provisional = true
		_, _ = idx.UpsertItem(prov)
	}
	other := domain.NewItem("local-c", base, domain.Payload{URL: "https://other.dev"}, me)
	other.Provisional = true
	_, _ = idx.UpsertItem(other)

	tests := []struct {
		name   string
		item   *domain.Item
		wantID string
		wantOK bool
	}{
		{"oldest match", domain.NewItem("srv-1", base.Add(time.Second), payload, me), "local-a", true},
		{"other payload", domain.NewItem("srv-2", base, domain.Payload{URL: "https://go.dev"}, me), "", false},
		{"other author", domain.NewItem("srv-3", base, payload, &domain.UserRef{ID: "you"}), "", false},
		{"no author", domain.NewItem("srv-4", base, payload, nil), "", false},
		{"long before the submission", domain.NewItem("srv-5", base.Add(-time.Hour), payload, me), "", false},
		{"within skew", domain.NewItem("srv-6", base.Add(-time.Minute), payload, me), "local-a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := idx.MatchProvisional(tt.item, 5*time.Minute)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("MatchProvisional() = %q, %v, want %q, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}

	if !idx.IsProvisional("local-b") || idx.IsProvisional("srv-1") {
		t.Error("IsProvisional() disagrees with the inserted records")
	}
}

func TestVoteIdentityAcrossKeys(t *testing.T) {
	withVoter := domain.Vote{ID: "v9", Voter: domain.UserRef{ID: "alice"}}
	bare := domain.Vote{ID: "v9"}

	tests := []struct {
		name    string
		votes   []domain.Vote
		wantKey string
	}{
		{"voter first", []domain.Vote{withVoter, bare}, "user:alice"},
		{"bare first", []domain.Vote{bare, withVoter}, "user:alice"},
		{"bare twice", []domain.Vote{bare, bare}, "vote:v9"},
		{"same id other voter", []domain.Vote{withVoter, {ID: "v9", Voter: domain.UserRef{ID: "bob"}}}, "user:alice"},
		{"confirmation after bare push", []domain.Vote{{ID: "local-v", Voter: domain.UserRef{ID: "alice"}, Provisional: true}, bare, withVoter}, "user:alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := NewMemoryIndex()
			_, _ = idx.UpsertItem(item("x", time.Now()))
			for _, v := range tt.votes {
				if _, err := idx.UpsertVote("x", v); err != nil {
					t.Fatalf("UpsertVote() error = %v", err)
				}
			}

			got, _ := idx.Get("x")
			if got.VoteCount() != 1 {
				t.Errorf("VoteCount() = %v, want 1", got.VoteCount())
			}
			if v, ok := got.Votes[tt.wantKey]; !ok {
				t.Errorf("Votes = %v, want entry under %q", got.Votes, tt.wantKey)
			} else if v.Provisional {
				t.Errorf("Votes[%q] still provisional", tt.wantKey)
			}
			if err := idx.Verify(); err != nil {
				t.Errorf("Verify() = %v", err)
			}
		})
	}
}
