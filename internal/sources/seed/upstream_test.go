package seed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
)

var viewer = domain.UserRef{ID: "me", Name: "Me"}

func testUpstream() *Upstream {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewUpstream([]*domain.Item{
		domain.NewItem("1", base, domain.Payload{URL: "https://www.prisma.io", Description: "Prisma ORM"}, nil),
		domain.NewItem("2", base.Add(time.Hour), domain.Payload{URL: "https://graphql.org", Description: "GraphQL spec"}, nil),
		domain.NewItem("3", base.Add(2*time.Hour), domain.Payload{URL: "https://www.apollographql.com", Description: "Apollo client"}, nil),
	}, func() domain.UserRef { return viewer })
}

func TestFetchPage(t *testing.T) {
	up := testUpstream()

	tests := []struct {
		name      string
		req       domain.FetchRequest
		wantIDs   []string
		wantCount int
	}{
		{"newest first", domain.FetchRequest{Take: 2, OrderBy: domain.OrderBy{Field: "createdAt", Direction: domain.Desc}}, []string{"3", "2"}, 3},
		{"skip", domain.FetchRequest{Skip: 2, Take: 2, OrderBy: domain.OrderBy{Field: "createdAt", Direction: domain.Desc}}, []string{"1"}, 3},
		{"skip past end", domain.FetchRequest{Skip: 10, Take: 2}, []string{}, 3},
		{"take zero is all", domain.FetchRequest{}, []string{"1", "2", "3"}, 3},
		{"filter matches url", domain.FetchRequest{Filter: "GRAPHQL"}, []string{"2", "3"}, 2},
		{"filter matches description", domain.FetchRequest{Filter: "orm"}, []string{"1"}, 1},
		{"order by description", domain.FetchRequest{OrderBy: domain.OrderBy{Field: "description", Direction: domain.Asc}}, []string{"3", "2", "1"}, 3},
		{"order by url desc", domain.FetchRequest{OrderBy: domain.OrderBy{Field: "url", Direction: domain.Desc}}, []string{"1", "3", "2"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := up.FetchPage(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("FetchPage() error = %v", err)
			}
			if res.TotalCount != tt.wantCount {
				t.Errorf("TotalCount = %v, want %v", res.TotalCount, tt.wantCount)
			}
			got := make([]string, 0, len(res.Items))
			for _, it := range res.Items {
				got = append(got, it.ID)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("FetchPage() = %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Errorf("FetchPage() = %v, want %v", got, tt.wantIDs)
					break
				}
			}
		})
	}
}

func TestFetchPageUnknownOrder(t *testing.T) {
	_, err := testUpstream().FetchPage(context.Background(), domain.FetchRequest{OrderBy: domain.OrderBy{Field: "votes"}})
	if err == nil {
		t.Error("FetchPage() with unknown orderBy should fail")
	}
}

func TestPostLinkAssignsNextID(t *testing.T) {
	up := testUpstream()

	item, err := up.PostLink(context.Background(), domain.Payload{URL: "https://go.dev"}, "local-x")
	if err != nil {
		t.Fatalf("PostLink() error = %v", err)
	}
	if item.ID != "4" {
		t.Errorf("PostLink() id = %v, want 4", item.ID)
	}
	if item.PostedBy == nil || item.PostedBy.ID != "me" {
		t.Errorf("PostedBy = %+v, want viewer", item.PostedBy)
	}
	if up.Count() != 4 {
		t.Errorf("Count() = %v, want 4", up.Count())
	}

	if _, err := up.PostLink(context.Background(), domain.Payload{}, ""); err == nil {
		t.Error("PostLink() without url should fail")
	}
}

func TestVote(t *testing.T) {
	up := testUpstream()
	ctx := context.Background()

	v, err := up.Vote(ctx, "1")
	if err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if v.Voter.ID != "me" {
		t.Errorf("Vote() voter = %v, want me", v.Voter.ID)
	}

	if _, err := up.Vote(ctx, "1"); !errors.Is(err, domain.ErrAlreadyVoted) {
		t.Errorf("second Vote() error = %v, want %v", err, domain.ErrAlreadyVoted)
	}
	if _, err := up.Vote(ctx, "404"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Vote(unknown) error = %v, want %v", err, domain.ErrNotFound)
	}
}

func TestSourcesSplitEvents(t *testing.T) {
	up := testUpstream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcs := up.Sources()
	links := make(chan domain.Signal, 4)
	votes := make(chan domain.Signal, 4)
	go func() { _ = srcs[0].Run(ctx, links) }()
	go func() { _ = srcs[1].Run(ctx, votes) }()

	// Wait for both subscriptions.
	deadline := time.Now().Add(2 * time.Second)
	for {
		up.subsMu.Lock()
		n := len(up.subs)
		up.subsMu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sources did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, _ = up.PostLink(ctx, domain.Payload{URL: "https://go.dev"}, "")
	_, _ = up.Vote(ctx, "1")

	select {
	case s := <-links:
		if _, ok := s.(domain.ItemCreated); !ok {
			t.Errorf("links source got %s", domain.SignalName(s))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no link event")
	}
	select {
	case s := <-votes:
		vc, ok := s.(domain.VoteCast)
		if !ok || vc.ItemID != "1" || vc.Item == nil {
			t.Errorf("votes source got %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no vote event")
	}
}

// The submission is confirmed under the upstream id and the creation push
// for the same link does not duplicate it.
func TestFeedAgainstUpstream(t *testing.T) {
	up := testUpstream()
	f := feed.New(feed.Config{PageSize: 10}, feed.Deps{
		Fetcher: up,
		Sources: up.Sources(),
		Mutator: up,
		Auth:    staticAuth{},
	})
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := f.RequestPage(ctx, domain.Chronological, 1); err != nil {
		t.Fatalf("RequestPage() error = %v", err)
	}

	p, err := f.SubmitItem(ctx, domain.Payload{URL: "https://go.dev", Description: "Go"})
	if err != nil {
		t.Fatalf("SubmitItem() error = %v", err)
	}
	id, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if id != "4" {
		t.Errorf("confirmed id = %v, want 4", id)
	}

	vp, err := f.CastVote(ctx, "4")
	if err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if _, err := vp.Wait(ctx); err != nil {
		t.Fatalf("vote Wait() error = %v", err)
	}

	v := f.Snapshot(domain.Chronological, 1)
	if v.TotalCount != 4 {
		t.Errorf("TotalCount = %v, want 4", v.TotalCount)
	}
	if v.Items[0].ID != "4" || v.Items[0].VoteCount() != 1 {
		t.Errorf("top item = %v with %v votes, want 4 with 1", v.Items[0].ID, v.Items[0].VoteCount())
	}
	if err := f.Verify(); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

type staticAuth struct{}

func (staticAuth) Authenticated() bool    { return true }
func (staticAuth) Viewer() domain.UserRef { return viewer }
