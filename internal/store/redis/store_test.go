package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), s
}

func testItem(id string, voters ...string) *domain.Item {
	votes := make([]domain.Vote, 0, len(voters))
	for _, v := range voters {
		votes = append(votes, domain.Vote{ID: "v-" + v, Voter: domain.UserRef{ID: v}})
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.NewItem(id, at, domain.Payload{URL: "https://" + id + ".dev", Description: id}, &domain.UserRef{ID: "author"}, votes...)
}

func TestSaveAndGetItem(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveItem(ctx, testItem("x", "alice", "bob")); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	got, err := store.GetItem(ctx, "x")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if got.VoteCount() != 2 {
		t.Errorf("VoteCount() = %v, want 2", got.VoteCount())
	}
	if !got.HasVoter("alice") {
		t.Error("GetItem() lost a voter")
	}
	if got.PostedBy == nil || got.PostedBy.ID != "author" {
		t.Errorf("PostedBy = %+v, want author", got.PostedBy)
	}

	_, err = store.GetItem(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetItem(missing) error = %v, want %v", err, domain.ErrNotFound)
	}
}

func TestSaveItemRejectsProvisional(t *testing.T) {
	store, _ := setupTestStore(t)

	item := testItem("p")
	item.Provisional = true
	if err := store.SaveItem(context.Background(), item); err == nil {
		t.Error("SaveItem() of a provisional item should fail")
	}
}

func TestSaveManyAndLoadAll(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	prov := testItem("p")
	prov.Provisional = true

	n, err := store.SaveMany(ctx, []*domain.Item{testItem("a"), testItem("b", "alice"), prov})
	if err != nil {
		t.Fatalf("SaveMany() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SaveMany() wrote %v items, want 2", n)
	}

	items, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("LoadAll() = %v items, want 2", len(items))
	}
	for _, it := range items {
		if it.ID == "p" {
			t.Error("LoadAll() returned a provisional item")
		}
	}

	at, size, err := store.LastSnapshot(ctx)
	if err != nil {
		t.Fatalf("LastSnapshot() error = %v", err)
	}
	if at.IsZero() || size != 2 {
		t.Errorf("LastSnapshot() = %v, %v, want non-zero time and 2", at, size)
	}
}

func TestLoadAllPrunesExpired(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	store.WithTTL(time.Minute)

	if _, err := store.SaveMany(ctx, []*domain.Item{testItem("a")}); err != nil {
		t.Fatalf("SaveMany() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if err := store.SaveItem(ctx, testItem("b")); err != nil {
		t.Fatalf("SaveItem() error = %v", err)
	}

	items, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Errorf("LoadAll() = %v items, want only b", len(items))
	}

	members, _ := mr.SMembers(AllItemsKey())
	if len(members) != 1 {
		t.Errorf("index set = %v, want expired id pruned", members)
	}
}

func TestDeleteItem(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	_ = store.SaveItem(ctx, testItem("x"))
	if err := store.DeleteItem(ctx, "x"); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	if mr.Exists(ItemKey("x")) {
		t.Error("DeleteItem() left the item key")
	}
}

func TestLoadAllEmpty(t *testing.T) {
	store, _ := setupTestStore(t)

	items, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("LoadAll() = %v items, want 0", len(items))
	}
}

func TestExtractItemID(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{ItemKey("42"), "42", false},
		{KeyPrefixItem, "", true},
		{"other:42", "", true},
	}

	for _, tt := range tests {
		got, err := ExtractItemID(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractItemID(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ExtractItemID(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
