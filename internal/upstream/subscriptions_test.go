package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

// fakeAPI accepts one graphql-ws subscription and replays events.
func fakeAPI(t *testing.T, events []string, gotToken chan<- string) string {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		var init wsMessage
		if err := ws.ReadJSON(&init); err != nil || init.Type != msgConnectionInit {
			t.Errorf("first message = %+v, %v, want connection_init", init, err)
			return
		}
		var p map[string]string
		_ = json.Unmarshal(init.Payload, &p)
		if gotToken != nil {
			gotToken <- p["authToken"]
		}
		_ = ws.WriteJSON(wsMessage{Type: msgKeepAlive})
		_ = ws.WriteJSON(wsMessage{Type: msgConnectionAck})

		var start wsMessage
		if err := ws.ReadJSON(&start); err != nil || start.Type != msgStart {
			t.Errorf("second message = %+v, %v, want start", start, err)
			return
		}

		for _, e := range events {
			_ = ws.WriteJSON(wsMessage{ID: start.ID, Type: msgData, Payload: json.RawMessage(e)})
		}
		_ = ws.WriteJSON(wsMessage{ID: start.ID, Type: msgComplete})
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSettings() SubscriptionSettings {
	s := DefaultSubscriptionSettings()
	s.ReadTimeout = 2 * time.Second
	return s
}

func collect(t *testing.T, run func(context.Context, chan<- domain.Signal) error) ([]domain.Signal, error) {
	t.Helper()
	out := make(chan domain.Signal, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, out)
	close(out)

	var sigs []domain.Signal
	for s := range out {
		sigs = append(sigs, s)
	}
	return sigs, err
}

func TestNewLinks(t *testing.T) {
	token := make(chan string, 1)
	url := fakeAPI(t, []string{
		`{"data":{"newLink":{"id":"7","createdAt":"2024-05-01T10:00:00Z","url":"https://g.dev","description":"g","votes":[]}}}`,
		`{"data":{"newLink":{"id":"","createdAt":"2024-05-01T10:00:00Z","url":"x","description":"x","votes":[]}}}`,
		`{"data":null,"errors":[{"message":"boom"}]}`,
	}, token)

	subs := NewSubscriptions(url, StaticToken("tok"), testSettings(), logger.NewNop())
	sigs, err := collect(t, subs.NewLinks().Run)

	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Run() error = %v, want %v", err, ErrSubscriptionClosed)
	}
	if got := <-token; got != "tok" {
		t.Errorf("authToken = %q, want tok", got)
	}
	if len(sigs) != 1 {
		t.Fatalf("signals = %v, want 1 (malformed events dropped)", len(sigs))
	}
	created, ok := sigs[0].(domain.ItemCreated)
	if !ok || created.Item.ID != "7" {
		t.Errorf("signal = %#v, want ItemCreated for 7", sigs[0])
	}
}

func TestNewVotes(t *testing.T) {
	url := fakeAPI(t, []string{
		`{"data":{"newVote":{"id":"v1","user":{"id":"u2"},"link":{"id":"7","createdAt":"2024-05-01T10:00:00Z","url":"https://g.dev","description":"g","votes":[{"id":"v1","user":{"id":"u2"}}]}}}}`,
		`{"data":{"newVote":{"id":"v2","user":{"id":"u3"}}}}`,
	}, nil)

	subs := NewSubscriptions(url, nil, testSettings(), logger.NewNop())
	sigs, err := collect(t, subs.NewVotes().Run)

	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Run() error = %v, want %v", err, ErrSubscriptionClosed)
	}
	if len(sigs) != 1 {
		t.Fatalf("signals = %v, want 1 (vote without link dropped)", len(sigs))
	}
	vc, ok := sigs[0].(domain.VoteCast)
	if !ok {
		t.Fatalf("signal = %#v, want VoteCast", sigs[0])
	}
	if vc.ItemID != "7" || vc.Vote.Voter.ID != "u2" || vc.Item == nil || vc.Item.VoteCount() != 1 {
		t.Errorf("VoteCast = %+v, want vote of u2 on 7 carrying the link", vc)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var m wsMessage
		_ = ws.ReadJSON(&m)
		_ = ws.WriteJSON(wsMessage{Type: msgConnectionAck})
		for {
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	subs := NewSubscriptions("ws"+strings.TrimPrefix(srv.URL, "http"), nil, testSettings(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subs.NewLinks().Run(ctx, make(chan domain.Signal)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestDialFailure(t *testing.T) {
	subs := NewSubscriptions("ws://127.0.0.1:1/graphql", nil, testSettings(), logger.NewNop())
	if err := subs.NewLinks().Run(context.Background(), make(chan domain.Signal)); err == nil {
		t.Error("Run() should fail when the API is unreachable")
	}
}
