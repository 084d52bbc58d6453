package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/metrics"
	"github.com/MrSnakeDoc/linkfeed/internal/version"
)

// Subprotocol is the Apollo subscriptions transport spoken by the API.
const Subprotocol = "graphql-ws"

// graphql-ws message types
const (
	msgConnectionInit  = "connection_init"
	msgConnectionAck   = "connection_ack"
	msgConnectionError = "connection_error"
	msgKeepAlive       = "ka"
	msgStart           = "start"
	msgData            = "data"
	msgError           = "error"
	msgComplete        = "complete"
)

// ErrSubscriptionClosed is returned when the server completes a subscription.
var ErrSubscriptionClosed = errors.New("subscription completed by server")

// SubscriptionSettings tune the WebSocket transport.
type SubscriptionSettings struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	// ReadTimeout must exceed the server keep-alive interval.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Subscriptions opens the push channels of the API.
type Subscriptions struct {
	url      string
	token    TokenSource
	dialer   *websocket.Dialer
	settings SubscriptionSettings
	log      logger.Logger
}

// NewSubscriptions targets the WebSocket url (ws:// or wss://).
func NewSubscriptions(url string, token TokenSource, settings SubscriptionSettings, log logger.Logger) *Subscriptions {
	if token == nil {
		token = StaticToken("")
	}
	return &Subscriptions{
		url:   url,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		settings: settings,
		log:      log.With(logger.String("component", "subscriptions")),
	}
}

// Sources returns the new-link and new-vote channels.
func (s *Subscriptions) Sources() []feed.Source {
	return []feed.Source{s.NewLinks(), s.NewVotes()}
}

// NewLinks yields an ItemCreated per link created upstream.
func (s *Subscriptions) NewLinks() feed.Source {
	return &subscriptionSource{
		name:  "new-links",
		query: newLinkSubscription,
		subs:  s,
		decode: func(data json.RawMessage) (domain.Signal, error) {
			var p struct {
				NewLink linkDTO `json:"newLink"`
			}
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			it, err := p.NewLink.item()
			if err != nil {
				return nil, err
			}
			return domain.ItemCreated{Item: it}, nil
		},
	}
}

// NewVotes yields a VoteCast per vote recorded upstream. The voted link is
// carried along when the payload includes it.
func (s *Subscriptions) NewVotes() feed.Source {
	return &subscriptionSource{
		name:  "new-votes",
		query: newVoteSubscription,
		subs:  s,
		decode: func(data json.RawMessage) (domain.Signal, error) {
			var p struct {
				NewVote voteDTO `json:"newVote"`
			}
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			if p.NewVote.Link == nil {
				return nil, fmt.Errorf("vote %s without link: %w", p.NewVote.ID, domain.ErrMalformedSignal)
			}
			sig := domain.VoteCast{ItemID: p.NewVote.Link.ID, Vote: p.NewVote.vote()}
			if it, err := p.NewVote.Link.item(); err == nil {
				sig.Item = it
			}
			return sig, nil
		},
	}
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dataPayload struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type subscriptionSource struct {
	name   string
	query  string
	subs   *Subscriptions
	decode func(json.RawMessage) (domain.Signal, error)
}

func (ss *subscriptionSource) Name() string { return ss.name }

// Run holds one subscription open. It does not reconnect: any transport
// failure ends Run with an error.
func (ss *subscriptionSource) Run(ctx context.Context, out chan<- domain.Signal) error {
	s := ss.subs
	log := s.log.With(logger.String("source", ss.name))

	ws, _, err := s.dialer.DialContext(ctx, s.url, http.Header{"User-Agent": {version.UserAgent()}})
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer func() { _ = ws.Close() }()

	// Unblock ReadMessage when the feed stops.
	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.settings.WriteTimeout))
		_ = ws.Close()
	})
	defer stop()

	if err := ss.handshake(ws); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	log.Info("subscription started")

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		var msg wsMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case msgKeepAlive:
			continue
		case msgData:
			sig, err := ss.decodeData(msg.Payload)
			if err != nil {
				metrics.MalformedSignals.Inc()
				log.Warn("dropping malformed event", logger.Error(err))
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		case msgError, msgConnectionError:
			return fmt.Errorf("%w: %s", ErrGraphQL, msg.Payload)
		case msgComplete:
			return ErrSubscriptionClosed
		default:
			log.Debug("ignoring message", logger.String("type", msg.Type))
		}
	}
}

func (ss *subscriptionSource) handshake(ws *websocket.Conn) error {
	s := ss.subs

	init := wsMessage{Type: msgConnectionInit}
	if tok := s.token.Token(); tok != "" {
		init.Payload, _ = json.Marshal(map[string]string{"authToken": tok})
	}
	if err := ss.write(ws, init); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.settings.AckTimeout))
	for {
		var msg wsMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			payload, _ := json.Marshal(map[string]string{"query": ss.query})
			return ss.write(ws, wsMessage{ID: "1", Type: msgStart, Payload: payload})
		case msgKeepAlive:
			continue
		case msgConnectionError:
			return fmt.Errorf("connection rejected: %s", msg.Payload)
		default:
			return fmt.Errorf("unexpected %q before ack", msg.Type)
		}
	}
}

func (ss *subscriptionSource) write(ws *websocket.Conn, msg wsMessage) error {
	_ = ws.SetWriteDeadline(time.Now().Add(ss.subs.settings.WriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (ss *subscriptionSource) decodeData(raw json.RawMessage) (domain.Signal, error) {
	var p dataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(p.Errors) > 0 {
		return nil, joinErrors(p.Errors)
	}
	return ss.decode(p.Data)
}
