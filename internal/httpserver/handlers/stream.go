package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/linkfeed/internal/feed"
	"github.com/MrSnakeDoc/linkfeed/internal/httpserver/deps"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 25 * time.Second
)

// pageRequest is the only message a stream client sends.
type pageRequest struct {
	Page int `json:"page"`
}

// Stream pushes views of one ordering mode over a WebSocket. The client
// moves between pages by sending {"page": N}.
func Stream(d deps.Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		mode, page, err := parseView(r)
		if err != nil {
			writeError(w, d.Logger, http.StatusBadRequest, err.Error())
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Logger.Debug("websocket upgrade failed", logger.Error(err))
			return
		}
		defer func() { _ = ws.Close() }()

		sub := d.Feed.SubscribeToView(mode)
		defer sub.Close()

		log := d.Logger.With(
			logger.String("stream_mode", mode.String()),
			logger.String("remote_ip", r.RemoteAddr))
		log.Debug("view stream opened")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		movePage(ctx, d, log, sub, page)
		go readPageRequests(ctx, cancel, ws, d, log, sub)

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Debug("view stream closed")
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := ws.WriteJSON(v); err != nil {
					log.Debug("view stream write failed", logger.Error(err))
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					return
				}
			}
		}
	}
}

func movePage(ctx context.Context, d deps.Deps, log logger.Logger, sub *feed.Subscription, page int) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	if _, err := d.Feed.RequestPage(fctx, sub.Mode(), page, sub); err != nil {
		log.Warn("page fetch failed", logger.Int("page", page), logger.Error(err))
	}
}

// readPageRequests is the only reader of ws. It cancels the stream when
// the client goes away.
func readPageRequests(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, d deps.Deps, log logger.Logger, sub *feed.Subscription) {
	defer cancel()

	_ = ws.SetReadDeadline(time.Now().Add(streamPongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})

	for {
		var req pageRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(streamPongTimeout))
		movePage(ctx, d, log, sub, feed.ClampPage(req.Page))
	}
}
