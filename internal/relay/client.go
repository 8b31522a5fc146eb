package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"matchsync/internal/identity"
	"matchsync/internal/models"
	"matchsync/internal/utils"
)

type client struct {
	id   identity.Identity
	conn *websocket.Conn
	hub  *Hub
	send chan models.Envelope
	done chan struct{}
	once sync.Once

	// guarded by hub.mu
	subs map[string]struct{}
}

// enqueue never blocks the publisher; a client that cannot keep up is dropped
// and resumes by reconnecting.
func (c *client) enqueue(env models.Envelope) {
	select {
	case <-c.done:
	case c.send <- env:
	default:
		c.hub.logger.Warn("send buffer full, dropping session", zap.String("user_id", c.id.UserID))
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.hub.logger.Debug("ping failed", zap.String("user_id", c.id.UserID), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// WsHandler authenticates before upgrading, so a bad token gets a plain 401.
func (h *Hub) WsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.tokens.FromRequest(r)
	if err != nil {
		utils.WriteJSON(w, http.StatusUnauthorized, models.Resp{OK: false, Info: err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade error", zap.Error(err))
		return
	}

	c := &client{
		id:   id,
		conn: conn,
		hub:  h,
		send: make(chan models.Envelope, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	h.register(c)
	h.logger.Info("websocket connected", zap.String("user_id", id.UserID))
	go c.writePump()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("user_id", id.UserID), zap.Error(err))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		h.handleEnvelope(c, env)
	}

	c.close()
	h.unregister(c)
	h.logger.Info("websocket disconnected", zap.String("user_id", id.UserID))
}

func (h *Hub) handleEnvelope(c *client, env models.Envelope) {
	switch env.Type {
	case models.TypeCall:
		c.enqueue(h.dispatch(c.id, env))
	case models.TypeSubscribe:
		if env.MatchID == "" {
			c.enqueue(models.Envelope{Type: models.TypeError, Error: "matchId required"})
			return
		}
		h.watch(env.MatchID, c)
		h.sendSnapshots(c, env.MatchID)
	case models.TypeUnsubscribe:
		h.unwatch(env.MatchID, c)
	default:
		c.enqueue(models.Envelope{Type: models.TypeError, ID: env.ID, Error: "unknown message type " + env.Type})
	}
}

// sendSnapshots lets a (re)subscribing client converge on current state.
func (h *Hub) sendSnapshots(c *client, matchID string) {
	m, err := h.machine.Get(h.ctx, matchID)
	if err != nil {
		h.unwatch(matchID, c)
		c.enqueue(models.Envelope{Type: models.TypeError, MatchID: matchID, Error: err.Error()})
		return
	}
	if env, err := pushEnvelope(models.TypeMatchUpdate, matchID, m); err == nil {
		c.enqueue(env)
	}
	st, err := h.games.Get(h.ctx, matchID)
	if err != nil {
		return
	}
	if env, err := pushEnvelope(models.TypeGameStateUpdate, matchID, models.GameStateUpdate{MatchID: matchID, Snapshot: st}); err == nil {
		c.enqueue(env)
	}
}
