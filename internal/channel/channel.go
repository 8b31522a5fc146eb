package channel

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"matchsync/internal/models"
)

type MatchListener func(*models.Match)
type GameStateListener func(*models.GameState)

// Transport is the part of the connection manager the channel rides on.
type Transport interface {
	Send(env models.Envelope) error
	OnPush(fn func(models.Envelope))
	OnConnected(fn func())
}

type handle struct {
	active atomic.Bool
	match  MatchListener
	game   GameStateListener
}

type topic struct {
	matchSubs []*handle
	gameSubs  []*handle
	match     MatchState
	game      GameView
}

func (t *topic) empty() bool {
	return len(t.matchSubs) == 0 && len(t.gameSubs) == 0
}

// Channel fans push updates out to per-match listeners in registration order.
// Delivery is at-least-once from the transport; listeners only ever see
// snapshots newer than the last one delivered for that match.
type Channel struct {
	transport Transport
	logger    *zap.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

func New(t Transport, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{transport: t, logger: logger, topics: make(map[string]*topic)}
	t.OnPush(c.onPush)
	t.OnConnected(c.resubscribe)
	return c
}

// SubscribeToMatch registers fn for match snapshots. The newest snapshot
// already held, if any, is delivered right away.
func (c *Channel) SubscribeToMatch(matchID string, fn MatchListener) (unsubscribe func()) {
	h := &handle{match: fn}
	tp, first := c.register(matchID, h, func(tp *topic) { tp.matchSubs = append(tp.matchSubs, h) })
	if first {
		c.send(models.TypeSubscribe, matchID)
	}
	if cur := tp.match.Current(); cur != nil && h.active.Load() {
		fn(cur)
	}
	return func() { c.unregister(matchID, h) }
}

func (c *Channel) SubscribeToGameState(matchID string, fn GameStateListener) (unsubscribe func()) {
	h := &handle{game: fn}
	tp, first := c.register(matchID, h, func(tp *topic) { tp.gameSubs = append(tp.gameSubs, h) })
	if first {
		c.send(models.TypeSubscribe, matchID)
	}
	if cur := tp.game.Current(); cur != nil && h.active.Load() {
		fn(cur)
	}
	return func() { c.unregister(matchID, h) }
}

func (c *Channel) register(matchID string, h *handle, add func(*topic)) (*topic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.active.Store(true)

	tp, ok := c.topics[matchID]
	if !ok {
		tp = &topic{}
		c.topics[matchID] = tp
	}
	add(tp)
	return tp, !ok
}

// unregister is idempotent. Once it returns the listener is never invoked again.
func (c *Channel) unregister(matchID string, h *handle) {
	if !h.active.Swap(false) {
		return
	}
	c.mu.Lock()
	tp, ok := c.topics[matchID]
	if !ok {
		c.mu.Unlock()
		return
	}
	tp.matchSubs = without(tp.matchSubs, h)
	tp.gameSubs = without(tp.gameSubs, h)
	last := tp.empty()
	if last {
		delete(c.topics, matchID)
	}
	c.mu.Unlock()

	if last {
		c.send(models.TypeUnsubscribe, matchID)
	}
}

func without(hs []*handle, h *handle) []*handle {
	out := hs[:0]
	for _, x := range hs {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

// Subscribed lists the matches with at least one listener.
func (c *Channel) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.topics))
	for id := range c.topics {
		ids = append(ids, id)
	}
	return ids
}

func (c *Channel) send(typ, matchID string) {
	if err := c.transport.Send(models.Envelope{Type: typ, MatchID: matchID}); err != nil {
		// Not connected yet; resubscribe runs once the session is up.
		c.logger.Debug("subscription deferred", zap.String("type", typ), zap.String("match_id", matchID), zap.Error(err))
	}
}

func (c *Channel) resubscribe() {
	for _, id := range c.Subscribed() {
		c.send(models.TypeSubscribe, id)
	}
}

func (c *Channel) onPush(env models.Envelope) {
	switch env.Type {
	case models.TypeMatchUpdate:
		var m models.Match
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			c.logger.Warn("bad match update", zap.Error(err))
			return
		}
		c.deliverMatch(&m)
	case models.TypeGameStateUpdate:
		var u models.GameStateUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil || u.Snapshot == nil {
			c.logger.Warn("bad game state update", zap.Error(err))
			return
		}
		if u.Snapshot.MatchID == "" {
			u.Snapshot.MatchID = u.MatchID
		}
		c.deliverGame(u.Snapshot)
	case models.TypeError:
		c.logger.Warn("relay error", zap.String("match_id", env.MatchID), zap.String("error", env.Error))
	}
}

func (c *Channel) deliverMatch(m *models.Match) {
	c.mu.Lock()
	tp, ok := c.topics[m.ID]
	var subs []*handle
	if ok {
		subs = append(subs, tp.matchSubs...)
	}
	c.mu.Unlock()
	if !ok || !tp.match.Apply(m) {
		return
	}
	for _, h := range subs {
		if h.active.Load() {
			h.match(m.Clone())
		}
	}
}

func (c *Channel) deliverGame(st *models.GameState) {
	c.mu.Lock()
	tp, ok := c.topics[st.MatchID]
	var subs []*handle
	if ok {
		subs = append(subs, tp.gameSubs...)
	}
	c.mu.Unlock()
	if !ok || !tp.game.Apply(st) {
		return
	}
	for _, h := range subs {
		if h.active.Load() {
			h.game(tp.game.Current())
		}
	}
}
