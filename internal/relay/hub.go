package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"matchsync/internal/gamestate"
	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	"matchsync/internal/metrics"
	"matchsync/internal/models"
)

const (
	matchUpdatesChannel = "match_updates"
	gameUpdatesChannel  = "game_updates"

	sendBuffer     = 64
	writeTimeout   = 10 * time.Second
	callTimeout    = 10 * time.Second
	pingInterval   = 25 * time.Second
	pongWait       = 2 * pingInterval
	maxMessageSize = 64 << 10
)

// event is what instances exchange over Redis pub/sub.
type event struct {
	InstanceID string            `json:"instanceId"`
	Match      *models.Match     `json:"match,omitempty"`
	Game       *models.GameState `json:"game,omitempty"`
}

// Hub is the transport server: one websocket per user, calls dispatched to
// the state machine, and snapshots fanned out to players and watchers on
// every instance.
type Hub struct {
	machine    *lifecycle.Machine
	games      *gamestate.Store
	tokens     *identity.Tokens
	rdb        *redis.Client
	logger     *zap.Logger
	instanceID string
	upgrader   websocket.Upgrader
	pingEvery  time.Duration
	pongWait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	clients  map[string]*client
	watchers map[string]map[*client]struct{}
}

func NewHub(machine *lifecycle.Machine, games *gamestate.Store, tokens *identity.Tokens, rdb *redis.Client, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		machine:    machine,
		games:      games,
		tokens:     tokens,
		rdb:        rdb,
		instanceID: uuid.New().String(),
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		pingEvery:  pingInterval,
		pongWait:   pongWait,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*client),
		watchers:   make(map[string]map[*client]struct{}),
	}
	h.logger = logger.With(zap.String("instance", h.instanceID))
	return h
}

// AllowOrigins builds the upgrader's origin check. "*" allows every origin;
// requests without an Origin header come from non-browser clients and pass.
func AllowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Start subscribes to the cross-instance update channels. It returns once the
// subscription is confirmed.
func (h *Hub) Start() error {
	sub := h.rdb.Subscribe(h.ctx, matchUpdatesChannel, gameUpdatesChannel)
	if _, err := sub.Receive(h.ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to relay updates: %w", err)
	}
	go h.consume(sub)
	h.logger.Info("relay subscribed to updates")
	return nil
}

func (h *Hub) consume(sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn("bad relay event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			// Local sockets were served when the update was published.
			if ev.InstanceID == h.instanceID {
				continue
			}
			switch {
			case ev.Match != nil:
				h.deliverMatch(ev.Match)
			case ev.Game != nil:
				h.deliverGame(ev.Game)
			}
		}
	}
}

// Close stops the subscriber and drops every socket.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// PublishMatch delivers a snapshot locally and to the other instances.
func (h *Hub) PublishMatch(ctx context.Context, m *models.Match) error {
	h.deliverMatch(m)
	return h.publish(ctx, matchUpdatesChannel, event{InstanceID: h.instanceID, Match: m})
}

func (h *Hub) PublishGame(ctx context.Context, st *models.GameState) error {
	h.deliverGame(st)
	return h.publish(ctx, gameUpdatesChannel, event{InstanceID: h.instanceID, Game: st})
}

func (h *Hub) publish(ctx context.Context, channel string, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}
	return h.rdb.Publish(ctx, channel, data).Err()
}

func (h *Hub) deliverMatch(m *models.Match) {
	env, err := pushEnvelope(models.TypeMatchUpdate, m.ID, m)
	if err != nil {
		h.logger.Warn("encode match update", zap.Error(err))
		return
	}
	for _, c := range h.recipients(m.ID, m.WhiteID, m.BlackID) {
		c.enqueue(env)
	}
}

func (h *Hub) deliverGame(st *models.GameState) {
	env, err := pushEnvelope(models.TypeGameStateUpdate, st.MatchID, models.GameStateUpdate{MatchID: st.MatchID, Snapshot: st})
	if err != nil {
		h.logger.Warn("encode game update", zap.Error(err))
		return
	}
	var white, black *string
	if m, err := h.machine.Get(h.ctx, st.MatchID); err == nil {
		white, black = m.WhiteID, m.BlackID
	}
	for _, c := range h.recipients(st.MatchID, white, black) {
		c.enqueue(env)
	}
}

// recipients are the match's watchers plus its players, each once.
func (h *Hub) recipients(matchID string, players ...*string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]struct{})
	var out []*client
	add := func(c *client) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for c := range h.watchers[matchID] {
		add(c)
	}
	for _, p := range players {
		if p == nil {
			continue
		}
		if c, ok := h.clients[*p]; ok {
			add(c)
		}
	}
	return out
}

func pushEnvelope(typ, matchID string, payload interface{}) (models.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{Type: typ, MatchID: matchID, Payload: raw}, nil
}

// register makes c the user's only socket, closing any earlier one.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	prev := h.clients[c.id.UserID]
	h.clients[c.id.UserID] = c
	h.mu.Unlock()

	metrics.RelayConnected()
	if prev != nil {
		h.logger.Info("superseding previous session", zap.String("user_id", c.id.UserID))
		prev.close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id.UserID] == c {
		delete(h.clients, c.id.UserID)
	}
	for matchID := range c.subs {
		h.unwatchLocked(matchID, c)
	}
	h.mu.Unlock()
	metrics.RelayDisconnected()
}

func (h *Hub) watch(matchID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[matchID]
	if !ok {
		set = make(map[*client]struct{})
		h.watchers[matchID] = set
	}
	set[c] = struct{}{}
	c.subs[matchID] = struct{}{}
}

func (h *Hub) unwatch(matchID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unwatchLocked(matchID, c)
}

func (h *Hub) unwatchLocked(matchID string, c *client) {
	delete(c.subs, matchID)
	if set, ok := h.watchers[matchID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, matchID)
		}
	}
}

// Connected reports whether userID has a socket on this instance.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}
