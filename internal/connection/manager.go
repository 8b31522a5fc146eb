package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"matchsync/internal/metrics"
	"matchsync/internal/models"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrUnauthenticated = errors.New("no credentials presented")
	ErrExhausted       = errors.New("connect attempts exhausted")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{MaxAttempts: 3, RetryDelay: 2 * time.Second, ConnectTimeout: 10 * time.Second}
}

// Manager owns the single live transport session for one user. Every
// connect, reconnect or disconnect bumps a generation; retry loops and
// readers from an older generation stop touching state.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	creds       Credentials
	conn        Conn
	state       State
	attempts    int
	lastErr     error
	gen         uint64
	cancelLoop  context.CancelFunc
	pending     map[string]chan models.CallResult
	pushHooks   []func(models.Envelope)
	onConnected []func()

	writeMu sync.Mutex
}

func NewManager(dialer Dialer, opts Options, logger *zap.Logger) *Manager {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:  dialer,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]chan models.CallResult),
	}
}

// Connect tears down any prior session and connects as creds. It reports
// false on missing credentials, exhausted retries or timeout; a retry that
// succeeds after the timeout still brings the session up.
func (m *Manager) Connect(ctx context.Context, creds Credentials) bool {
	if !creds.Valid() {
		m.mu.Lock()
		m.lastErr = ErrUnauthenticated
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	m.teardownLocked()
	m.creds = creds
	m.attempts = 0
	done := m.startLoopLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case ok := <-done:
		return ok
	case <-timer.C:
		m.logger.Warn("connect timed out", zap.String("user_id", creds.UserID))
		return false
	case <-ctx.Done():
		return false
	}
}

// Reconnect resets the attempt counter and connects again with the last
// credentials, superseding any automatic retry in flight.
func (m *Manager) Reconnect(ctx context.Context) bool {
	m.mu.Lock()
	creds := m.creds
	m.attempts = 0
	m.mu.Unlock()
	return m.Connect(ctx, creds)
}

// Disconnect releases the session and resets attempt state. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnPush registers a handler for server-pushed envelopes.
func (m *Manager) OnPush(fn func(models.Envelope)) {
	m.mu.Lock()
	m.pushHooks = append(m.pushHooks, fn)
	m.mu.Unlock()
}

// OnConnected registers a hook run after every successful connect.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// Call sends a request and waits for its result.
func (m *Manager) Call(ctx context.Context, method string, payload interface{}) (models.CallResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.CallResult{}, err
	}
	id := uuid.New().String()
	ch := make(chan models.CallResult, 1)

	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return models.CallResult{}, ErrNotConnected
	}
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.Send(models.Envelope{Type: models.TypeCall, ID: id, Method: method, Payload: raw}); err != nil {
		return models.CallResult{}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return models.CallResult{}, ErrNotConnected
		}
		return res, nil
	case <-ctx.Done():
		return models.CallResult{}, ctx.Err()
	}
}

// Send writes one envelope on the live session.
func (m *Manager) Send(env models.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// teardownLocked supersedes the current generation.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.failPendingLocked()
}

func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

func (m *Manager) startLoopLocked() <-chan bool {
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel
	m.state = Connecting
	done := make(chan bool, 1)
	go m.connectLoop(ctx, gen, m.creds, done)
	return done
}

func (m *Manager) connectLoop(ctx context.Context, gen uint64, creds Credentials, done chan<- bool) {
	log := m.logger.With(zap.String("user_id", creds.UserID))
	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		conn, err := m.dialer.Dial(ctx, creds)
		metrics.ConnectionAttempt(err == nil)

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			m.conn = conn
			m.state = Connected
			m.attempts = 0
			m.lastErr = nil
			m.cancelLoop = nil
			hooks := append([]func(){}, m.onConnected...)
			m.mu.Unlock()

			log.Info("connected to relay", zap.Int("attempt", attempt))
			go m.readLoop(gen, conn)
			done <- true
			for _, fn := range hooks {
				fn()
			}
			return
		}

		m.lastErr = err
		if attempt >= m.opts.MaxAttempts {
			m.state = Disconnected
			m.cancelLoop = nil
			m.lastErr = errors.Join(ErrExhausted, err)
			m.mu.Unlock()
			log.Warn("giving up on relay connection", zap.Int("attempt", attempt), zap.Error(err))
			done <- false
			return
		}
		m.mu.Unlock()

		log.Debug("connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.RetryDelay):
		}
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	q := newPushQueue()
	go q.run(m.deliverPush)
	defer q.close()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.dropped(gen, conn, err)
			return
		}

		if env.Type == models.TypeResult {
			m.mu.Lock()
			ch, ok := m.pending[env.ID]
			if ok {
				delete(m.pending, env.ID)
			}
			m.mu.Unlock()
			if ok {
				ch <- models.CallResult{Success: env.Success, Payload: env.Payload, Error: env.Error}
			}
			continue
		}
		q.put(env)
	}
}

func (m *Manager) deliverPush(env models.Envelope) {
	m.mu.Lock()
	hooks := append([]func(models.Envelope){}, m.pushHooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(env)
	}
}

// pushQueue hands pushes to the hooks on their own goroutine in arrival
// order. A hook may call back into the Manager without stalling results.
type pushQueue struct {
	mu     sync.Mutex
	items  []models.Envelope
	closed bool
	wake   chan struct{}
}

func newPushQueue() *pushQueue {
	return &pushQueue{wake: make(chan struct{}, 1)}
}

func (q *pushQueue) put(env models.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.signal()
}

// close lets run drain what is queued, then return.
func (q *pushQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *pushQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *pushQueue) run(deliver func(models.Envelope)) {
	for {
		q.mu.Lock()
		items, closed := q.items, q.closed
		q.items = nil
		q.mu.Unlock()

		for _, env := range items {
			deliver(env)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// dropped resumes a session the transport lost, within the same retry bound.
func (m *Manager) dropped(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.conn != conn {
		return
	}
	m.logger.Warn("relay connection dropped", zap.String("user_id", m.creds.UserID), zap.Error(err))
	conn.Close()
	m.conn = nil
	m.lastErr = err
	m.failPendingLocked()
	m.gen++
	m.attempts = 0
	m.startLoopLocked()
}
