package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"matchsync/internal/identity"
)

// Credentials bind an identity to the token presented in the handshake.
type Credentials struct {
	identity.Identity
	Token string
}

func (c Credentials) Valid() bool {
	return !c.Identity.Empty() && c.Token != ""
}

// Conn is one transport instance. Writes are serialized by the Manager.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

const (
	// DefaultReadTimeout outlasts two relay ping intervals.
	DefaultReadTimeout = 60 * time.Second
	maxMessageSize     = 1 << 20
	pongWriteWait      = 5 * time.Second
)

// WebsocketDialer dials the relay's /ws endpoint with a bearer token.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
	// ReadTimeout bounds silence on the wire. The relay pings well inside it,
	// so expiry means the session is half-open.
	ReadTimeout time.Duration
}

func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		URL: url,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		ReadTimeout: DefaultReadTimeout,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, res, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("failed to connect to relay (http %d): %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return newWSConn(conn, d.ReadTimeout), nil
}

// wsConn extends the read deadline on every frame, pings included.
type wsConn struct {
	*websocket.Conn
	wait time.Duration
}

func newWSConn(conn *websocket.Conn, wait time.Duration) *wsConn {
	if wait <= 0 {
		wait = DefaultReadTimeout
	}
	c := &wsConn{Conn: conn, wait: wait}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c
}

func (c *wsConn) ReadJSON(v interface{}) error {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.wait)); err != nil {
		return err
	}
	return c.Conn.ReadJSON(v)
}
