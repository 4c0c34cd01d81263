package mqttloop

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// ErrWSMessageType is returned when the broker sends a text frame.
var ErrWSMessageType = errors.New("websocket: expected binary message")

// WSConn exposes a WebSocket connection as a byte stream. Every write is
// sent as one binary message; reads may split a message.
type WSConn struct {
	conn    *websocket.Conn
	pending []byte
}

// Read returns bytes of the current message, reading the next binary
// message when the current one is consumed.
func (c *WSConn) Read(b []byte) (int, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			return 0, ErrWSMessageType
		}
		c.pending = data
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends b as a binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error { return c.conn.Close() }

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// WSDialer connects to brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Scheme is "ws" or "wss". Empty means "ws".
	Scheme string

	// Path is the endpoint path, "/mqtt" by default.
	Path string

	// Header is sent with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer offering the MQTT subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
		Scheme: "ws",
		Path:   "/mqtt",
	}
}

// URL returns the endpoint for host and port.
func (d *WSDialer) URL(host string, port uint16) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = "/mqtt"
	}
	u := url.URL{Scheme: scheme, Host: joinHostPort(host, port), Path: path}
	return u.String()
}

// Dial performs the WebSocket handshake with host and port.
func (d *WSDialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL(host, port), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn}, nil
}
