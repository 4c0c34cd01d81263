package mqttloop

import (
	"context"
	"net"
)

// UnixDialer connects to brokers over Unix domain sockets. The host passed
// to Dial is the socket path; the port is ignored.
type UnixDialer struct{}

// NewUnixDialer creates a new Unix socket dialer.
func NewUnixDialer() *UnixDialer {
	return &UnixDialer{}
}

// Dial connects to the socket file at path.
func (d *UnixDialer) Dial(ctx context.Context, path string, _ uint16) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", path)
}
