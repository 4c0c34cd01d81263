package mqttloop

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Dialer opens a blocking stream connection to a broker. ConnNet turns any
// Dialer into a non-blocking NetBSP.
type Dialer interface {
	// Dial connects to host and port.
	Dial(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, host string, port uint16) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	return f(ctx, host, port)
}

// TCPDialer connects to brokers over plain TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// KeepAlive is the TCP keepalive period. Zero uses the system default.
	KeepAlive time.Duration
}

// Dial connects to host and port.
func (d *TCPDialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
	return dialer.DialContext(ctx, "tcp", joinHostPort(host, port))
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
