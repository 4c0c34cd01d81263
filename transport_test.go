package mqttloop

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenerPort(t *testing.T, l net.Listener) uint16 {
	t.Helper()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func TestTCPDialer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	conn, err := dialer.Dial(context.Background(), "127.0.0.1", listenerPort(t, listener))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestTCPDialerTimeout(t *testing.T) {
	dialer := &TCPDialer{Timeout: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// TEST-NET-1 never answers
	_, err := dialer.Dial(ctx, "192.0.2.1", 1883)
	assert.Error(t, err)
}

func TestTCPDialerContextCancel(t *testing.T) {
	dialer := &TCPDialer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialer.Dial(ctx, "127.0.0.1", 1883)
	assert.Error(t, err)
}

func TestDialerFunc(t *testing.T) {
	var gotHost string
	var gotPort uint16
	client, server := net.Pipe()
	defer server.Close()

	d := DialerFunc(func(_ context.Context, host string, port uint16) (net.Conn, error) {
		gotHost, gotPort = host, port
		return client, nil
	})

	conn, err := d.Dial(context.Background(), "broker", 8883)
	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, "broker", gotHost)
	assert.Equal(t, uint16(8883), gotPort)
	conn.Close()
}

func TestJoinHostPort(t *testing.T) {
	tests := []struct {
		host string
		port uint16
		want string
	}{
		{"broker", 1883, "broker:1883"},
		{"127.0.0.1", 0, "127.0.0.1:0"},
		{"::1", 8883, "[::1]:8883"},
		{"", 65535, ":65535"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, joinHostPort(tt.host, tt.port))
		})
	}
}
