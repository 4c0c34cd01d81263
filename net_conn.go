package mqttloop

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Conn bridge defaults.
const (
	DefaultConnReadChunk = 4096
	DefaultConnHighWater = 64 * 1024
)

type connSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn      net.Conn
	dialing   bool
	dialed    bool
	dialErr   error
	inbound   []byte
	readErr   error
	outbound  []byte
	writeErr  error
	closed    bool
	writeCond *sync.Cond
}

// ConnNet is a NetBSP that drives a blocking Dialer from goroutines: one
// dials, one reads and one writes per socket. The dispatcher goroutine
// only moves bytes between buffers, so no call blocks. Use it for
// transports that have no raw descriptor such as WebSocket, QUIC and
// proxies.
type ConnNet struct {
	dialer      Dialer
	dialTimeout time.Duration
	readChunk   int
	highWater   int

	mu     sync.Mutex
	next   Socket
	socks  map[Socket]*connSocket
	notify chan struct{}
	wake   chan struct{}
}

// NewConnNet creates a bridge over dialer. A nil dialer dials TCP.
func NewConnNet(dialer Dialer) *ConnNet {
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	return &ConnNet{
		dialer:    dialer,
		readChunk: DefaultConnReadChunk,
		highWater: DefaultConnHighWater,
		socks:     make(map[Socket]*connSocket),
		notify:    make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
	}
}

// SetDialTimeout bounds every dial. Zero means no bound.
func (n *ConnNet) SetDialTimeout(d time.Duration) { n.dialTimeout = d }

func (n *ConnNet) signal() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *ConnNet) socket(s Socket) (*connSocket, bool) {
	cs, ok := n.socks[s]
	return cs, ok && !cs.closed
}

// CreateSocket allocates a socket.
func (n *ConnNet) CreateSocket() (Socket, Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.next
	n.next++
	cs := &connSocket{}
	cs.writeCond = sync.NewCond(&n.mu)
	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	n.socks[s] = cs
	return s, StatusOK
}

// Connect starts dialing in the background.
func (n *ConnNet) Connect(s Socket, host string, port uint16) Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	cs, ok := n.socket(s)
	if !ok {
		return StatusInvalidParameter
	}
	if cs.dialing || cs.dialed {
		return StatusSocketConnectionError
	}
	cs.dialing = true
	go n.dial(cs, host, port)
	return StatusWantWrite
}

func (n *ConnNet) dial(cs *connSocket, host string, port uint16) {
	ctx := cs.ctx
	if n.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.dialTimeout)
		defer cancel()
	}
	conn, err := n.dialer.Dial(ctx, host, port)

	n.mu.Lock()
	cs.dialing = false
	cs.dialed = true
	cs.dialErr = err
	if err == nil && cs.closed {
		conn.Close()
		err = net.ErrClosed
	}
	if err == nil {
		cs.conn = conn
		go n.readLoop(cs, conn)
		go n.writeLoop(cs, conn)
	}
	n.mu.Unlock()
	n.signal()
}

func (n *ConnNet) readLoop(cs *connSocket, conn net.Conn) {
	buf := make([]byte, n.readChunk)
	for {
		k, err := conn.Read(buf)

		n.mu.Lock()
		if k > 0 {
			cs.inbound = append(cs.inbound, buf[:k]...)
		}
		if err != nil && cs.readErr == nil {
			cs.readErr = err
		}
		n.mu.Unlock()
		n.signal()

		if err != nil {
			return
		}
	}
}

func (n *ConnNet) writeLoop(cs *connSocket, conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for {
		for len(cs.outbound) == 0 && !cs.closed {
			cs.writeCond.Wait()
		}
		if cs.closed {
			return
		}
		chunk := cs.outbound
		cs.outbound = nil

		n.mu.Unlock()
		_, err := conn.Write(chunk)
		n.mu.Lock()

		if err != nil {
			cs.writeErr = err
			n.signal()
			return
		}
		n.signal()
	}
}

// ConnectionCheck reports the dial result.
func (n *ConnNet) ConnectionCheck(s Socket, _ string, _ uint16) Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	cs, ok := n.socket(s)
	switch {
	case !ok:
		return StatusInvalidParameter
	case !cs.dialed:
		return StatusWantWrite
	case cs.dialErr != nil:
		return StatusSocketConnectionError
	default:
		return StatusOK
	}
}

func streamStatus(err error, fallback Status) Status {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return StatusConnectionResetByPeer
	}
	return fallback
}

// Write queues p for the writer goroutine. It answers StatusWantWrite once
// the queue holds more than the high-water mark.
func (n *ConnNet) Write(s Socket, p []byte) (int, Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cs, ok := n.socket(s)
	if !ok || cs.conn == nil {
		return 0, StatusInvalidParameter
	}
	if cs.writeErr != nil {
		return 0, streamStatus(cs.writeErr, StatusSocketWriteError)
	}
	room := n.highWater - len(cs.outbound)
	if room <= 0 {
		return 0, StatusWantWrite
	}
	k := min(room, len(p))
	cs.outbound = append(cs.outbound, p[:k]...)
	cs.writeCond.Signal()
	return k, StatusOK
}

// Read copies received bytes into p.
func (n *ConnNet) Read(s Socket, p []byte) (int, Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cs, ok := n.socket(s)
	if !ok || cs.conn == nil {
		return 0, StatusInvalidParameter
	}
	if len(cs.inbound) > 0 {
		k := copy(p, cs.inbound)
		cs.inbound = cs.inbound[k:]
		if len(cs.inbound) == 0 {
			cs.inbound = nil
		}
		return k, StatusOK
	}
	if cs.readErr != nil {
		return 0, streamStatus(cs.readErr, StatusSocketReadError)
	}
	return 0, StatusWantRead
}

// Close stops the goroutines and closes the connection.
func (n *ConnNet) Close(s Socket) Status {
	n.mu.Lock()
	cs, ok := n.socks[s]
	if !ok {
		n.mu.Unlock()
		return StatusElementNotFound
	}
	delete(n.socks, s)
	cs.closed = true
	cs.cancel()
	cs.writeCond.Broadcast()
	conn := cs.conn
	n.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return StatusSocketError
		}
	}
	return StatusOK
}

func (n *ConnNet) ready(reqs []SelectRequest) bool {
	found := false
	for i := range reqs {
		req := &reqs[i]
		req.Ready = 0
		cs, ok := n.socket(req.Socket)
		if !ok {
			continue
		}
		if req.Events&EventRead != 0 && (len(cs.inbound) > 0 || cs.readErr != nil) {
			req.Ready |= EventRead
		}
		if req.Events&EventConnect != 0 && cs.dialed {
			req.Ready |= EventConnect
		}
		if req.Events&EventWrite != 0 && cs.dialed &&
			(cs.writeErr != nil || cs.dialErr != nil || len(cs.outbound) < n.highWater) {
			req.Ready |= EventWrite
		}
		if cs.dialErr != nil || cs.writeErr != nil {
			req.Ready |= EventError
		}
		if req.Ready != 0 {
			found = true
		}
	}
	return found
}

// Select waits until a requested event is ready, Wakeup is called or the
// timeout passes. A negative timeout waits without bound.
func (n *ConnNet) Select(reqs []SelectRequest, timeout time.Duration) Status {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		n.mu.Lock()
		ok := n.ready(reqs)
		n.mu.Unlock()
		if ok {
			return StatusOK
		}

		select {
		case <-n.notify:
		case <-n.wake:
			return StatusOK
		case <-deadline:
			return StatusOK
		}
	}
}

// Wakeup interrupts a Select in progress.
func (n *ConnNet) Wakeup() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
