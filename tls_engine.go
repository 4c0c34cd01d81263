package mqttloop

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// cryptoTLSEngine runs a crypto/tls client over an in-memory connection.
// The tls.Conn lives on its own goroutine because its API blocks; every
// call into the engine waits until that goroutine has consumed all fed
// ciphertext and is parked waiting for more, which makes the engine
// behave like a non-blocking state machine to the caller.
type cryptoTLSEngine struct {
	mu   sync.Mutex
	cond *sync.Cond

	in      []byte
	out     []byte
	plain   []byte
	waiting bool
	closed  bool

	started       bool
	handshakeDone bool
	handshakeErr  error
	readErr       error
	done          bool

	conn *tls.Conn
}

// NewCryptoTLSEngine creates a client-side TLSEngine using cfg.
func NewCryptoTLSEngine(cfg *tls.Config) TLSEngine {
	e := &cryptoTLSEngine{}
	e.cond = sync.NewCond(&e.mu)
	e.conn = tls.Client(memConn{e}, cfg)
	return e
}

func (e *cryptoTLSEngine) run() {
	err := e.conn.Handshake()

	e.mu.Lock()
	e.handshakeDone = err == nil
	e.handshakeErr = err
	if err != nil {
		e.done = true
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	if err != nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := e.conn.Read(buf)

		e.mu.Lock()
		e.plain = append(e.plain, buf[:n]...)
		if err != nil {
			e.readErr = err
			e.done = true
		}
		e.cond.Broadcast()
		e.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// settle blocks until the session goroutine has nothing left to process.
// Caller holds e.mu.
func (e *cryptoTLSEngine) settle() {
	for !e.done && (!e.waiting || len(e.in) > 0) {
		e.cond.Wait()
	}
}

func (e *cryptoTLSEngine) Handshake() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		e.started = true
		go e.run()
	}
	e.settle()

	switch {
	case e.handshakeErr != nil:
		return StatusTLSError
	case e.handshakeDone:
		return StatusOK
	default:
		return StatusWantRead
	}
}

func (e *cryptoTLSEngine) Feed(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.in = append(e.in, p...)
	e.cond.Broadcast()
	if e.started {
		e.settle()
	}
}

func (e *cryptoTLSEngine) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.out) == 0 {
		return nil
	}
	out := e.out
	e.out = nil
	return out
}

func (e *cryptoTLSEngine) Read(p []byte) (int, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return n, StatusOK
	}

	switch {
	case e.readErr == nil:
		return 0, StatusWantRead
	case errors.Is(e.readErr, io.EOF):
		return 0, StatusConnectionResetByPeer
	default:
		return 0, StatusTLSError
	}
}

func (e *cryptoTLSEngine) Write(p []byte) (int, Status) {
	e.mu.Lock()
	ready := e.handshakeDone && !e.closed
	e.mu.Unlock()
	if !ready {
		return 0, StatusTLSError
	}

	n, err := e.conn.Write(p)
	if err != nil {
		return n, StatusTLSError
	}
	return n, StatusOK
}

func (e *cryptoTLSEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.plain)
}

func (e *cryptoTLSEngine) Close() Status {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return StatusOK
	}
	started := e.started
	e.mu.Unlock()

	var err error
	if started {
		err = e.conn.Close()
	}

	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	if err != nil {
		return StatusTLSError
	}
	return StatusOK
}

// memConn is the net.Conn seen by tls.Conn. Reads block on the engine
// condition until ciphertext is fed or the engine is closed.
type memConn struct {
	e *cryptoTLSEngine
}

func (c memConn) Read(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.in) == 0 && !e.closed {
		e.waiting = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.waiting = false

	if len(e.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, e.in)
	e.in = e.in[n:]
	return n, nil
}

func (c memConn) Write(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()

	e.out = append(e.out, p...)
	return len(p), nil
}

func (c memConn) Close() error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.cond.Broadcast()
	return nil
}

func (memConn) LocalAddr() net.Addr                { return memAddr{} }
func (memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (memConn) SetDeadline(_ time.Time) error      { return nil }
func (memConn) SetReadDeadline(_ time.Time) error  { return nil }
func (memConn) SetWriteDeadline(_ time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }
