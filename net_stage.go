package mqttloop

import "github.com/eapache/queue"

// DefaultReadSize is the size of the buffer handed to NetBSP.Read.
const DefaultReadSize = 1024

type netConnectStep uint8

const (
	netStepCreate netConnectStep = iota
	netStepConnecting
	netStepConnected
)

// NetStage owns the socket. It sits at the wire end of the chain: it
// connects, writes queued buffers in order and confirms each one with
// StatusWritten, and hands every chunk read from the socket toward the
// application.
type NetStage struct {
	BaseStage

	bsp      NetBSP
	host     string
	port     uint16
	readSize int
	metrics  *EngineMetrics

	socket     Socket
	step       netConnectStep
	writeQ     *queue.Queue
	writeArmed bool
}

// NewNetStage creates a transport stage that connects to host:port.
func NewNetStage(bsp NetBSP, host string, port uint16, m *EngineMetrics) *NetStage {
	if m == nil {
		m = NewEngineMetrics(nil)
	}
	return &NetStage{
		bsp:      bsp,
		host:     host,
		port:     port,
		readSize: DefaultReadSize,
		metrics:  m,
		socket:   InvalidSocket,
		writeQ:   queue.New(),
	}
}

// Name returns "net".
func (s *NetStage) Name() string { return "net" }

// Socket returns the socket, or InvalidSocket before init and after close.
func (s *NetStage) Socket() Socket { return s.socket }

// Queued returns the number of buffers waiting to be written.
func (s *NetStage) Queued() int { return s.writeQ.Length() }

// SetReadSize changes the size of each read.
func (s *NetStage) SetReadSize(n int) {
	if n > 0 {
		s.readSize = n
	}
}

// Init creates the socket and connects it. It suspends on write readiness
// while the connect is in progress.
func (s *NetStage) Init(l *Layer, data any, status Status) Status {
	releaseData(data)
	d := l.Dispatcher()

	switch s.step {
	case netStepCreate:
		sock, st := s.bsp.CreateSocket()
		if st != StatusOK {
			l.Logger().Error("failed to create socket", LogFields{LogFieldStatus: st.String()})
			return StatusSocketError
		}
		s.socket = sock
		if st := d.RegisterSocket(sock, l.Resume(OpPull, nil, StatusOK)); st != StatusOK {
			return st
		}

		l.Logger().Debug("connecting", LogFields{
			LogFieldSocket:     int(sock),
			LogFieldRemoteAddr: joinHostPort(s.host, s.port),
		})

		st = s.bsp.Connect(sock, s.host, s.port)
		s.step = netStepConnecting
		if st == StatusOK {
			return s.connected(l)
		}
		if st != StatusWantWrite {
			return StatusSocketConnectionError
		}
		return s.armConnect(l)

	case netStepConnecting:
		st := s.bsp.ConnectionCheck(s.socket, s.host, s.port)
		switch st {
		case StatusOK:
			return s.connected(l)
		case StatusWantWrite, StatusWantRead:
			return s.armConnect(l)
		default:
			l.Logger().Warn("connection failed", LogFields{
				LogFieldRemoteAddr: joinHostPort(s.host, s.port),
				LogFieldStatus:     st.String(),
			})
			return StatusSocketConnectionError
		}

	default:
		return StatusOK
	}
}

func (s *NetStage) armConnect(l *Layer) Status {
	st := l.Dispatcher().ArmForEvent(s.socket, EventWrite|EventConnect, l.Resume(OpInit, nil, StatusWantWrite))
	if st != StatusOK {
		return st
	}
	return StatusWantWrite
}

func (s *NetStage) connected(l *Layer) Status {
	s.step = netStepConnected
	l.Logger().Debug("connected", LogFields{LogFieldSocket: int(s.socket)})
	return l.ConnectPrev(nil, StatusOK)
}

// Push queues a buffer for writing. A push with StatusWantWrite resumes a
// write that was waiting for the socket to drain.
func (s *NetStage) Push(l *Layer, data any, status Status) Status {
	if status == StatusWantWrite {
		s.writeArmed = false
		return s.flush(l)
	}

	buf, ok := data.(*ByteBuffer)
	if !ok {
		releaseData(data)
		return StatusInvalidParameter
	}
	s.writeQ.Add(buf)
	if s.writeArmed {
		return StatusWantWrite
	}
	return s.flush(l)
}

func (s *NetStage) flush(l *Layer) Status {
	for s.writeQ.Length() > 0 {
		buf := s.writeQ.Peek().(*ByteBuffer)
		if buf.Remaining() == 0 {
			s.completeWrite(l)
			continue
		}

		n, st := s.bsp.Write(s.socket, buf.Bytes())
		switch st {
		case StatusOK:
			buf.Advance(n)
			s.metrics.BytesSent(n)
			if buf.Remaining() == 0 {
				s.completeWrite(l)
			}
		case StatusWantWrite:
			if n > 0 {
				buf.Advance(n)
				s.metrics.BytesSent(n)
			}
			if st := l.Dispatcher().ArmForEvent(s.socket, EventWrite, l.Resume(OpPush, nil, StatusWantWrite)); st != StatusOK {
				return st
			}
			s.writeArmed = true
			return StatusWantWrite
		default:
			l.Logger().Warn("socket write failed", LogFields{
				LogFieldSocket: int(s.socket),
				LogFieldStatus: st.String(),
			})
			if st == StatusConnectionResetByPeer {
				return st
			}
			return StatusSocketWriteError
		}
	}
	return StatusOK
}

func (s *NetStage) completeWrite(l *Layer) {
	buf := s.writeQ.Remove().(*ByteBuffer)
	buf.Release()
	l.PushPrev(nil, StatusWritten)
}

// Pull reads one chunk from the socket and forwards it. It is registered
// as the read callback of the socket.
func (s *NetStage) Pull(l *Layer, data any, status Status) Status {
	releaseData(data)
	if status != StatusOK {
		return status
	}
	if s.socket == InvalidSocket || s.step != netStepConnected {
		return StatusOK
	}

	buf := NewByteBuffer(s.readSize)
	n, st := s.bsp.Read(s.socket, buf.Free())
	switch st {
	case StatusOK:
		if n == 0 {
			buf.Release()
			return StatusConnectionResetByPeer
		}
		buf.Commit(n)
		s.metrics.BytesReceived(n)
		return l.PullPrev(buf, StatusOK)
	case StatusWantRead:
		buf.Release()
		return StatusOK
	case StatusConnectionResetByPeer:
		buf.Release()
		l.Logger().Info("connection reset by peer", LogFields{LogFieldSocket: int(s.socket)})
		return st
	default:
		buf.Release()
		l.Logger().Warn("socket read failed", LogFields{
			LogFieldSocket: int(s.socket),
			LogFieldStatus: st.String(),
		})
		return StatusSocketReadError
	}
}

// Close closes the socket and starts close_externally toward the
// application.
func (s *NetStage) Close(l *Layer, data any, status Status) Status {
	s.shutdown(l)
	return l.CloseExternallySelf(data, status)
}

// CloseExternally closes the socket if it is still open.
func (s *NetStage) CloseExternally(l *Layer, data any, status Status) Status {
	s.shutdown(l)
	return l.CloseExternallyPrev(data, status)
}

func (s *NetStage) shutdown(l *Layer) {
	for s.writeQ.Length() > 0 {
		s.writeQ.Remove().(*ByteBuffer).Release()
	}
	s.writeArmed = false

	if s.socket == InvalidSocket {
		return
	}
	l.Dispatcher().UnregisterSocket(s.socket)
	if st := s.bsp.Close(s.socket); st != StatusOK {
		l.Logger().Debug("socket close failed", LogFields{
			LogFieldSocket: int(s.socket),
			LogFieldStatus: st.String(),
		})
	}
	s.socket = InvalidSocket
	s.step = netStepCreate
}
