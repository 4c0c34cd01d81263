package mqttloop

import "github.com/eapache/queue"

// CodecStage turns byte buffers from the wire into *Message values and
// *Message values from the application into byte buffers. Write
// confirmations coming back from the wire are matched to the serialized
// messages in order and reported as *WrittenNotice.
type CodecStage struct {
	BaseStage

	parser   *Parser
	inflight *queue.Queue
	metrics  *EngineMetrics
}

// NewCodecStage creates a codec stage. m may be nil. Incoming packets
// with a remaining length above maxPacketSize are rejected with
// StatusBufferOverflow; zero accepts the protocol maximum.
func NewCodecStage(m *EngineMetrics, maxPacketSize uint32) *CodecStage {
	if m == nil {
		m = NewEngineMetrics(nil)
	}
	parser := NewParser()
	parser.SetMaxRemainingLength(maxPacketSize)
	return &CodecStage{
		parser:   parser,
		inflight: queue.New(),
		metrics:  m,
	}
}

// Name returns "codec".
func (s *CodecStage) Name() string { return "codec" }

// Parser returns the stream parser.
func (s *CodecStage) Parser() *Parser { return s.parser }

// Inflight returns the number of serialized messages awaiting confirmation.
func (s *CodecStage) Inflight() int { return s.inflight.Length() }

// Init drops any partial state left by a previous connection.
func (s *CodecStage) Init(l *Layer, data any, status Status) Status {
	s.reset()
	return l.InitNext(data, status)
}

// Push serializes messages toward the wire and maps confirmations toward
// the application.
func (s *CodecStage) Push(l *Layer, data any, status Status) Status {
	if status == StatusWritten || status == StatusFailedWriting {
		releaseData(data)
		if s.inflight.Length() == 0 {
			l.Logger().Warn("write confirmation without pending message", nil)
			return StatusInternalError
		}
		notice := s.inflight.Remove().(*WrittenNotice)
		if status == StatusWritten {
			s.metrics.PacketSent(notice.Type)
		}
		return l.PushPrev(notice, status)
	}

	msg, ok := data.(*Message)
	if !ok {
		releaseData(data)
		return StatusInvalidParameter
	}

	buf, st := Serialize(msg)
	notice := &WrittenNotice{Type: msg.Type(), MessageID: msg.MessageID()}
	msg.Release()
	if st != StatusOK {
		l.Logger().Error("failed to serialize message", LogFields{
			LogFieldPacketType: notice.Type.String(),
			LogFieldStatus:     st.String(),
		})
		return st
	}

	s.inflight.Add(notice)
	return l.PushNext(buf, StatusOK)
}

// Pull parses every complete message in the received chunk. A partial
// trailing message is kept in the parser until the next chunk.
func (s *CodecStage) Pull(l *Layer, data any, status Status) Status {
	buf, ok := data.(*ByteBuffer)
	if !ok || status != StatusOK {
		releaseData(data)
		if status != StatusOK {
			return status
		}
		return StatusInvalidParameter
	}
	defer buf.Release()

	for buf.Remaining() > 0 {
		msg, st := s.parser.Parse(buf)
		switch st {
		case StatusOK:
			s.metrics.PacketReceived(msg.Type())
			l.PullPrev(msg, StatusOK)
		case StatusWantRead:
			return StatusOK
		default:
			l.Logger().Error("failed to parse incoming data", LogFields{
				LogFieldStatus: st.String(),
				LogFieldBytes:  buf.Len(),
			})
			return st
		}
	}
	return StatusOK
}

// CloseExternally discards partial input and unconfirmed writes.
func (s *CodecStage) CloseExternally(l *Layer, data any, status Status) Status {
	s.reset()
	return l.CloseExternallyPrev(data, status)
}

func (s *CodecStage) reset() {
	s.parser.Reset()
	for s.inflight.Length() > 0 {
		s.inflight.Remove()
	}
}
