package mqttloop

import (
	"time"

	"github.com/eapache/queue"
)

// Logic stage defaults.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 10 * time.Second
)

type logicStep uint8

const (
	logicStepConnecting logicStep = iota
	logicStepConnackWait
	logicStepOpen
	logicStepDisconnecting
)

// shutdownRequest asks the logic stage to send DISCONNECT and close.
type shutdownRequest struct{}

// LogicConfig configures a LogicStage.
type LogicConfig struct {
	Connect         ConnectOptions
	Session         *Session
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Metrics         *EngineMetrics

	// OnConnected runs when the broker accepted the connection.
	OnConnected func(sessionPresent bool)
}

// LogicStage is the MQTT protocol state machine at the application end of
// the chain. It performs the CONNECT handshake, tracks acknowledgements,
// answers incoming publishes, sends keepalive pings and resends
// unacknowledged requests.
type LogicStage struct {
	BaseStage

	connect         ConnectOptions
	session         *Session
	connectTimeout  int64
	responseTimeout int64
	keepAlive       int64
	metrics         *EngineMetrics
	onConnected     func(sessionPresent bool)

	step     logicStep
	timeouts *IOTimeouts

	// one entry per message pushed toward the wire: the request it
	// belongs to, or nil for control packets
	outbox *queue.Queue

	keepAliveTimer *TimerHandle
	pingTimer      *TimerHandle
	connectTimer   *TimerHandle
}

// NewLogicStage creates a logic stage.
func NewLogicStage(cfg LogicConfig) *LogicStage {
	if cfg.Session == nil {
		cfg.Session = NewSession(SessionClean)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewEngineMetrics(nil)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	cfg.Connect.CleanSession = cfg.Session.Type == SessionClean

	return &LogicStage{
		connect:         cfg.Connect,
		session:         cfg.Session,
		connectTimeout:  cfg.ConnectTimeout.Milliseconds(),
		responseTimeout: cfg.ResponseTimeout.Milliseconds(),
		keepAlive:       int64(cfg.Connect.KeepAlive) * 1000,
		metrics:         cfg.Metrics,
		onConnected:     cfg.OnConnected,
		outbox:          queue.New(),
	}
}

// Name returns "logic".
func (s *LogicStage) Name() string { return "logic" }

// Session returns the session the stage works on.
func (s *LogicStage) Session() *Session { return s.session }

// Open reports whether the broker accepted the connection.
func (s *LogicStage) Open() bool { return s.step == logicStepOpen }

// Init arms the connect timeout and starts the chain below.
func (s *LogicStage) Init(l *Layer, data any, status Status) Status {
	releaseData(data)
	if s.timeouts == nil {
		s.timeouts = NewIOTimeouts(l.Dispatcher())
	}
	s.step = logicStepConnecting

	h, err := s.timeouts.Start(Bind2(s.expire, l, "connect"), s.connectTimeout)
	if err != nil {
		return StatusInternalError
	}
	s.connectTimer = h
	return l.InitNext(nil, status)
}

// expire closes the connection when a response did not arrive in time.
func (s *LogicStage) expire(l *Layer, what string) Status {
	l.Logger().Warn("response timeout", LogFields{"waiting_for": what})
	return l.CloseSelf(StatusTimeout)
}

// Connect sends CONNECT once the transport is up.
func (s *LogicStage) Connect(l *Layer, data any, status Status) Status {
	releaseData(data)
	if status != StatusOK {
		return status
	}
	s.step = logicStepConnackWait
	return s.sendControl(l, NewConnectMessage(s.connect))
}

func (s *LogicStage) sendControl(l *Layer, m *Message) Status {
	s.outbox.Add(nil)
	return l.PushNext(m, StatusOK)
}

func (s *LogicStage) send(l *Layer, r *request) Status {
	s.outbox.Add(r)
	return l.PushNext(r.message(), StatusOK)
}

// Push accepts requests from the client and write confirmations from the
// codec.
func (s *LogicStage) Push(l *Layer, data any, status Status) Status {
	if status == StatusWritten || status == StatusFailedWriting {
		notice, ok := data.(*WrittenNotice)
		if !ok {
			releaseData(data)
			return StatusInvalidParameter
		}
		return s.written(l, notice, status)
	}

	switch v := data.(type) {
	case *request:
		return s.submit(l, v)
	case shutdownRequest:
		return s.shutdown(l)
	default:
		releaseData(data)
		return StatusInvalidParameter
	}
}

func (s *LogicStage) submit(l *Layer, r *request) Status {
	if s.step != logicStepOpen {
		r.finish(StatusConnectionClosed, 0)
		return StatusOK
	}

	if r.kind != requestPublish || r.qos > QoS0 {
		id := s.session.nextID()
		if id == 0 {
			l.Logger().Warn("no free message id", nil)
			r.finish(StatusOutOfMemory, 0)
			return StatusOK
		}
		r.id = id
		s.session.store(r)
	}

	if r.kind == requestSubscribe {
		if err := s.session.router.Add(r.topic, r.qos, r.handler); err != nil {
			s.session.take(r.id, requestSubscribe)
			r.finish(StatusInvalidParameter, 0)
			return StatusOK
		}
	}
	if r.kind == requestPublish {
		s.metrics.MessagePublished(r.qos)
	}
	return s.send(l, r)
}

func (s *LogicStage) shutdown(l *Layer) Status {
	if s.step != logicStepOpen {
		return l.CloseSelf(StatusOK)
	}
	s.step = logicStepDisconnecting
	s.timeouts.CancelAll()
	s.keepAliveTimer, s.pingTimer = nil, nil

	if _, err := s.timeouts.Start(Bind2(s.expire, l, "disconnect"), s.responseTimeout); err != nil {
		return l.CloseSelf(StatusOK)
	}
	return s.sendControl(l, NewEmptyMessage(PacketDISCONNECT))
}

func (s *LogicStage) written(l *Layer, notice *WrittenNotice, status Status) Status {
	if s.outbox.Length() == 0 {
		return StatusInternalError
	}
	r, _ := s.outbox.Remove().(*request)

	if status == StatusFailedWriting {
		if r != nil && !r.stored {
			r.finish(StatusSocketWriteError, 0)
		}
		return StatusOK
	}

	s.armKeepAlive(l)

	if notice.Type == PacketDISCONNECT && s.step == logicStepDisconnecting {
		l.Logger().Debug("disconnect sent", nil)
		return l.CloseSelf(StatusOK)
	}
	if r == nil || r.done {
		return StatusOK
	}

	r.sent = true
	if r.kind == requestPublish && r.qos == QoS0 {
		r.finish(StatusOK, 0)
		return StatusOK
	}
	if r.timer == nil {
		h, err := s.timeouts.Start(Bind2(s.resend, l, r), s.responseTimeout)
		if err == nil {
			r.timer = h
		}
	}
	return StatusOK
}

// resend repeats a request that was not acknowledged in time.
func (s *LogicStage) resend(l *Layer, r *request) Status {
	r.timer = nil
	if r.done || s.step != logicStepOpen {
		return StatusOK
	}
	l.Logger().Debug("resending unacknowledged request", LogFields{
		LogFieldPacketType: r.kind.packetType().String(),
		LogFieldPacketID:   r.id,
	})
	return s.send(l, r)
}

func (s *LogicStage) armKeepAlive(l *Layer) {
	if s.keepAlive <= 0 || s.step != logicStepOpen {
		return
	}
	if s.timeouts.Restart(s.keepAliveTimer, s.keepAlive) {
		return
	}
	h, err := s.timeouts.Start(Bind1(s.ping, l), s.keepAlive)
	if err == nil {
		s.keepAliveTimer = h
	}
}

// ping sends PINGREQ after a quiet keepalive period.
func (s *LogicStage) ping(l *Layer) Status {
	s.keepAliveTimer = nil
	if s.step != logicStepOpen {
		return StatusOK
	}
	if !s.pingTimer.Pending() {
		h, err := s.timeouts.Start(Bind2(s.expire, l, "pingresp"), s.responseTimeout)
		if err == nil {
			s.pingTimer = h
		}
	}
	return s.sendControl(l, NewEmptyMessage(PacketPINGREQ))
}

// Pull handles a message parsed by the codec.
func (s *LogicStage) Pull(l *Layer, data any, status Status) Status {
	msg, ok := data.(*Message)
	if !ok || status != StatusOK {
		releaseData(data)
		if status != StatusOK {
			return status
		}
		return StatusInvalidParameter
	}
	defer msg.Release()

	if s.step == logicStepConnackWait {
		if msg.Type() != PacketCONNACK {
			return StatusUnexpectedMessage
		}
		return s.connack(l, msg.Connack())
	}

	switch msg.Type() {
	case PacketPUBLISH:
		return s.deliver(l, msg)
	case PacketPUBACK:
		s.complete(l, msg.MessageID(), requestPublish, 0)
	case PacketSUBACK:
		s.complete(l, msg.MessageID(), requestSubscribe, msg.Suback().ReturnCode)
	case PacketUNSUBACK:
		s.complete(l, msg.MessageID(), requestUnsubscribe, 0)
	case PacketPUBREL:
		s.session.releaseIncoming(msg.MessageID())
		return s.sendControl(l, NewAckMessage(PacketPUBCOMP, msg.MessageID()))
	case PacketPINGRESP:
		s.timeouts.Cancel(s.pingTimer)
		s.pingTimer = nil
	case PacketPUBREC, PacketPUBCOMP:
		l.Logger().Warn("acknowledgement for unknown message", LogFields{
			LogFieldPacketType: msg.Type().String(),
			LogFieldPacketID:   msg.MessageID(),
		})
	default:
		l.Logger().Error("unexpected message", LogFields{LogFieldPacketType: msg.Type().String()})
		return StatusUnexpectedMessage
	}
	return StatusOK
}

func (s *LogicStage) connack(l *Layer, p *ConnackPacket) Status {
	if st := connackStatus(p.ReturnCode); st != StatusOK {
		l.Logger().Warn("connection refused", LogFields{LogFieldStatus: st.String()})
		return st
	}

	s.timeouts.Cancel(s.connectTimer)
	s.connectTimer = nil
	s.step = logicStepOpen
	l.ConnectPrev(nil, StatusOK)
	s.armKeepAlive(l)

	l.Logger().Info("connected", LogFields{
		LogFieldClientID: s.connect.ClientID,
		"session_present": p.SessionPresent,
	})
	if s.onConnected != nil {
		s.onConnected(p.SessionPresent)
	}
	if s.step != logicStepOpen {
		return StatusOK
	}

	resubscribed := make(map[string]bool)
	for _, r := range s.session.requests() {
		if r.kind == requestSubscribe {
			resubscribed[r.topic] = true
		}
		if st := s.send(l, r); st != StatusOK {
			return st
		}
	}

	if p.SessionPresent {
		return StatusOK
	}
	for _, sub := range s.session.router.Subscriptions() {
		if resubscribed[sub.Filter] {
			continue
		}
		id := s.session.nextID()
		if id == 0 {
			return StatusOutOfMemory
		}
		r := &request{kind: requestSubscribe, id: id, topic: sub.Filter, qos: sub.QoS, handler: sub.Handler}
		r.onDone = func(st Status, code byte) {
			if st != StatusOK || code == SubackFailure {
				l.Logger().Warn("resubscribe failed", LogFields{LogFieldTopic: r.topic})
			}
		}
		s.session.store(r)
		if st := s.send(l, r); st != StatusOK {
			return st
		}
	}
	return StatusOK
}

func (s *LogicStage) complete(l *Layer, id uint16, kind requestKind, code byte) {
	r, ok := s.session.take(id, kind)
	if !ok {
		l.Logger().Warn("acknowledgement for unknown message", LogFields{
			LogFieldPacketType: kind.packetType().String(),
			LogFieldPacketID:   id,
		})
		return
	}
	s.timeouts.Cancel(r.timer)
	r.timer = nil

	switch kind {
	case requestSubscribe:
		if code == SubackFailure {
			s.session.router.Remove(r.topic)
		} else if sub, ok := s.session.router.Get(r.topic); ok {
			sub.QoS = QoS(code)
		}
	case requestUnsubscribe:
		s.session.router.Remove(r.topic)
	}
	r.ackCode = code
	r.finish(StatusOK, code)
}

func (s *LogicStage) deliver(l *Layer, msg *Message) Status {
	p := msg.Publish()
	qos := msg.Header.QoS()
	d := &Delivery{
		Topic:     p.Topic,
		Payload:   p.PayloadBytes(),
		QoS:       qos,
		Retain:    msg.Header.Retain(),
		Duplicate: msg.Header.DUP(),
		MessageID: p.MessageID,
	}

	switch qos {
	case QoS0:
		s.route(l, d)
		return StatusOK
	case QoS1:
		s.route(l, d)
		return s.sendControl(l, NewAckMessage(PacketPUBACK, p.MessageID))
	default:
		if s.session.markIncoming(p.MessageID) {
			s.route(l, d)
		}
		return s.sendControl(l, NewAckMessage(PacketPUBREC, p.MessageID))
	}
}

func (s *LogicStage) route(l *Layer, d *Delivery) {
	s.metrics.MessageDelivered(d.QoS)
	if s.session.router.Route(d) == 0 {
		l.Logger().Debug("no subscription for topic", LogFields{LogFieldTopic: d.Topic})
	}
}

// Close stops the timers and forwards the close toward the wire.
func (s *LogicStage) Close(l *Layer, data any, status Status) Status {
	s.abandon(StatusConnectionClosed)
	return l.CloseNext(data, status)
}

// CloseExternally stops the timers and settles the session for the next
// connection.
func (s *LogicStage) CloseExternally(l *Layer, data any, status Status) Status {
	s.abandon(StatusConnectionClosed)
	if s.session.Type == SessionClean {
		s.session.reset(StatusConnectionClosed)
	}
	return l.CloseExternallyPrev(data, status)
}

func (s *LogicStage) abandon(st Status) {
	if s.timeouts != nil {
		s.timeouts.CancelAll()
	}
	s.keepAliveTimer, s.pingTimer, s.connectTimer = nil, nil, nil

	for s.outbox.Length() > 0 {
		if r, ok := s.outbox.Remove().(*request); ok && !r.stored {
			r.finish(st, 0)
		}
	}
	for _, r := range s.session.requests() {
		r.timer = nil
	}
	s.step = logicStepConnecting
}
