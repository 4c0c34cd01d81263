package mqttloop

// SessionType selects what survives a reconnect.
type SessionType uint8

const (
	// SessionClean asks the broker for a fresh session and drops
	// unacknowledged requests when the connection ends.
	SessionClean SessionType = iota

	// SessionContinue keeps the broker session and resends unacknowledged
	// requests after reconnecting.
	SessionContinue
)

// String returns the string representation of the session type.
func (t SessionType) String() string {
	switch t {
	case SessionClean:
		return "clean"
	case SessionContinue:
		return "continue"
	default:
		return "unknown"
	}
}

type requestKind uint8

const (
	requestPublish requestKind = iota
	requestSubscribe
	requestUnsubscribe
)

func (k requestKind) packetType() PacketType {
	switch k {
	case requestSubscribe:
		return PacketSUBSCRIBE
	case requestUnsubscribe:
		return PacketUNSUBSCRIBE
	default:
		return PacketPUBLISH
	}
}

// request is an application operation travelling from the client into
// the logic stage and waiting there for its acknowledgement.
type request struct {
	kind    requestKind
	id      uint16
	topic   string
	payload []byte
	qos     QoS
	retain  bool
	handler MessageHandler

	// sent is set once the request reached the socket; a resent publish
	// then carries the DUP flag.
	sent    bool
	timer   *TimerHandle
	done    bool
	onDone  func(st Status, code byte)
	stored  bool
	ackCode byte
}

// finish reports the result once.
func (r *request) finish(st Status, code byte) {
	if r.done {
		return
	}
	r.done = true
	if r.onDone != nil {
		r.onDone(st, code)
	}
}

// Release is called when the request is dropped by a closed chain. Stored
// requests stay in the session for the next connection.
func (r *request) Release() {
	if !r.stored {
		r.finish(StatusConnectionClosed, 0)
	}
}

// message builds the packet for the request.
func (r *request) message() *Message {
	switch r.kind {
	case requestSubscribe:
		return NewSubscribeMessage(r.topic, r.qos, r.id)
	case requestUnsubscribe:
		return NewUnsubscribeMessage(r.topic, r.id)
	default:
		m := NewPublishMessage(r.topic, r.payload, r.qos, r.retain, r.id)
		m.Header.SetDUP(r.sent && r.qos > QoS0)
		return m
	}
}

// Session is the client state that outlives a single connection: the
// message id counter, requests waiting for acknowledgement, incoming QoS 2
// ids awaiting PUBREL, and the subscriptions.
type Session struct {
	Type SessionType

	lastID   uint16
	pending  map[uint16]*request
	order    []*request
	incoming map[uint16]struct{}
	router   *Router
}

// NewSession creates an empty session.
func NewSession(t SessionType) *Session {
	return &Session{
		Type:     t,
		pending:  make(map[uint16]*request),
		incoming: make(map[uint16]struct{}),
		router:   NewRouter(),
	}
}

// Router returns the subscription router.
func (s *Session) Router() *Router { return s.router }

// LastID returns the last message id handed out.
func (s *Session) LastID() uint16 { return s.lastID }

// Pending returns the number of requests waiting for acknowledgement.
func (s *Session) Pending() int { return len(s.order) }

// nextID returns the next free message id, never 0. It returns 0 when all
// 65535 ids are in use.
func (s *Session) nextID() uint16 {
	for range maxUint16 {
		s.lastID++
		if s.lastID == 0 {
			s.lastID = 1
		}
		if _, busy := s.pending[s.lastID]; !busy {
			return s.lastID
		}
	}
	return 0
}

// store keeps r until it is acknowledged.
func (s *Session) store(r *request) {
	r.stored = true
	s.pending[r.id] = r
	s.order = append(s.order, r)
}

// take removes and returns the request with id if it has the given kind.
func (s *Session) take(id uint16, kind requestKind) (*request, bool) {
	r, ok := s.pending[id]
	if !ok || r.kind != kind {
		return nil, false
	}
	delete(s.pending, id)
	for i, o := range s.order {
		if o == r {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	r.stored = false
	return r, true
}

// get returns the pending request with id.
func (s *Session) get(id uint16) (*request, bool) {
	r, ok := s.pending[id]
	return r, ok
}

// requests returns the pending requests in submission order.
func (s *Session) requests() []*request {
	return append([]*request(nil), s.order...)
}

// dropAll fails every pending request with st.
func (s *Session) dropAll(st Status) {
	order := s.order
	s.order = nil
	s.pending = make(map[uint16]*request)
	for _, r := range order {
		r.stored = false
		r.finish(st, 0)
	}
}

// markIncoming records an incoming QoS 2 id; it reports false when the id
// was already recorded.
func (s *Session) markIncoming(id uint16) bool {
	if _, ok := s.incoming[id]; ok {
		return false
	}
	s.incoming[id] = struct{}{}
	return true
}

// releaseIncoming forgets an incoming QoS 2 id.
func (s *Session) releaseIncoming(id uint16) {
	delete(s.incoming, id)
}

// reset clears state a clean session must not carry over.
func (s *Session) reset(st Status) {
	s.dropAll(st)
	s.incoming = make(map[uint16]struct{})
}
