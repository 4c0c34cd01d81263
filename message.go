package mqttloop

// QoS is an MQTT delivery guarantee level.
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// SubackFailure is the SUBACK return code for a refused subscription.
const SubackFailure byte = 0x80

// Valid reports whether the QoS is 0, 1 or 2.
func (q QoS) Valid() bool { return q <= QoS2 }

const (
	protocolName  = "MQTT"
	protocolLevel = 4
)

// Packet is the variant part of a Message.
type Packet interface {
	Type() PacketType
	release()
}

// Message is one MQTT control packet: the fixed header and, for packet
// types that carry fields, exactly one variant. PINGREQ, PINGRESP and
// DISCONNECT have no variant.
type Message struct {
	Header FixedHeader
	Body   Packet
}

// Type returns the packet type.
func (m *Message) Type() PacketType { return m.Header.PacketType }

// MessageID returns the packet identifier, or 0 for packets without one.
func (m *Message) MessageID() uint16 {
	switch b := m.Body.(type) {
	case *PublishPacket:
		return b.MessageID
	case *AckPacket:
		return b.MessageID
	case *SubscribePacket:
		return b.MessageID
	case *SubackPacket:
		return b.MessageID
	case *UnsubscribePacket:
		return b.MessageID
	default:
		return 0
	}
}

// Release frees the owned fields of the active variant.
func (m *Message) Release() {
	if m == nil || m.Body == nil {
		return
	}
	m.Body.release()
	m.Body = nil
}

// Connect returns the CONNECT variant or nil.
func (m *Message) Connect() *ConnectPacket {
	p, _ := m.Body.(*ConnectPacket)
	return p
}

// Connack returns the CONNACK variant or nil.
func (m *Message) Connack() *ConnackPacket {
	p, _ := m.Body.(*ConnackPacket)
	return p
}

// Publish returns the PUBLISH variant or nil.
func (m *Message) Publish() *PublishPacket {
	p, _ := m.Body.(*PublishPacket)
	return p
}

// Ack returns the PUBACK, PUBREC, PUBREL, PUBCOMP or UNSUBACK variant or nil.
func (m *Message) Ack() *AckPacket {
	p, _ := m.Body.(*AckPacket)
	return p
}

// Subscribe returns the SUBSCRIBE variant or nil.
func (m *Message) Subscribe() *SubscribePacket {
	p, _ := m.Body.(*SubscribePacket)
	return p
}

// Suback returns the SUBACK variant or nil.
func (m *Message) Suback() *SubackPacket {
	p, _ := m.Body.(*SubackPacket)
	return p
}

// Unsubscribe returns the UNSUBSCRIBE variant or nil.
func (m *Message) Unsubscribe() *UnsubscribePacket {
	p, _ := m.Body.(*UnsubscribePacket)
	return p
}

// ConnectPacket holds the CONNECT fields.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	CleanSession  bool
	WillFlag      bool
	WillQoS       QoS
	WillRetain    bool
	UsernameFlag  bool
	PasswordFlag  bool
	KeepAlive     uint16
	ClientID      string
	WillTopic     string
	WillMessage   []byte
	Username      string
	Password      []byte
}

// Type returns PacketCONNECT.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }
func (p *ConnectPacket) release()         {}

// Flags returns the connect flags byte.
func (p *ConnectPacket) Flags() byte {
	var f byte
	if p.UsernameFlag {
		f |= 0x80
	}
	if p.PasswordFlag {
		f |= 0x40
	}
	if p.WillRetain {
		f |= 0x20
	}
	f |= (byte(p.WillQoS) & 0x03) << 3
	if p.WillFlag {
		f |= 0x04
	}
	if p.CleanSession {
		f |= 0x02
	}
	return f
}

// setFlags decodes the connect flags byte.
func (p *ConnectPacket) setFlags(f byte) {
	p.UsernameFlag = f&0x80 != 0
	p.PasswordFlag = f&0x40 != 0
	p.WillRetain = f&0x20 != 0
	p.WillQoS = QoS((f >> 3) & 0x03)
	p.WillFlag = f&0x04 != 0
	p.CleanSession = f&0x02 != 0
}

// ConnackPacket holds the CONNACK fields.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

// Type returns PacketCONNACK.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }
func (p *ConnackPacket) release()         {}

// PublishPacket holds the PUBLISH fields. Payload is owned by the packet.
type PublishPacket struct {
	Topic     string
	MessageID uint16
	Payload   *ByteBuffer
}

// Type returns PacketPUBLISH.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

func (p *PublishPacket) release() {
	if p.Payload != nil {
		p.Payload.Release()
		p.Payload = nil
	}
}

// PayloadBytes returns the payload contents.
func (p *PublishPacket) PayloadBytes() []byte {
	if p.Payload == nil {
		return nil
	}
	return p.Payload.All()
}

// AckPacket holds the message id of PUBACK, PUBREC, PUBREL, PUBCOMP and
// UNSUBACK.
type AckPacket struct {
	PacketType PacketType
	MessageID  uint16
}

// Type returns the acknowledgement type.
func (p *AckPacket) Type() PacketType { return p.PacketType }
func (p *AckPacket) release()         {}

// SubscribePacket holds one topic filter and its requested QoS.
type SubscribePacket struct {
	MessageID uint16
	Topic     string
	QoS       QoS
}

// Type returns PacketSUBSCRIBE.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }
func (p *SubscribePacket) release()         {}

// SubackPacket holds the granted QoS or SubackFailure for one filter.
type SubackPacket struct {
	MessageID  uint16
	ReturnCode byte
}

// Type returns PacketSUBACK.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }
func (p *SubackPacket) release()         {}

// Failed reports whether the broker refused the subscription.
func (p *SubackPacket) Failed() bool { return p.ReturnCode == SubackFailure }

// UnsubscribePacket holds one topic filter.
type UnsubscribePacket struct {
	MessageID uint16
	Topic     string
}

// Type returns PacketUNSUBSCRIBE.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }
func (p *UnsubscribePacket) release()         {}

// ConnectOptions are the CONNECT fields chosen by the application.
type ConnectOptions struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Username     string
	Password     []byte
	WillTopic    string
	WillMessage  []byte
	WillQoS      QoS
	WillRetain   bool
}

// NewConnectMessage builds a CONNECT for protocol level 4.
func NewConnectMessage(o ConnectOptions) *Message {
	p := &ConnectPacket{
		ProtocolName:  protocolName,
		ProtocolLevel: protocolLevel,
		CleanSession:  o.CleanSession,
		KeepAlive:     o.KeepAlive,
		ClientID:      o.ClientID,
	}
	if o.WillTopic != "" {
		p.WillFlag = true
		p.WillTopic = o.WillTopic
		p.WillMessage = o.WillMessage
		p.WillQoS = o.WillQoS
		p.WillRetain = o.WillRetain
	}
	if o.Username != "" {
		p.UsernameFlag = true
		p.Username = o.Username
	}
	if o.Password != nil {
		p.PasswordFlag = true
		p.Password = o.Password
	}
	return &Message{Header: FixedHeader{PacketType: PacketCONNECT}, Body: p}
}

// NewPublishMessage builds a PUBLISH; the payload is copied into an owned
// buffer.
func NewPublishMessage(topic string, payload []byte, qos QoS, retain bool, id uint16) *Message {
	h := FixedHeader{PacketType: PacketPUBLISH}
	h.SetQoS(qos)
	h.SetRetain(retain)
	return &Message{
		Header: h,
		Body: &PublishPacket{
			Topic:     topic,
			MessageID: id,
			Payload:   ByteBufferFromBytes(payload),
		},
	}
}

// NewAckMessage builds a PUBACK, PUBREC, PUBREL, PUBCOMP or UNSUBACK.
func NewAckMessage(t PacketType, id uint16) *Message {
	h := FixedHeader{PacketType: t}
	if t == PacketPUBREL {
		h.Flags = 0x02
	}
	return &Message{Header: h, Body: &AckPacket{PacketType: t, MessageID: id}}
}

// NewSubscribeMessage builds a SUBSCRIBE for one filter.
func NewSubscribeMessage(topic string, qos QoS, id uint16) *Message {
	return &Message{
		Header: FixedHeader{PacketType: PacketSUBSCRIBE, Flags: 0x02},
		Body:   &SubscribePacket{MessageID: id, Topic: topic, QoS: qos},
	}
}

// NewUnsubscribeMessage builds an UNSUBSCRIBE for one filter.
func NewUnsubscribeMessage(topic string, id uint16) *Message {
	return &Message{
		Header: FixedHeader{PacketType: PacketUNSUBSCRIBE, Flags: 0x02},
		Body:   &UnsubscribePacket{MessageID: id, Topic: topic},
	}
}

// NewConnackMessage builds a CONNACK.
func NewConnackMessage(sessionPresent bool, code byte) *Message {
	return &Message{
		Header: FixedHeader{PacketType: PacketCONNACK},
		Body:   &ConnackPacket{SessionPresent: sessionPresent, ReturnCode: code},
	}
}

// NewSubackMessage builds a SUBACK.
func NewSubackMessage(id uint16, code byte) *Message {
	return &Message{
		Header: FixedHeader{PacketType: PacketSUBACK},
		Body:   &SubackPacket{MessageID: id, ReturnCode: code},
	}
}

// NewEmptyMessage builds PINGREQ, PINGRESP or DISCONNECT.
func NewEmptyMessage(t PacketType) *Message {
	return &Message{Header: FixedHeader{PacketType: t}}
}

// WrittenNotice tells the application-side stage which message reached the
// socket.
type WrittenNotice struct {
	Type      PacketType
	MessageID uint16
}
