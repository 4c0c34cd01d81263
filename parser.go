package mqttloop

type parseStep uint8

const (
	stepFixedHeader parseStep = iota
	stepRemainingLength
	stepBody
)

// Parser decodes MQTT packets from a byte stream that may arrive in
// arbitrary chunks. Every field keeps a resume point so a packet split at
// any byte offset decodes to the same message as the unsplit packet.
type Parser struct {
	step     parseStep
	field    int
	header   FixedHeader
	length   varintDecoder
	consumed uint32

	num      uint16
	numBytes int
	strLen   int
	acc      []byte

	msg          *Message
	maxRemaining uint32
}

// NewParser creates a parser that accepts any legal remaining length.
func NewParser() *Parser {
	p := &Parser{maxRemaining: maxVarint}
	p.Reset()
	return p
}

// SetMaxRemainingLength rejects packets with a larger remaining length with
// StatusBufferOverflow.
func (p *Parser) SetMaxRemainingLength(n uint32) {
	if n == 0 || n > maxVarint {
		n = maxVarint
	}
	p.maxRemaining = n
}

// Reset drops any partially decoded packet.
func (p *Parser) Reset() {
	if p.msg != nil {
		p.msg.Release()
	}
	limit := p.maxRemaining
	*p = Parser{strLen: -1, maxRemaining: limit}
}

// InProgress reports whether a packet has been started but not finished.
func (p *Parser) InProgress() bool { return p.step != stepFixedHeader }

// Parse consumes bytes from in until one packet is complete and returns it
// with StatusOK. The cursor of in is left on the first byte after the
// packet. When in runs dry first the partial state is kept and
// StatusWantRead is returned. Malformed input resets the parser and
// returns StatusMQTTParserError or StatusInvalidRemainingLength.
func (p *Parser) Parse(in *ByteBuffer) (*Message, Status) {
	if in == nil {
		return nil, StatusInvalidParameter
	}

	for {
		switch p.step {
		case stepFixedHeader:
			b, err := in.ReadByte()
			if err != nil {
				return nil, StatusWantRead
			}
			h := parseFixedHeaderByte(b)
			if err := h.ValidateFlags(); err != nil {
				return p.fail(StatusMQTTParserError)
			}
			p.header = h
			p.length.reset()
			p.step = stepRemainingLength

		case stepRemainingLength:
			b, err := in.ReadByte()
			if err != nil {
				return nil, StatusWantRead
			}
			done, ferr := p.length.feed(b)
			if ferr != nil {
				return p.fail(StatusInvalidRemainingLength)
			}
			if !done {
				continue
			}
			if p.length.value > p.maxRemaining {
				return p.fail(StatusBufferOverflow)
			}
			p.header.RemainingLength = p.length.value
			p.consumed = 0
			p.field = 0
			p.msg = &Message{Header: p.header}
			p.step = stepBody

		case stepBody:
			st := p.parseBody(in)
			if st == StatusWantRead {
				return nil, StatusWantRead
			}
			if st != StatusOK {
				return p.fail(st)
			}
			if p.consumed != p.header.RemainingLength {
				return p.fail(StatusMQTTParserError)
			}
			msg := p.msg
			p.msg = nil
			p.Reset()
			return msg, StatusOK
		}
	}
}

func (p *Parser) fail(st Status) (*Message, Status) {
	p.Reset()
	return nil, st
}

func (p *Parser) parseBody(in *ByteBuffer) Status {
	switch p.header.PacketType {
	case PacketCONNECT:
		return p.parseConnect(in)
	case PacketCONNACK:
		return p.parseConnack(in)
	case PacketPUBLISH:
		return p.parsePublish(in)
	case PacketPUBACK, PacketPUBREC, PacketPUBREL, PacketPUBCOMP, PacketUNSUBACK:
		return p.parseAck(in)
	case PacketSUBSCRIBE:
		return p.parseSubscribe(in)
	case PacketSUBACK:
		return p.parseSuback(in)
	case PacketUNSUBSCRIBE:
		return p.parseUnsubscribe(in)
	case PacketPINGREQ, PacketPINGRESP, PacketDISCONNECT:
		return StatusOK
	default:
		return StatusMQTTParserError
	}
}

func (p *Parser) parseConnect(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*ConnectPacket)
	if body == nil {
		body = &ConnectPacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			body.ProtocolName, st = p.readString(in)
		case 1:
			body.ProtocolLevel, st = p.readUint8(in)
		case 2:
			var flags byte
			if flags, st = p.readUint8(in); st == StatusOK {
				if flags&0x01 != 0 {
					return StatusMQTTParserError
				}
				body.setFlags(flags)
			}
		case 3:
			body.KeepAlive, st = p.readUint16(in)
		case 4:
			body.ClientID, st = p.readString(in)
		case 5:
			if body.WillFlag {
				body.WillTopic, st = p.readString(in)
			}
		case 6:
			if body.WillFlag {
				body.WillMessage, st = p.readBinary(in)
			}
		case 7:
			if body.UsernameFlag {
				body.Username, st = p.readString(in)
			}
		case 8:
			if body.PasswordFlag {
				body.Password, st = p.readBinary(in)
			}
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

func (p *Parser) parseConnack(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*ConnackPacket)
	if body == nil {
		body = &ConnackPacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			var flags byte
			if flags, st = p.readUint8(in); st == StatusOK {
				if flags&0xFE != 0 {
					return StatusMQTTParserError
				}
				body.SessionPresent = flags&0x01 != 0
			}
		case 1:
			body.ReturnCode, st = p.readUint8(in)
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

func (p *Parser) parsePublish(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*PublishPacket)
	if body == nil {
		body = &PublishPacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			body.Topic, st = p.readString(in)
		case 1:
			if p.header.QoS() > QoS0 {
				body.MessageID, st = p.readUint16(in)
			}
		case 2:
			if body.Payload == nil {
				// grows as chunks arrive; the header alone never sizes it
				body.Payload = NewByteBuffer(min(int(p.header.RemainingLength-p.consumed), DefaultReadSize))
			}
			for p.consumed < p.header.RemainingLength {
				var chunk []byte
				chunk, st = p.take(in, int(p.header.RemainingLength-p.consumed))
				if st != StatusOK {
					return st
				}
				if _, err := body.Payload.Write(chunk); err != nil {
					return StatusOutOfMemory
				}
			}
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

func (p *Parser) parseAck(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*AckPacket)
	if body == nil {
		body = &AckPacket{PacketType: p.header.PacketType}
		p.msg.Body = body
	}

	if p.field == 0 {
		id, st := p.readUint16(in)
		if st != StatusOK {
			return st
		}
		body.MessageID = id
		p.field++
	}
	return StatusOK
}

func (p *Parser) parseSubscribe(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*SubscribePacket)
	if body == nil {
		body = &SubscribePacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			body.MessageID, st = p.readUint16(in)
		case 1:
			body.Topic, st = p.readString(in)
		case 2:
			var q byte
			if q, st = p.readUint8(in); st == StatusOK {
				if !QoS(q).Valid() {
					return StatusMQTTParserError
				}
				body.QoS = QoS(q)
			}
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

func (p *Parser) parseSuback(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*SubackPacket)
	if body == nil {
		body = &SubackPacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			body.MessageID, st = p.readUint16(in)
		case 1:
			var code byte
			if code, st = p.readUint8(in); st == StatusOK {
				if code != SubackFailure && !QoS(code).Valid() {
					return StatusMQTTParserError
				}
				body.ReturnCode = code
			}
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

func (p *Parser) parseUnsubscribe(in *ByteBuffer) Status {
	body, _ := p.msg.Body.(*UnsubscribePacket)
	if body == nil {
		body = &UnsubscribePacket{}
		p.msg.Body = body
	}

	for {
		var st Status
		switch p.field {
		case 0:
			body.MessageID, st = p.readUint16(in)
		case 1:
			body.Topic, st = p.readString(in)
		default:
			return StatusOK
		}
		if st != StatusOK {
			return st
		}
		p.field++
	}
}

// take returns up to need bytes of the current field. A field that would
// run past the remaining length is malformed.
func (p *Parser) take(in *ByteBuffer, need int) ([]byte, Status) {
	if need <= 0 {
		return nil, StatusOK
	}
	if uint32(need) > p.header.RemainingLength-p.consumed {
		return nil, StatusMQTTParserError
	}
	avail := in.Remaining()
	if avail == 0 {
		return nil, StatusWantRead
	}
	if need > avail {
		need = avail
	}
	b := in.Bytes()[:need]
	in.Advance(need)
	p.consumed += uint32(need)
	return b, StatusOK
}

func (p *Parser) readUint8(in *ByteBuffer) (byte, Status) {
	b, st := p.take(in, 1)
	if st != StatusOK {
		return 0, st
	}
	return b[0], StatusOK
}

func (p *Parser) readUint16(in *ByteBuffer) (uint16, Status) {
	for p.numBytes < 2 {
		b, st := p.take(in, 2-p.numBytes)
		if st != StatusOK {
			return 0, st
		}
		for _, c := range b {
			p.num = p.num<<8 | uint16(c)
			p.numBytes++
		}
	}
	v := p.num
	p.num, p.numBytes = 0, 0
	return v, StatusOK
}

func (p *Parser) readBinary(in *ByteBuffer) ([]byte, Status) {
	if p.strLen < 0 {
		n, st := p.readUint16(in)
		if st != StatusOK {
			return nil, st
		}
		p.strLen = int(n)
		p.acc = make([]byte, 0, p.strLen)
	}
	for len(p.acc) < p.strLen {
		b, st := p.take(in, p.strLen-len(p.acc))
		if st != StatusOK {
			return nil, st
		}
		p.acc = append(p.acc, b...)
	}
	out := p.acc
	p.acc = nil
	p.strLen = -1
	return out, StatusOK
}

func (p *Parser) readString(in *ByteBuffer) (string, Status) {
	b, st := p.readBinary(in)
	if st != StatusOK {
		return "", st
	}
	s := string(b)
	if err := validateString(s); err != nil {
		return "", StatusMQTTParserError
	}
	return s, StatusOK
}
