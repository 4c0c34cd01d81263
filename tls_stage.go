package mqttloop

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/eapache/queue"
)

// resourceRetryDelay is how long the TLS stage waits before asking a
// suspended resource BSP again, in dispatcher time units.
const resourceRetryDelay = 10

// TLSEngineFactory creates the engine for one connection.
type TLSEngineFactory func(cfg *tls.Config) TLSEngine

type tlsStep uint8

const (
	tlsStepLoadCA tlsStep = iota
	tlsStepConnect
	tlsStepHandshake
	tlsStepOpen
)

// TLSStage encrypts the byte stream between the codec and the socket. It
// loads the CA bundle through the resource BSP during init, runs the
// handshake once the socket is connected, and reports connect toward the
// application only after the handshake succeeds.
type TLSStage struct {
	BaseStage

	factory   TLSEngineFactory
	base      *tls.Config
	host      string
	resources ResourceBSP
	caFile    string

	step   tlsStep
	loader *ResourceLoader
	roots  *x509.CertPool
	engine TLSEngine

	// one entry per ciphertext buffer pushed toward the wire; true when
	// its confirmation belongs to an application write
	tags *queue.Queue
}

// TLSStageConfig configures a TLSStage.
type TLSStageConfig struct {
	Config    *tls.Config
	Factory   TLSEngineFactory
	Host      string
	Resources ResourceBSP
	CAFile    string
}

// NewTLSStage creates a TLS stage.
func NewTLSStage(cfg TLSStageConfig) *TLSStage {
	factory := cfg.Factory
	if factory == nil {
		factory = NewCryptoTLSEngine
	}
	return &TLSStage{
		factory:   factory,
		base:      cfg.Config,
		host:      cfg.Host,
		resources: cfg.Resources,
		caFile:    cfg.CAFile,
		tags:      queue.New(),
	}
}

// Name returns "tls".
func (s *TLSStage) Name() string { return "tls" }

// Init loads the CA bundle, if one is configured, then forwards init.
func (s *TLSStage) Init(l *Layer, data any, status Status) Status {
	if s.step == tlsStepLoadCA {
		if s.caFile != "" && s.resources != nil {
			if s.loader == nil {
				s.loader = NewResourceLoader(s.resources, s.caFile)
			}
			st := s.loader.Step()
			if st == StatusWantRead {
				var h TimerHandle
				if err := l.Dispatcher().ScheduleIn(l.Resume(OpInit, data, StatusWantRead), resourceRetryDelay, &h); err != nil {
					releaseData(data)
					return StatusInternalError
				}
				return StatusWantRead
			}
			if st != StatusOK {
				releaseData(data)
				l.Logger().Error("failed to load CA bundle", LogFields{
					"file":         s.caFile,
					LogFieldStatus: st.String(),
				})
				return st
			}

			pem := s.loader.Take()
			s.loader = nil
			s.roots = x509.NewCertPool()
			ok := s.roots.AppendCertsFromPEM(pem.All())
			pem.Release()
			if !ok {
				releaseData(data)
				return StatusTLSError
			}
		}
		s.step = tlsStepConnect
	}
	return l.InitNext(data, StatusOK)
}

func (s *TLSStage) config() *tls.Config {
	var cfg *tls.Config
	if s.base != nil {
		cfg = s.base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.host
	}
	if s.roots != nil {
		cfg.RootCAs = s.roots
	}
	return cfg
}

// Connect starts the handshake once the socket below is connected.
func (s *TLSStage) Connect(l *Layer, data any, status Status) Status {
	releaseData(data)
	if status != StatusOK {
		return l.ConnectPrev(nil, status)
	}
	if s.engine == nil {
		s.engine = s.factory(s.config())
	}
	s.step = tlsStepHandshake
	return s.handshake(l)
}

func (s *TLSStage) handshake(l *Layer) Status {
	st := s.engine.Handshake()
	if fst := s.flush(l, false); fst != StatusOK {
		return fst
	}

	switch st {
	case StatusOK:
		s.step = tlsStepOpen
		l.Logger().Debug("handshake complete", nil)
		return l.ConnectPrev(nil, StatusOK)
	case StatusWantRead:
		return StatusOK
	default:
		l.Logger().Error("handshake failed", LogFields{LogFieldStatus: st.String()})
		return StatusTLSError
	}
}

// flush pushes pending ciphertext toward the wire.
func (s *TLSStage) flush(l *Layer, app bool) Status {
	out := s.engine.Drain()
	if len(out) == 0 {
		if app {
			return l.PushPrev(nil, StatusWritten)
		}
		return StatusOK
	}
	s.tags.Add(app)
	return l.PushNext(ByteBufferFromBytes(out), StatusOK)
}

// Push encrypts application data and forwards wire confirmations that
// belong to application writes.
func (s *TLSStage) Push(l *Layer, data any, status Status) Status {
	if status == StatusWritten || status == StatusFailedWriting {
		releaseData(data)
		if s.tags.Length() == 0 {
			return StatusInternalError
		}
		if s.tags.Remove().(bool) {
			return l.PushPrev(nil, status)
		}
		return StatusOK
	}

	buf, ok := data.(*ByteBuffer)
	if !ok {
		releaseData(data)
		return StatusInvalidParameter
	}
	defer buf.Release()

	if s.step != tlsStepOpen {
		return StatusInvalidParameter
	}
	for buf.Remaining() > 0 {
		n, st := s.engine.Write(buf.Bytes())
		if st != StatusOK {
			return st
		}
		buf.Advance(n)
	}
	return s.flush(l, true)
}

// Pull decrypts received ciphertext. During the handshake it only feeds
// the engine.
func (s *TLSStage) Pull(l *Layer, data any, status Status) Status {
	buf, ok := data.(*ByteBuffer)
	if !ok || status != StatusOK {
		releaseData(data)
		if status != StatusOK {
			return status
		}
		return StatusInvalidParameter
	}
	if s.engine == nil {
		buf.Release()
		return StatusOK
	}
	s.engine.Feed(buf.Bytes())
	buf.Release()

	if s.step == tlsStepHandshake {
		if st := s.handshake(l); st != StatusOK {
			return st
		}
		if s.step != tlsStepOpen {
			return StatusOK
		}
	}

	for {
		size := s.engine.Pending()
		if size == 0 {
			size = DefaultReadSize
		}
		plain := NewByteBuffer(size)
		n, st := s.engine.Read(plain.Free())
		if st != StatusOK || n == 0 {
			plain.Release()
			if st == StatusWantRead || st == StatusOK {
				break
			}
			return st
		}
		plain.Commit(n)
		l.PullPrev(plain, StatusOK)
	}
	return s.flush(l, false)
}

// Close sends a close alert ahead of the socket close.
func (s *TLSStage) Close(l *Layer, data any, status Status) Status {
	if s.engine != nil && s.step == tlsStepOpen {
		s.engine.Close()
		if out := s.engine.Drain(); len(out) > 0 {
			s.tags.Add(false)
			l.PushNext(ByteBufferFromBytes(out), StatusOK)
		}
	}
	return l.CloseNext(data, status)
}

// CloseExternally drops the session.
func (s *TLSStage) CloseExternally(l *Layer, data any, status Status) Status {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	if s.loader != nil {
		s.loader.Abort()
		s.loader = nil
	}
	for s.tags.Length() > 0 {
		s.tags.Remove()
	}
	s.step = tlsStepLoadCA
	return l.CloseExternallyPrev(data, status)
}
