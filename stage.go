package mqttloop

// Op names one of the six stage operations.
type Op uint8

const (
	OpInit Op = iota
	OpConnect
	OpPush
	OpPull
	OpClose
	OpCloseExternally
)

// String returns the string representation of the operation.
func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpConnect:
		return "connect"
	case OpPush:
		return "push"
	case OpPull:
		return "pull"
	case OpClose:
		return "close"
	case OpCloseExternally:
		return "close_externally"
	default:
		return "unknown"
	}
}

// LayerState is the lifecycle of one layer in a chain.
type LayerState uint8

const (
	LayerUninitialized LayerState = iota
	LayerConnecting
	LayerOpen
	LayerClosing
	LayerClosed
)

// String returns the string representation of the layer state.
func (s LayerState) String() string {
	switch s {
	case LayerUninitialized:
		return "uninitialized"
	case LayerConnecting:
		return "connecting"
	case LayerOpen:
		return "open"
	case LayerClosing:
		return "closing"
	case LayerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stage is one protocol step of a chain. Every operation receives the
// status of the call that led to it and returns a new status. A stage
// that cannot finish arms the dispatcher with a callback from
// Layer.Resume and returns StatusWantRead or StatusWantWrite.
//
// Data flowing through push and pull is owned by the receiving stage from
// the moment the operation is invoked.
type Stage interface {
	Name() string
	Init(l *Layer, data any, status Status) Status
	Connect(l *Layer, data any, status Status) Status
	Push(l *Layer, data any, status Status) Status
	Pull(l *Layer, data any, status Status) Status
	Close(l *Layer, data any, status Status) Status
	CloseExternally(l *Layer, data any, status Status) Status
}

// BaseStage implements every operation by forwarding in the default
// direction. Stages embed it and override what they handle.
type BaseStage struct{}

// Init forwards toward the wire.
func (BaseStage) Init(l *Layer, data any, status Status) Status {
	return l.InitNext(data, status)
}

// Connect forwards toward the application.
func (BaseStage) Connect(l *Layer, data any, status Status) Status {
	return l.ConnectPrev(data, status)
}

// Push forwards data toward the wire and confirmations toward the application.
func (BaseStage) Push(l *Layer, data any, status Status) Status {
	if status == StatusWritten || status == StatusFailedWriting {
		return l.PushPrev(data, status)
	}
	return l.PushNext(data, status)
}

// Pull forwards toward the application.
func (BaseStage) Pull(l *Layer, data any, status Status) Status {
	return l.PullPrev(data, status)
}

// Close forwards toward the wire.
func (BaseStage) Close(l *Layer, data any, status Status) Status {
	return l.CloseNext(data, status)
}

// CloseExternally forwards toward the application.
func (BaseStage) CloseExternally(l *Layer, data any, status Status) Status {
	return l.CloseExternallyPrev(data, status)
}
