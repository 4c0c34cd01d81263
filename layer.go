package mqttloop

// Layer binds a Stage to its position in a Chain and tracks its state.
type Layer struct {
	chain       *Chain
	index       int
	stage       Stage
	state       LayerState
	closePosted bool
	logger      Logger
}

// Chain is a fixed pipeline of layers ordered from the application
// (index 0) to the wire (last index). Next points toward the wire, prev
// toward the application. Every hop between layers is posted on the
// dispatcher ready queue.
type Chain struct {
	layers   []*Layer
	disp     *Dispatcher
	logger   Logger
	onClosed func(Status)
}

// NewChain builds a chain from application-side to wire-side stages.
func NewChain(d *Dispatcher, logger Logger, stages ...Stage) *Chain {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	c := &Chain{
		layers: make([]*Layer, len(stages)),
		disp:   d,
		logger: logger,
	}
	for i, s := range stages {
		c.layers[i] = &Layer{
			chain:  c,
			index:  i,
			stage:  s,
			logger: logger.WithFields(LogFields{LogFieldLayer: s.Name()}),
		}
	}
	return c
}

// Len returns the number of layers.
func (c *Chain) Len() int { return len(c.layers) }

// Layer returns the layer at index i, or nil.
func (c *Chain) Layer(i int) *Layer {
	if i < 0 || i >= len(c.layers) {
		return nil
	}
	return c.layers[i]
}

// Top returns the application-side layer.
func (c *Chain) Top() *Layer { return c.Layer(0) }

// Bottom returns the wire-side layer.
func (c *Chain) Bottom() *Layer { return c.Layer(len(c.layers) - 1) }

// Dispatcher returns the dispatcher driving the chain.
func (c *Chain) Dispatcher() *Dispatcher { return c.disp }

// OnClosed installs fn, called when close_externally leaves the
// application-side layer.
func (c *Chain) OnClosed(fn func(Status)) { c.onClosed = fn }

// Init starts initialisation at the application-side layer.
func (c *Chain) Init(data any) Status {
	return c.post(c.Top(), OpInit, data, StatusOK)
}

// Push hands data to the application-side layer.
func (c *Chain) Push(data any) Status {
	return c.post(c.Top(), OpPush, data, StatusOK)
}

// Close starts an orderly close at the application-side layer.
func (c *Chain) Close(status Status) Status {
	return c.post(c.Top(), OpClose, nil, status)
}

// Closed reports whether every layer has reached LayerClosed.
func (c *Chain) Closed() bool {
	for _, l := range c.layers {
		if l.state != LayerClosed {
			return false
		}
	}
	return true
}

// States returns the state of every layer, application side first.
func (c *Chain) States() []LayerState {
	out := make([]LayerState, len(c.layers))
	for i, l := range c.layers {
		out[i] = l.state
	}
	return out
}

func (c *Chain) post(target *Layer, op Op, data any, status Status) Status {
	if target == nil {
		releaseData(data)
		return StatusInvalidParameter
	}
	return c.disp.Execute(target.Resume(op, data, status))
}

// Name returns the stage name.
func (l *Layer) Name() string { return l.stage.Name() }

// Index returns the position of the layer, 0 being the application side.
func (l *Layer) Index() int { return l.index }

// State returns the layer state.
func (l *Layer) State() LayerState { return l.state }

// Operational reports whether push, pull and connect are still accepted.
func (l *Layer) Operational() bool {
	return l.state != LayerClosing && l.state != LayerClosed
}

// Stage returns the stage bound to the layer.
func (l *Layer) Stage() Stage { return l.stage }

// Chain returns the owning chain.
func (l *Layer) Chain() *Chain { return l.chain }

// Dispatcher returns the dispatcher driving the chain.
func (l *Layer) Dispatcher() *Dispatcher { return l.chain.disp }

// Logger returns the layer logger.
func (l *Layer) Logger() Logger { return l.logger }

// Next returns the neighbour toward the wire, or nil.
func (l *Layer) Next() *Layer { return l.chain.Layer(l.index + 1) }

// Prev returns the neighbour toward the application, or nil.
func (l *Layer) Prev() *Layer { return l.chain.Layer(l.index - 1) }

// Resume returns a callback that re-enters op on this layer with data and
// status. Stages arm the dispatcher with it before returning would-block.
func (l *Layer) Resume(op Op, data any, status Status) Callback {
	return Bind3(l.run, op, data, status)
}

// InitNext forwards init toward the wire.
func (l *Layer) InitNext(data any, status Status) Status {
	next := l.Next()
	if next == nil {
		return status
	}
	return l.chain.post(next, OpInit, data, status)
}

// ConnectPrev reports the connect result toward the application. A
// successful result opens this layer.
func (l *Layer) ConnectPrev(data any, status Status) Status {
	if status == StatusOK && l.state == LayerConnecting {
		l.state = LayerOpen
	}
	prev := l.Prev()
	if prev == nil {
		releaseData(data)
		return status
	}
	return l.chain.post(prev, OpConnect, data, status)
}

// PushNext forwards data toward the wire.
func (l *Layer) PushNext(data any, status Status) Status {
	next := l.Next()
	if next == nil {
		releaseData(data)
		return StatusInvalidParameter
	}
	return l.chain.post(next, OpPush, data, status)
}

// PushPrev forwards a write confirmation toward the application.
func (l *Layer) PushPrev(data any, status Status) Status {
	prev := l.Prev()
	if prev == nil {
		releaseData(data)
		return status
	}
	return l.chain.post(prev, OpPush, data, status)
}

// PullPrev forwards received data toward the application.
func (l *Layer) PullPrev(data any, status Status) Status {
	prev := l.Prev()
	if prev == nil {
		releaseData(data)
		return status
	}
	return l.chain.post(prev, OpPull, data, status)
}

// CloseNext forwards an orderly close toward the wire.
func (l *Layer) CloseNext(data any, status Status) Status {
	next := l.Next()
	if next == nil {
		releaseData(data)
		return status
	}
	return l.chain.post(next, OpClose, data, status)
}

// CloseExternallyPrev reports the closed connection toward the application.
func (l *Layer) CloseExternallyPrev(data any, status Status) Status {
	prev := l.Prev()
	if prev == nil {
		releaseData(data)
		if l.chain.onClosed != nil {
			l.chain.onClosed(status)
		}
		return status
	}
	return l.chain.post(prev, OpCloseExternally, data, status)
}

// CloseExternallySelf posts close_externally on this layer.
func (l *Layer) CloseExternallySelf(data any, status Status) Status {
	return l.chain.post(l, OpCloseExternally, data, status)
}

// CloseSelf posts an orderly close on this layer.
func (l *Layer) CloseSelf(status Status) Status {
	if !l.Operational() {
		return status
	}
	l.state = LayerClosing
	l.closePosted = true
	return l.chain.post(l, OpClose, nil, status)
}

func (l *Layer) run(op Op, data any, status Status) Status {
	var res Status

	switch op {
	case OpInit:
		if l.state != LayerUninitialized && l.state != LayerConnecting {
			releaseData(data)
			return StatusInvalidParameter
		}
		l.state = LayerConnecting
		res = l.stage.Init(l, data, status)

	case OpConnect:
		if !l.Operational() {
			releaseData(data)
			return status
		}
		res = l.stage.Connect(l, data, status)

	case OpPush:
		if !l.Operational() {
			releaseData(data)
			return status
		}
		res = l.stage.Push(l, data, status)

	case OpPull:
		if !l.Operational() {
			releaseData(data)
			return status
		}
		res = l.stage.Pull(l, data, status)

	case OpClose:
		if !l.closePosted && !l.Operational() {
			releaseData(data)
			return status
		}
		l.closePosted = false
		l.state = LayerClosing
		return l.stage.Close(l, data, status)

	case OpCloseExternally:
		if l.state == LayerClosed {
			releaseData(data)
			return status
		}
		res = l.stage.CloseExternally(l, data, status)
		l.state = LayerClosed
		return res

	default:
		releaseData(data)
		return StatusInvalidParameter
	}

	if !res.Continues() && l.Operational() {
		l.logger.Debug("stage failed, closing layer", LogFields{
			"op":           op.String(),
			LogFieldStatus: res.String(),
		})
		l.CloseSelf(res)
	}
	return res
}
