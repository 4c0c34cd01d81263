package mqttloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type clientState uint8

const (
	clientIdle clientState = iota
	clientConnecting
	clientConnected
	clientWaiting
	clientShuttingDown
)

// Client is a non-blocking MQTT 3.1.1 client. All protocol work runs on
// the goroutine that calls ProcessTick or ProcessBlocking; the public
// methods are safe for concurrent use and hand their work to that
// goroutine through the dispatcher.
type Client struct {
	options  *clientOptions
	disp     *Dispatcher
	logger   Logger
	metrics  *EngineMetrics
	net      NetBSP
	tasks    *TimedTasks
	backoff  *Backoff
	limiter  *rate.Limiter
	inflight *InflightWindow
	epoch    time.Time

	active    atomic.Bool
	connected atomic.Bool
	closed    atomic.Bool

	// owned by the dispatcher goroutine
	state     clientState
	host      string
	port      uint16
	conn      *connectOptions
	onResult  EventHandler
	session   *Session
	chain     *Chain
	logic     *LogicStage
	attempt   int
	reconnect TimerHandle
}

// New creates a client. Nothing touches the network until Connect.
func New(opts ...Option) (*Client, error) {
	o := applyOptions(opts...)

	c := &Client{
		options: o,
		logger:  o.logger,
		metrics: NewEngineMetrics(o.metrics),
		epoch:   o.clock(),
	}
	c.disp = NewDispatcher(o.logger)
	c.tasks = NewTimedTasks(c.disp)

	backoff, err := NewBackoff(c.disp, o.penalties, o.decays)
	if err != nil {
		return nil, fmt.Errorf("backoff tables: %w", err)
	}
	backoff.SetAttemptLimit(o.reconnectRate, o.reconnectBurst)
	c.backoff = backoff

	if o.caFile != "" && o.resources == nil {
		o.resources = NewFSResources(os.DirFS(filepath.Dir(o.caFile)))
		o.caFile = filepath.Base(o.caFile)
	}

	if o.publishRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(o.publishRate), max(o.publishBurst, 1))
	}

	if o.maxInflight > 0 {
		c.inflight = NewInflightWindow(o.maxInflight)
	}

	switch {
	case o.net != nil:
		c.net = o.net
	case o.dialer != nil:
		c.net = NewConnNet(o.dialer)
	default:
		bsp, err := newDefaultNet()
		if err != nil {
			return nil, fmt.Errorf("socket layer: %w", err)
		}
		c.net = bsp
	}
	c.disp.SetWaker(c.net.Wakeup)
	return c, nil
}

// Dispatcher returns the dispatcher driving the client.
func (c *Client) Dispatcher() *Dispatcher { return c.disp }

// IsConnected reports whether the broker accepted the current connection.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Backoff returns the reconnect penalty state.
func (c *Client) Backoff() *Backoff { return c.backoff }

func (c *Client) now() int64 {
	return c.options.clock().Sub(c.epoch).Milliseconds()
}

func (c *Client) emit(event error) {
	if c.onResult != nil {
		c.onResult(c, event)
	}
}

// Connect starts connecting to host and port. It returns immediately;
// onResult receives a *ConnectedEvent, *ConnectError, *ReconnectEvent or
// *DisconnectError as the connection progresses.
func (c *Client) Connect(host string, port uint16, onResult EventHandler, opts ...ConnectOption) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if host == "" {
		return ErrInvalidParameter
	}
	co := applyConnectOptions(opts...)
	if err := co.validate(); err != nil {
		return err
	}
	if !c.active.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	st := c.disp.Execute(Bind4(c.start, host, port, onResult, co))
	if st != StatusOK {
		c.active.Store(false)
		return st.Err()
	}
	return nil
}

func (c *Client) start(host string, port uint16, onResult EventHandler, co *connectOptions) Status {
	c.host, c.port = host, port
	c.onResult = onResult
	c.conn = co
	c.attempt = 0

	if c.session == nil || c.session.Type != co.sessionType {
		if c.session != nil {
			c.session.reset(StatusConnectionClosed)
		}
		c.session = NewSession(co.sessionType)
	}
	return c.open()
}

// open builds a fresh chain for one connection attempt.
func (c *Client) open() Status {
	c.state = clientConnecting
	c.metrics.ConnectAttempt()

	c.logic = NewLogicStage(LogicConfig{
		Connect:         c.conn.connect,
		Session:         c.session,
		ConnectTimeout:  c.conn.connectTimeout,
		ResponseTimeout: c.options.responseTimeout,
		Metrics:         c.metrics,
		OnConnected:     c.onConnected,
	})

	stages := []Stage{c.logic, NewCodecStage(c.metrics, c.options.maxPacketSize)}
	if c.options.tlsConfig != nil || c.options.caFile != "" {
		stages = append(stages, NewTLSStage(TLSStageConfig{
			Config:    c.options.tlsConfig,
			Factory:   c.options.tlsEngine,
			Host:      c.host,
			Resources: c.options.resources,
			CAFile:    c.options.caFile,
		}))
	}
	netStage := NewNetStage(c.net, c.host, c.port, c.metrics)
	netStage.SetReadSize(c.options.readSize)
	stages = append(stages, netStage)

	logger := c.logger
	if c.conn.connect.ClientID != "" {
		logger = logger.WithFields(LogFields{LogFieldClientID: c.conn.connect.ClientID})
	}
	c.chain = NewChain(c.disp, logger, stages...)
	c.chain.OnClosed(c.onClosed)

	c.logger.Debug("connecting", LogFields{
		LogFieldRemoteAddr: joinHostPort(c.host, c.port),
		LogFieldAttempt:    c.attempt,
	})
	return c.chain.Init(nil)
}

func (c *Client) onConnected(sessionPresent bool) {
	c.state = clientConnected
	c.attempt = 0
	c.backoff.Update(StatusOK)
	c.connected.Store(true)
	c.metrics.Connected()
	c.emit(NewConnectedEvent(c.host, c.port, sessionPresent))
}

func (c *Client) onClosed(status Status) {
	wasConnected := c.state == clientConnected
	shutdown := c.state == clientShuttingDown

	c.chain = nil
	c.logic = nil
	c.connected.Store(false)
	c.metrics.Disconnected(status)

	switch {
	case shutdown:
		c.finish(NewDisconnectError(StatusOK))
		return
	case wasConnected:
		c.emit(NewDisconnectError(status))
	default:
		c.emit(NewConnectError(c.host, c.port, status))
	}

	if !c.options.autoReconnect || status == StatusOK {
		c.finish(nil)
		return
	}
	c.scheduleReconnect(status)
}

func (c *Client) scheduleReconnect(cause Status) {
	c.backoff.Update(cause)
	c.attempt++

	if c.options.maxReconnects > 0 && c.attempt > c.options.maxReconnects {
		c.logger.Warn("giving up reconnecting", LogFields{LogFieldAttempt: c.attempt - 1})
		c.finish(&StatusError{Status: StatusBackoffTerminal})
		return
	}

	delay := c.backoff.Delay()
	wait := time.Duration(delay) * time.Millisecond
	c.metrics.ReconnectDelay(wait)
	c.logger.Info("reconnecting", LogFields{
		LogFieldAttempt:  c.attempt,
		LogFieldDuration: wait.String(),
		LogFieldStatus:   cause.String(),
	})

	c.state = clientWaiting
	if err := c.disp.ScheduleIn(Bind0(c.open), delay, &c.reconnect); err != nil {
		c.finish(err)
		return
	}
	c.emit(NewReconnectEvent(c.attempt, wait, cause))
}

// finish ends the connection lifecycle and reports event, if any.
func (c *Client) finish(event error) {
	c.state = clientIdle
	if c.reconnect.Pending() {
		_ = c.disp.Cancel(&c.reconnect)
	}
	c.active.Store(false)
	if event != nil {
		c.emit(event)
	}
	if c.closed.Load() {
		c.tasks.Clear()
		c.backoff.Cancel()
		c.disp.Stop()
	}
}

// Publish sends a message. QoS 0 completes once written to the socket,
// QoS 1 once the broker acknowledged it. onResult receives nil on success
// or a *PublishError. It may be nil.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool, onResult EventHandler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := ValidateTopicName(topic); err != nil {
		return err
	}
	if qos > QoS1 {
		return ErrInvalidQoS
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.AllowN(c.options.clock(), 1) {
		return ErrRateLimited
	}

	tracked := qos == QoS1 && c.inflight != nil
	if tracked && !c.inflight.TryAcquire() {
		return ErrInflightExceeded
	}

	r := &request{
		kind:    requestPublish,
		topic:   topic,
		payload: append([]byte(nil), payload...),
		qos:     qos,
		retain:  retain,
	}
	r.onDone = func(st Status, _ byte) {
		if tracked {
			c.inflight.Release()
		}
		if onResult == nil {
			return
		}
		if st != StatusOK {
			onResult(c, NewPublishError(topic, r.id, st))
			return
		}
		onResult(c, nil)
	}
	if err := c.submit(r); err != nil {
		if tracked {
			c.inflight.Release()
		}
		return err
	}
	return nil
}

// Subscribe registers onMessage for filter and sends SUBSCRIBE. Messages
// matching filter are delivered as soon as the request is sent. onResult
// receives nil or a *SubscribeError; a refused filter is removed again.
func (c *Client) Subscribe(filter string, qos QoS, onMessage MessageHandler, onResult EventHandler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}
	if onMessage == nil {
		return ErrInvalidParameter
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	r := &request{kind: requestSubscribe, topic: filter, qos: qos, handler: onMessage}
	r.onDone = func(st Status, code byte) {
		if onResult == nil {
			return
		}
		if st != StatusOK || code == SubackFailure {
			onResult(c, NewSubscribeError(filter, code, st))
			return
		}
		onResult(c, nil)
	}
	return c.submit(r)
}

// Unsubscribe sends UNSUBSCRIBE; the handler stays until UNSUBACK.
func (c *Client) Unsubscribe(filter string, onResult EventHandler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	r := &request{kind: requestUnsubscribe, topic: filter}
	r.onDone = func(st Status, _ byte) {
		if onResult == nil {
			return
		}
		if st != StatusOK {
			onResult(c, &StatusError{Status: st})
			return
		}
		onResult(c, nil)
	}
	return c.submit(r)
}

func (c *Client) submit(r *request) error {
	if st := c.disp.Execute(Bind1(c.push, r)); st != StatusOK {
		return st.Err()
	}
	return nil
}

func (c *Client) push(r *request) Status {
	if c.chain == nil || c.state != clientConnected {
		r.finish(StatusConnectionClosed, 0)
		return StatusOK
	}
	return c.chain.Push(r)
}

// Shutdown disconnects gracefully, stops reconnecting and makes the
// processing loop return once the connection is closed. The client cannot
// be used afterwards.
func (c *Client) Shutdown() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	if st := c.disp.Execute(Bind0(c.shutdown)); st != StatusOK {
		return st.Err()
	}
	return nil
}

func (c *Client) shutdown() Status {
	c.logger.Debug("shutting down", nil)
	if c.chain == nil {
		c.finish(nil)
		return StatusOK
	}
	c.state = clientShuttingDown
	return c.chain.Push(shutdownRequest{})
}

// ScheduleTimedTask runs fn on the processing goroutine after delay, and
// every delay afterwards when repeat is set.
func (c *Client) ScheduleTimedTask(fn TimedTaskFunc, delay time.Duration, repeat bool) (TimedTaskHandle, error) {
	if c.closed.Load() {
		return InvalidTimedTask, ErrClientClosed
	}
	h, st := c.tasks.Add(fn, delay.Milliseconds(), repeat)
	if st != StatusOK {
		return InvalidTimedTask, st.Err()
	}
	return h, nil
}

// CancelTimedTask cancels a task. A task cancelled while it runs is not
// rescheduled.
func (c *Client) CancelTimedTask(h TimedTaskHandle) {
	c.tasks.Remove(h)
}

// ProcessTick waits up to timeout for socket events or the next timer,
// then runs one dispatcher round. A negative timeout waits until there is
// something to do.
func (c *Client) ProcessTick(timeout time.Duration) error {
	now := c.now()

	wait := timeout
	if c.disp.ReadyLen() > 0 {
		wait = 0
	}
	if at, ok := c.disp.EarliestWakeTime(); ok {
		until := time.Duration(at-now) * time.Millisecond
		if wait < 0 || until < wait {
			wait = max(until, 0)
		}
	}

	var (
		reqs  []SelectRequest
		ready []Readiness
	)
	for _, in := range c.disp.Interests() {
		switch in.Handle.Kind {
		case HandleSocket:
			reqs = append(reqs, SelectRequest{Socket: Socket(in.Handle.FD), Events: in.Events})
		case HandleFile:
			ready = append(ready, Readiness{Handle: in.Handle, Events: in.Events})
		}
	}
	if len(ready) > 0 {
		wait = 0
	}

	if wait != 0 || len(reqs) > 0 {
		if st := c.net.Select(reqs, wait); st != StatusOK {
			return st.Err()
		}
	}
	for _, r := range reqs {
		if r.Ready != 0 {
			ready = append(ready, Readiness{Handle: SocketHandle(r.Socket), Events: r.Ready})
		}
	}

	start := time.Now()
	c.disp.Tick(c.now(), ready)
	c.metrics.Tick(time.Since(start), c.disp.Timers().Len())
	return nil
}

// ProcessBlocking runs the processing loop until ctx is done or the
// client shut down.
func (c *Client) ProcessBlocking(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.net.Wakeup)
	defer stop()

	for c.disp.Continue() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ProcessTick(-1); err != nil {
			return err
		}
	}
	return nil
}
