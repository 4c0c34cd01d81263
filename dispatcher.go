package mqttloop

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// EventKind is a bit set of descriptor readiness conditions.
type EventKind uint8

const (
	EventRead EventKind = 1 << iota
	EventWrite
	EventError
	EventConnect
)

// String returns the string representation of the event set.
func (k EventKind) String() string {
	if k == 0 {
		return "none"
	}
	s := ""
	add := func(bit EventKind, name string) {
		if k&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(EventRead, "read")
	add(EventWrite, "write")
	add(EventError, "error")
	add(EventConnect, "connect")
	return s
}

// HandleKind distinguishes socket and file descriptors.
type HandleKind uint8

const (
	HandleSocket HandleKind = iota
	HandleFile
)

// Handle identifies a descriptor registered with the dispatcher.
type Handle struct {
	Kind HandleKind
	FD   int
}

// SocketHandle returns the dispatcher handle of a socket.
func SocketHandle(s Socket) Handle { return Handle{Kind: HandleSocket, FD: int(s)} }

// FileHandle returns the dispatcher handle of a file.
func FileHandle(f File) Handle { return Handle{Kind: HandleFile, FD: int(f)} }

// Readiness reports events observed on a descriptor by the host poll.
type Readiness struct {
	Handle Handle
	Events EventKind
}

// Interest tells the host poll which events to wait for on a descriptor.
type Interest struct {
	Handle Handle
	Events EventKind
}

type arming struct {
	kinds    EventKind
	callback Callback
}

type registration struct {
	onReadable Callback
	armings    []arming
}

func (r *registration) armed() EventKind {
	var k EventKind
	for _, a := range r.armings {
		k |= a.kinds
	}
	return k
}

// Dispatcher multiplexes descriptor readiness, due timers and posted work
// into callback invocations. All methods except Execute, Stop and Wake must
// be called from the goroutine that drives Tick.
type Dispatcher struct {
	now     int64
	timers  *TimerTable
	regs    map[Handle]*registration
	onEmpty Callback

	mu       sync.Mutex
	ready    *queue.Queue
	draining bool

	stopped atomic.Bool
	wake    chan struct{}
	waker   func()

	logger Logger
}

// NewDispatcher creates a dispatcher whose clock starts at zero.
func NewDispatcher(logger Logger) *Dispatcher {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Dispatcher{
		timers: NewTimerTable(16),
		regs:   make(map[Handle]*registration),
		ready:  queue.New(),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Now returns the dispatcher time of the current tick.
func (d *Dispatcher) Now() int64 { return d.now }

// Timers exposes the time-ordered table.
func (d *Dispatcher) Timers() *TimerTable { return d.timers }

// RegisterSocket subscribes onReadable to read readiness of s. The callback
// stays registered until UnregisterSocket.
func (d *Dispatcher) RegisterSocket(s Socket, onReadable Callback) Status {
	return d.register(SocketHandle(s), onReadable)
}

// UnregisterSocket removes s and drops any pending arming for it.
func (d *Dispatcher) UnregisterSocket(s Socket) Status {
	return d.unregister(SocketHandle(s))
}

// RegisterFile subscribes onReadable to read readiness of f.
func (d *Dispatcher) RegisterFile(f File, onReadable Callback) Status {
	return d.register(FileHandle(f), onReadable)
}

// UnregisterFile removes f and drops any pending arming for it.
func (d *Dispatcher) UnregisterFile(f File) Status {
	return d.unregister(FileHandle(f))
}

func (d *Dispatcher) register(h Handle, onReadable Callback) Status {
	if _, ok := d.regs[h]; ok {
		return StatusInvalidParameter
	}
	d.regs[h] = &registration{onReadable: onReadable}
	return StatusOK
}

func (d *Dispatcher) unregister(h Handle) Status {
	if _, ok := d.regs[h]; !ok {
		return StatusElementNotFound
	}
	delete(d.regs, h)
	return StatusOK
}

// Registered reports whether the socket is registered.
func (d *Dispatcher) Registered(s Socket) bool {
	_, ok := d.regs[SocketHandle(s)]
	return ok
}

// ArmForEvent makes cb fire once the next time any of kinds is observed on
// s. Arming a kind that is already armed is a usage error.
func (d *Dispatcher) ArmForEvent(s Socket, kinds EventKind, cb Callback) Status {
	return d.arm(SocketHandle(s), kinds, cb)
}

// ArmFile is ArmForEvent for file descriptors.
func (d *Dispatcher) ArmFile(f File, kinds EventKind, cb Callback) Status {
	return d.arm(FileHandle(f), kinds, cb)
}

func (d *Dispatcher) arm(h Handle, kinds EventKind, cb Callback) Status {
	if kinds == 0 || !cb.IsSet() {
		return StatusInvalidParameter
	}
	reg, ok := d.regs[h]
	if !ok {
		return StatusElementNotFound
	}
	if reg.armed()&kinds != 0 {
		return StatusInvalidParameter
	}
	reg.armings = append(reg.armings, arming{kinds: kinds, callback: cb})
	return StatusOK
}

// Interests lists every registered descriptor with the events the host
// poll has to watch.
func (d *Dispatcher) Interests() []Interest {
	out := make([]Interest, 0, len(d.regs))
	for h, reg := range d.regs {
		events := reg.armed()
		if reg.onReadable.IsSet() {
			events |= EventRead
		}
		out = append(out, Interest{Handle: h, Events: events})
	}
	return out
}

// ScheduleIn runs cb delta time units after the current tick.
func (d *Dispatcher) ScheduleIn(cb Callback, delta int64, handle *TimerHandle) error {
	if delta < 0 {
		delta = 0
	}
	return d.timers.Insert(cb, d.now+delta, handle)
}

// Cancel removes a scheduled timer.
func (d *Dispatcher) Cancel(handle *TimerHandle) error {
	return d.timers.Cancel(handle)
}

// Reschedule moves a pending timer to delta time units after the current tick.
func (d *Dispatcher) Reschedule(handle *TimerHandle, delta int64) error {
	if delta < 0 {
		delta = 0
	}
	return d.timers.Reschedule(handle, d.now+delta)
}

// EarliestWakeTime returns the time the host should wake at: the earliest
// timer, never earlier than now. ok is false when no timer is pending.
func (d *Dispatcher) EarliestWakeTime() (int64, bool) {
	e, ok := d.timers.Peek()
	if !ok {
		return 0, false
	}
	if e.At < d.now {
		return d.now, true
	}
	return e.At, true
}

// SetOnEmpty installs a callback invoked at the end of a tick that leaves
// no timers, posted work or registrations.
func (d *Dispatcher) SetOnEmpty(cb Callback) { d.onEmpty = cb }

// Execute posts cb to the ready queue. Safe for concurrent use. The host
// is woken only when the queue turns non-empty outside RunReady; work
// posted while the queue is drained runs in the same pass.
func (d *Dispatcher) Execute(cb Callback) Status {
	if !cb.IsSet() {
		return StatusInvalidParameter
	}

	d.mu.Lock()
	wake := !d.draining && d.ready.Length() == 0
	d.ready.Add(cb)
	d.mu.Unlock()

	if wake {
		d.signal()
	}
	return StatusOK
}

// SetWaker installs a function called when posted work needs the host
// poll to return, and when Stop is called.
func (d *Dispatcher) SetWaker(fn func()) { d.waker = fn }

// Wake returns a channel that receives a value whenever the host is woken.
func (d *Dispatcher) Wake() <-chan struct{} { return d.wake }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
	if d.waker != nil {
		d.waker()
	}
}

// Stop asks host loops to exit. Safe for concurrent use.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.signal()
}

// Continue reports whether Stop has not been called.
func (d *Dispatcher) Continue() bool { return !d.stopped.Load() }

// ReadyLen returns the number of posted callbacks waiting to run.
func (d *Dispatcher) ReadyLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Length()
}

// Idle reports whether nothing is scheduled, posted or registered.
func (d *Dispatcher) Idle() bool {
	return d.timers.Len() == 0 && len(d.regs) == 0 && d.ReadyLen() == 0
}

// Tick runs one dispatch round at time now: readiness callbacks, due timers
// in time order, then posted work. Time never moves backwards.
func (d *Dispatcher) Tick(now int64, ready []Readiness) {
	if now > d.now {
		d.now = now
	}

	for _, r := range ready {
		d.dispatchReadiness(r)
	}

	for {
		e, ok := d.timers.TakeDue(d.now)
		if !ok {
			break
		}
		if st := d.invoke(e.Callback); st.Fatal() {
			d.logger.Error("timer callback failed, stopping dispatcher", LogFields{
				LogFieldStatus: st.String(),
			})
			d.Stop()
		}
	}

	d.RunReady()

	if d.onEmpty.IsSet() && d.Idle() {
		d.invoke(d.onEmpty)
	}
}

// RunReady drains the ready queue, including work posted while draining.
func (d *Dispatcher) RunReady() {
	for {
		d.mu.Lock()
		if d.ready.Length() == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		d.draining = true
		cb := d.ready.Remove().(Callback)
		d.mu.Unlock()

		d.invoke(cb)
	}
}

func (d *Dispatcher) dispatchReadiness(r Readiness) {
	reg, ok := d.regs[r.Handle]
	if !ok || r.Events == 0 {
		return
	}

	var fire []Callback
	kept := reg.armings[:0]
	for _, a := range reg.armings {
		if a.kinds&r.Events != 0 || r.Events&EventError != 0 {
			fire = append(fire, a.callback)
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(reg.armings); i++ {
		reg.armings[i] = arming{}
	}
	reg.armings = kept

	if len(fire) == 0 && r.Events&(EventRead|EventError) != 0 && reg.onReadable.IsSet() {
		fire = append(fire, reg.onReadable)
	}

	for _, cb := range fire {
		d.invoke(cb)
	}
}

func (d *Dispatcher) invoke(cb Callback) Status {
	st := cb.Invoke()
	if !st.Continues() && d.logger.Level() <= LogLevelDebug {
		d.logger.Debug("callback finished with error status", LogFields{
			LogFieldStatus: st.String(),
		})
	}
	return st
}
