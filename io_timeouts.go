package mqttloop

// IOTimeouts tracks the timers that guard outstanding network requests of
// one connection, so they can be moved or dropped together.
type IOTimeouts struct {
	d       *Dispatcher
	handles []*TimerHandle
}

// NewIOTimeouts creates an empty set bound to d.
func NewIOTimeouts(d *Dispatcher) *IOTimeouts {
	return &IOTimeouts{d: d}
}

// Len returns the number of pending timeouts.
func (t *IOTimeouts) Len() int { return len(t.handles) }

// Start runs cb after delta time units unless cancelled first.
func (t *IOTimeouts) Start(cb Callback, delta int64) (*TimerHandle, error) {
	h := &TimerHandle{}
	if err := t.d.ScheduleIn(Bind2(t.fire, h, cb), delta, h); err != nil {
		return nil, err
	}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *IOTimeouts) fire(h *TimerHandle, cb Callback) Status {
	t.remove(h)
	return cb.Invoke()
}

// Cancel stops h. Cancelling a fired or unknown handle is a no-op.
func (t *IOTimeouts) Cancel(h *TimerHandle) {
	if h == nil || !t.remove(h) {
		return
	}
	if h.Pending() {
		_ = t.d.Cancel(h)
	}
}

// Restart moves h to delta time units from now. It reports false when h
// already fired or was cancelled.
func (t *IOTimeouts) Restart(h *TimerHandle, delta int64) bool {
	if h == nil || !h.Pending() {
		return false
	}
	return t.d.Reschedule(h, delta) == nil
}

// CancelAll stops every pending timeout.
func (t *IOTimeouts) CancelAll() {
	handles := t.handles
	t.handles = nil
	for _, h := range handles {
		if h.Pending() {
			_ = t.d.Cancel(h)
		}
	}
}

func (t *IOTimeouts) remove(h *TimerHandle) bool {
	for i, o := range t.handles {
		if o == h {
			last := len(t.handles) - 1
			t.handles[i] = t.handles[last]
			t.handles[last] = nil
			t.handles = t.handles[:last]
			return true
		}
	}
	return false
}
