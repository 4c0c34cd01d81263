package mqttloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherTimersFireOnce(t *testing.T) {
	d := NewDispatcher(nil)

	var order []int
	counts := make([]int, 50)
	for i := range counts {
		cb := Bind1(func(i int) Status {
			counts[i]++
			order = append(order, i)
			return StatusOK
		}, i)
		require.NoError(t, d.ScheduleIn(cb, 10, nil))
	}

	for now := int64(0); now <= 11; now++ {
		d.Tick(now, nil)
		if now < 10 {
			assert.Equal(t, 50, d.Timers().Len())
			assert.Empty(t, order)
		}
	}

	for i, n := range counts {
		assert.Equal(t, 1, n, "timer %d", i)
	}
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Equal(t, 0, d.Timers().Len())
}

func TestDispatcherCancelHalf(t *testing.T) {
	d := NewDispatcher(nil)

	var order []int
	handles := make([]TimerHandle, 50)
	for i := range handles {
		cb := Bind1(func(i int) Status {
			order = append(order, i)
			return StatusOK
		}, i)
		require.NoError(t, d.ScheduleIn(cb, 10, &handles[i]))
	}

	for now := int64(0); now <= 11; now++ {
		if now == 5 {
			for i := range handles[:25] {
				require.NoError(t, d.Cancel(&handles[i]))
				assert.False(t, handles[i].Pending())
			}
			assert.Equal(t, 25, d.Timers().Len())
		}
		d.Tick(now, nil)
	}

	want := make([]int, 0, 25)
	for i := 25; i < 50; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, order)
	assert.Equal(t, 0, d.Timers().Len())
	for i := range handles {
		assert.False(t, handles[i].Pending())
	}

	assert.Error(t, d.Cancel(&handles[0]))
	assert.Error(t, d.Cancel(&handles[30]))
}

func TestDispatcherTimerOrder(t *testing.T) {
	d := NewDispatcher(nil)

	var order []int
	record := func(v int) Status {
		order = append(order, v)
		return StatusOK
	}

	require.NoError(t, d.ScheduleIn(Bind1(record, 3), 30, nil))
	require.NoError(t, d.ScheduleIn(Bind1(record, 1), 10, nil))
	require.NoError(t, d.ScheduleIn(Bind1(record, 2), 10, nil))
	require.NoError(t, d.ScheduleIn(Bind1(record, 0), -5, nil))

	d.Tick(100, nil)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestDispatcherReschedule(t *testing.T) {
	d := NewDispatcher(nil)

	var fired bool
	var h TimerHandle
	require.NoError(t, d.ScheduleIn(Bind0(func() Status {
		fired = true
		return StatusOK
	}), 10, &h))

	require.NoError(t, d.Reschedule(&h, 50))
	at, ok := h.At()
	require.True(t, ok)
	assert.Equal(t, int64(50), at)

	d.Tick(20, nil)
	assert.False(t, fired)

	d.Tick(50, nil)
	assert.True(t, fired)
	assert.Error(t, d.Reschedule(&h, 10))
}

func TestDispatcherEarliestWakeTime(t *testing.T) {
	d := NewDispatcher(nil)

	_, ok := d.EarliestWakeTime()
	assert.False(t, ok)

	noop := Bind0(func() Status { return StatusOK })
	require.NoError(t, d.Timers().Insert(noop, 5, nil))
	require.NoError(t, d.ScheduleIn(noop, 100, nil))

	at, ok := d.EarliestWakeTime()
	require.True(t, ok)
	assert.Equal(t, int64(5), at)

	// an overdue timer clamps to the current time
	d.now = 20
	at, ok = d.EarliestWakeTime()
	require.True(t, ok)
	assert.Equal(t, int64(20), at)
}

func TestDispatcherTimeNeverMovesBackwards(t *testing.T) {
	d := NewDispatcher(nil)
	d.Tick(100, nil)
	d.Tick(50, nil)
	assert.Equal(t, int64(100), d.Now())
}

func TestDispatcherExecuteFIFO(t *testing.T) {
	d := NewDispatcher(nil)

	var order []string
	var second Callback
	first := Bind0(func() Status {
		order = append(order, "first")
		d.Execute(second)
		return StatusOK
	})
	second = Bind0(func() Status {
		order = append(order, "second")
		return StatusOK
	})
	third := Bind0(func() Status {
		order = append(order, "third")
		return StatusInternalError
	})

	require.Equal(t, StatusOK, d.Execute(first))
	require.Equal(t, StatusOK, d.Execute(third))
	assert.Equal(t, 2, d.ReadyLen())

	d.Tick(0, nil)
	assert.Equal(t, []string{"first", "third", "second"}, order)
	assert.Equal(t, 0, d.ReadyLen())

	assert.Equal(t, StatusInvalidParameter, d.Execute(Callback{}))
}

func TestDispatcherExecuteConcurrent(t *testing.T) {
	d := NewDispatcher(nil)

	var fired int
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				d.Execute(Bind0(func() Status {
					fired++
					return StatusOK
				}))
			}
		}()
	}
	wg.Wait()

	d.RunReady()
	assert.Equal(t, 800, fired)

	select {
	case <-d.Wake():
	default:
		t.Fatal("expected wake signal")
	}
}

func TestDispatcherReadiness(t *testing.T) {
	d := NewDispatcher(nil)
	s := Socket(7)

	var readable, writable, errored int
	require.Equal(t, StatusOK, d.RegisterSocket(s, Bind0(func() Status {
		readable++
		return StatusOK
	})))
	assert.Equal(t, StatusInvalidParameter, d.RegisterSocket(s, Callback{}))
	assert.True(t, d.Registered(s))

	onWrite := Bind0(func() Status {
		writable++
		return StatusOK
	})
	require.Equal(t, StatusOK, d.ArmForEvent(s, EventWrite, onWrite))
	assert.Equal(t, StatusInvalidParameter, d.ArmForEvent(s, EventWrite, onWrite))

	interests := d.Interests()
	require.Len(t, interests, 1)
	assert.Equal(t, SocketHandle(s), interests[0].Handle)
	assert.Equal(t, EventRead|EventWrite, interests[0].Events)

	// armed callbacks fire once
	d.Tick(1, []Readiness{{Handle: SocketHandle(s), Events: EventWrite}})
	d.Tick(2, []Readiness{{Handle: SocketHandle(s), Events: EventWrite}})
	assert.Equal(t, 1, writable)
	assert.Equal(t, 0, readable)

	// unarmed read goes to the registration callback
	d.Tick(3, []Readiness{{Handle: SocketHandle(s), Events: EventRead}})
	assert.Equal(t, 1, readable)

	// an error wakes every arming instead of the read callback
	require.Equal(t, StatusOK, d.ArmForEvent(s, EventConnect, Bind0(func() Status {
		errored++
		return StatusOK
	})))
	d.Tick(4, []Readiness{{Handle: SocketHandle(s), Events: EventError}})
	assert.Equal(t, 1, errored)
	assert.Equal(t, 1, readable)

	// unknown handles and empty events are ignored
	d.Tick(5, []Readiness{{Handle: SocketHandle(99), Events: EventRead}, {Handle: SocketHandle(s)}})
	assert.Equal(t, 1, readable)

	require.Equal(t, StatusOK, d.UnregisterSocket(s))
	assert.Equal(t, StatusElementNotFound, d.UnregisterSocket(s))
	assert.Equal(t, StatusElementNotFound, d.ArmForEvent(s, EventRead, onWrite))
	assert.Empty(t, d.Interests())
}

func TestDispatcherArmValidation(t *testing.T) {
	d := NewDispatcher(nil)
	f := File(4)

	cb := Bind0(func() Status { return StatusOK })
	require.Equal(t, StatusOK, d.RegisterFile(f, Callback{}))
	assert.Equal(t, StatusInvalidParameter, d.ArmFile(f, 0, cb))
	assert.Equal(t, StatusInvalidParameter, d.ArmFile(f, EventRead, Callback{}))
	require.Equal(t, StatusOK, d.ArmFile(f, EventRead, cb))
	assert.Equal(t, StatusInvalidParameter, d.ArmFile(f, EventRead|EventWrite, cb))

	interests := d.Interests()
	require.Len(t, interests, 1)
	assert.Equal(t, FileHandle(f), interests[0].Handle)
	assert.Equal(t, EventRead, interests[0].Events)

	require.Equal(t, StatusOK, d.UnregisterFile(f))
	assert.Equal(t, StatusElementNotFound, d.UnregisterFile(f))
}

func TestDispatcherOnEmpty(t *testing.T) {
	d := NewDispatcher(nil)

	var empty int
	d.SetOnEmpty(Bind0(func() Status {
		empty++
		return StatusOK
	}))

	noop := Bind0(func() Status { return StatusOK })
	require.NoError(t, d.ScheduleIn(noop, 10, nil))

	d.Tick(0, nil)
	assert.Equal(t, 0, empty)
	assert.False(t, d.Idle())

	d.Tick(10, nil)
	assert.Equal(t, 1, empty)
	assert.True(t, d.Idle())
}

func TestDispatcherExecuteWakesOncePerBatch(t *testing.T) {
	d := NewDispatcher(nil)

	var woken int
	d.SetWaker(func() { woken++ })

	hops := 0
	var hop func() Status
	hop = func() Status {
		hops++
		if hops < 10 {
			return d.Execute(Bind0(hop))
		}
		return StatusOK
	}

	require.Equal(t, StatusOK, d.Execute(Bind0(hop)))
	require.Equal(t, StatusOK, d.Execute(Bind0(func() Status { return StatusOK })))
	assert.Equal(t, 1, woken)

	d.RunReady()
	assert.Equal(t, 10, hops)
	assert.Equal(t, 1, woken)

	d.Tick(1, nil)
	assert.Equal(t, 1, woken)

	require.Equal(t, StatusOK, d.Execute(Bind0(func() Status { return StatusOK })))
	assert.Equal(t, 2, woken)
	assert.Equal(t, 1, d.ReadyLen())
}

func TestDispatcherFatalTimerStops(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		stopped bool
	}{
		{"ok", StatusOK, false},
		{"timeout", StatusTimeout, false},
		{"connection closed", StatusConnectionClosed, false},
		{"out of memory", StatusOutOfMemory, true},
		{"internal error", StatusInternalError, true},
		{"unknown message id", StatusUnknownMessageID, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(nil)

			var fired []int
			for i := range 2 {
				cb := Bind1(func(i int) Status {
					fired = append(fired, i)
					if i == 0 {
						return tt.status
					}
					return StatusOK
				}, i)
				require.NoError(t, d.ScheduleIn(cb, 5, nil))
			}

			d.Tick(5, nil)
			assert.Equal(t, []int{0, 1}, fired)
			assert.Equal(t, !tt.stopped, d.Continue())
		})
	}

	t.Run("posted work", func(t *testing.T) {
		d := NewDispatcher(nil)
		require.Equal(t, StatusOK, d.Execute(Bind0(func() Status { return StatusInternalError })))
		d.Tick(0, nil)
		assert.True(t, d.Continue())
	})
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(NewNoOpLogger())

	var woken int
	d.SetWaker(func() { woken++ })

	assert.True(t, d.Continue())
	d.Stop()
	assert.False(t, d.Continue())
	assert.Equal(t, 1, woken)

	select {
	case <-d.Wake():
	default:
		t.Fatal("expected wake signal")
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "none", EventKind(0).String())
	assert.Equal(t, "read", EventRead.String())
	assert.Equal(t, "read|write", (EventRead | EventWrite).String())
	assert.Equal(t, "write|error|connect", (EventWrite | EventError | EventConnect).String())
}
