package mqttloop

import "sync"

// MaxTimedTasks is the number of user tasks that can be scheduled at once.
const MaxTimedTasks = 64

// TimedTaskHandle identifies a scheduled user task.
type TimedTaskHandle int

// InvalidTimedTask is never returned by a successful ScheduleTimedTask.
const InvalidTimedTask TimedTaskHandle = -1

// TimedTaskFunc is a user task. It runs on the dispatcher goroutine.
type TimedTaskFunc func(h TimedTaskHandle)

type taskState uint8

const (
	taskScheduled taskState = iota
	taskRunning
	taskDeletable
)

type timedTask struct {
	fn     TimedTaskFunc
	repeat int64
	state  taskState
	timer  TimerHandle
}

// TimedTasks schedules user tasks on a dispatcher. Add and Remove are safe
// for concurrent use; the timers themselves are touched only from posted
// dispatcher work. A task removed while it runs is dropped after it
// returns instead of being rescheduled.
type TimedTasks struct {
	d *Dispatcher

	mu    sync.Mutex
	slots [MaxTimedTasks]*timedTask
}

// NewTimedTasks creates an empty container bound to d.
func NewTimedTasks(d *Dispatcher) *TimedTasks {
	return &TimedTasks{d: d}
}

// Len returns the number of registered tasks.
func (t *TimedTasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, task := range t.slots {
		if task != nil {
			n++
		}
	}
	return n
}

// Add runs fn after delay time units, and again every delay units when
// repeat is set. It returns StatusOutOfMemory when every slot is taken.
func (t *TimedTasks) Add(fn TimedTaskFunc, delay int64, repeat bool) (TimedTaskHandle, Status) {
	if fn == nil || delay < 0 {
		return InvalidTimedTask, StatusInvalidParameter
	}

	task := &timedTask{fn: fn, state: taskScheduled}
	if repeat {
		task.repeat = max(delay, 1)
	}

	t.mu.Lock()
	h := InvalidTimedTask
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = task
			h = TimedTaskHandle(i)
			break
		}
	}
	t.mu.Unlock()

	if h == InvalidTimedTask {
		return InvalidTimedTask, StatusOutOfMemory
	}
	if st := t.d.Execute(Bind3(t.schedule, h, task, delay)); st != StatusOK {
		t.drop(h, task)
		return InvalidTimedTask, st
	}
	return h, StatusOK
}

func (t *TimedTasks) schedule(h TimedTaskHandle, task *timedTask, delay int64) Status {
	if !t.registered(h, task) {
		return StatusOK
	}
	if err := t.d.ScheduleIn(Bind2(t.fire, h, task), delay, &task.timer); err != nil {
		t.drop(h, task)
		return StatusInternalError
	}
	return StatusOK
}

// Remove cancels the task. Removing an unknown handle is a no-op.
func (t *TimedTasks) Remove(h TimedTaskHandle) {
	if h < 0 || int(h) >= MaxTimedTasks {
		return
	}

	t.mu.Lock()
	task := t.slots[h]
	if task == nil {
		t.mu.Unlock()
		return
	}
	if task.state == taskRunning {
		task.state = taskDeletable
		t.mu.Unlock()
		return
	}
	t.slots[h] = nil
	t.mu.Unlock()

	t.d.Execute(Bind1(t.cancel, task))
}

func (t *TimedTasks) cancel(task *timedTask) Status {
	if task.timer.Pending() {
		_ = t.d.Cancel(&task.timer)
	}
	return StatusOK
}

func (t *TimedTasks) fire(h TimedTaskHandle, task *timedTask) Status {
	t.mu.Lock()
	if t.slots[h] != task {
		t.mu.Unlock()
		return StatusOK
	}
	task.state = taskRunning
	t.mu.Unlock()

	task.fn(h)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[h] != task {
		return StatusOK
	}
	if task.repeat == 0 || task.state == taskDeletable {
		t.slots[h] = nil
		return StatusOK
	}
	task.state = taskScheduled
	if err := t.d.ScheduleIn(Bind2(t.fire, h, task), task.repeat, &task.timer); err != nil {
		t.slots[h] = nil
		return StatusInternalError
	}
	return StatusOK
}

// Clear drops every task.
func (t *TimedTasks) Clear() {
	t.mu.Lock()
	tasks := t.slots
	t.slots = [MaxTimedTasks]*timedTask{}
	t.mu.Unlock()

	for _, task := range tasks {
		if task != nil {
			t.d.Execute(Bind1(t.cancel, task))
		}
	}
}

func (t *TimedTasks) registered(h TimedTaskHandle, task *timedTask) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[h] == task
}

func (t *TimedTasks) drop(h TimedTaskHandle, task *timedTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[h] == task {
		t.slots[h] = nil
	}
}
