package mqttloop

// TimerHandle is held by the owner of a scheduled callback so it can cancel
// or reschedule it. The table nulls the handle when the callback fires or is
// cancelled, so a handle is pending only while its entry is in the table.
type TimerHandle struct {
	entry *timerEntry
}

// Pending reports whether the handle refers to a scheduled entry.
func (h *TimerHandle) Pending() bool {
	return h != nil && h.entry != nil
}

// At returns the execution time of the pending entry.
func (h *TimerHandle) At() (int64, bool) {
	if !h.Pending() {
		return 0, false
	}
	return h.entry.at, true
}

type timerEntry struct {
	callback Callback
	at       int64
	position int
	handle   *TimerHandle
}

// TimerEntry is a snapshot of an entry removed from or observed in the table.
type TimerEntry struct {
	Callback Callback
	At       int64
}

// TimerTable keeps pending callbacks ordered by non-decreasing execution
// time. Entries with equal times keep their insertion order.
type TimerTable struct {
	entries []*timerEntry
}

// NewTimerTable creates an empty table with room for capacity entries.
func NewTimerTable(capacity int) *TimerTable {
	return &TimerTable{entries: make([]*timerEntry, 0, capacity)}
}

// Len returns the number of pending entries.
func (t *TimerTable) Len() int { return len(t.entries) }

// Insert schedules cb at the given time. When handle is non-nil it receives
// a back-reference to the entry; a handle that is still pending is rejected.
func (t *TimerTable) Insert(cb Callback, at int64, handle *TimerHandle) error {
	if !cb.IsSet() {
		return &StatusError{Status: StatusInvalidParameter}
	}
	if handle.Pending() {
		return &StatusError{Status: StatusInvalidParameter}
	}

	e := &timerEntry{
		callback: cb,
		at:       at,
		position: len(t.entries),
		handle:   handle,
	}
	t.entries = append(t.entries, e)
	if handle != nil {
		handle.entry = e
	}

	t.bubbleLeft(e.position)
	return nil
}

// Peek returns the earliest entry without removing it.
func (t *TimerTable) Peek() (TimerEntry, bool) {
	if len(t.entries) == 0 {
		return TimerEntry{}, false
	}
	e := t.entries[0]
	return TimerEntry{Callback: e.callback, At: e.at}, true
}

// TakeEarliest removes and returns the earliest entry.
func (t *TimerTable) TakeEarliest() (TimerEntry, bool) {
	if len(t.entries) == 0 {
		return TimerEntry{}, false
	}
	e := t.entries[0]
	t.remove(0)
	return TimerEntry{Callback: e.callback, At: e.at}, true
}

// TakeDue removes and returns the earliest entry when it is due at now.
func (t *TimerTable) TakeDue(now int64) (TimerEntry, bool) {
	if len(t.entries) == 0 || t.entries[0].at > now {
		return TimerEntry{}, false
	}
	return t.TakeEarliest()
}

// Cancel removes the entry referenced by handle. A stale or nil handle
// yields ErrElementNotFound.
func (t *TimerTable) Cancel(handle *TimerHandle) error {
	pos, ok := t.lookup(handle)
	if !ok {
		return &StatusError{Status: StatusElementNotFound}
	}
	t.remove(pos)
	return nil
}

// Reschedule moves the entry referenced by handle to a new execution time.
func (t *TimerTable) Reschedule(handle *TimerHandle, at int64) error {
	pos, ok := t.lookup(handle)
	if !ok {
		return &StatusError{Status: StatusElementNotFound}
	}

	e := t.entries[pos]
	old := e.at
	e.at = at

	switch {
	case at < old:
		t.bubbleLeft(pos)
	case at > old:
		t.bubbleRight(pos)
	}
	return nil
}

// Clear drops every entry and nulls their handles.
func (t *TimerTable) Clear() {
	for i, e := range t.entries {
		if e.handle != nil {
			e.handle.entry = nil
		}
		t.entries[i] = nil
	}
	t.entries = t.entries[:0]
}

func (t *TimerTable) lookup(handle *TimerHandle) (int, bool) {
	if !handle.Pending() {
		return 0, false
	}
	e := handle.entry
	if e.position < 0 || e.position >= len(t.entries) || t.entries[e.position] != e {
		return 0, false
	}
	return e.position, true
}

// remove swaps the entry at pos with the last one, shrinks the table and
// bubbles the moved entry right. The moved entry was the latest, so it can
// only be out of order toward the end of the table.
func (t *TimerTable) remove(pos int) {
	e := t.entries[pos]
	last := len(t.entries) - 1

	t.swap(pos, last)
	t.entries[last] = nil
	t.entries = t.entries[:last]

	if e.handle != nil {
		e.handle.entry = nil
	}
	e.handle = nil
	e.position = -1

	if pos < len(t.entries) {
		t.bubbleRight(pos)
	}
}

// bubbleLeft moves the entry at pos toward the front while it is strictly
// earlier than its left neighbour.
func (t *TimerTable) bubbleLeft(pos int) {
	for pos > 0 && t.entries[pos].at < t.entries[pos-1].at {
		t.swap(pos, pos-1)
		pos--
	}
}

// bubbleRight moves the entry at pos toward the end while its right
// neighbour is not later than it.
func (t *TimerTable) bubbleRight(pos int) {
	for pos+1 < len(t.entries) && t.entries[pos+1].at <= t.entries[pos].at {
		t.swap(pos, pos+1)
		pos++
	}
}

func (t *TimerTable) swap(i, j int) {
	t.entries[i], t.entries[j] = t.entries[j], t.entries[i]
	t.entries[i].position = i
	t.entries[j].position = j
}
