package mqttloop

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// BackoffClass tells how a connection result affects the reconnect penalty.
type BackoffClass uint8

const (
	BackoffNone BackoffClass = iota
	BackoffRecoverable
	BackoffTerminal
)

// String returns the string representation of the backoff class.
func (c BackoffClass) String() string {
	switch c {
	case BackoffNone:
		return "none"
	case BackoffRecoverable:
		return "recoverable"
	case BackoffTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Default backoff tables. Entry i of the penalty table is the reconnect
// delay at penalty level i; entry i of the decay table is how long the
// level holds before it may drop.
var (
	DefaultBackoffPenalties = []time.Duration{
		0, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second,
		512 * time.Second,
	}
	DefaultBackoffDecays = []time.Duration{
		4 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
)

// ClassifyStatus maps a connection result to a backoff class. Refusals the
// broker will repeat and peer resets are terminal.
func ClassifyStatus(st Status) BackoffClass {
	switch st {
	case StatusConnectionResetByPeer,
		StatusUnacceptableProtocolVersion,
		StatusIdentifierRejected,
		StatusBadUsernameOrPassword,
		StatusNotAuthorized:
		return BackoffTerminal
	case StatusOK, StatusWritten:
		return BackoffNone
	default:
		return BackoffRecoverable
	}
}

// Backoff keeps the reconnect penalty. Every failed connection raises the
// penalty level; a decay timer on the dispatcher lowers it again while
// connections succeed. The delay is jittered by up to half of the previous
// level around the current one.
type Backoff struct {
	d        *Dispatcher
	penalty  []int64
	decay    []int64
	index    int
	class    BackoffClass
	decayH   TimerHandle
	intn     func(n int64) int64
	attempts *rate.Limiter
}

// NewBackoff creates a backoff over d. Tables are in time.Duration and
// must have the same non-zero length; nil selects the defaults.
func NewBackoff(d *Dispatcher, penalties, decays []time.Duration) (*Backoff, error) {
	if penalties == nil {
		penalties = DefaultBackoffPenalties
	}
	if decays == nil {
		decays = DefaultBackoffDecays
	}
	if len(penalties) == 0 || len(penalties) != len(decays) {
		return nil, ErrInvalidParameter
	}

	b := &Backoff{
		d:       d,
		penalty: make([]int64, len(penalties)),
		decay:   make([]int64, len(decays)),
		intn:    rand.Int64N,
	}
	for i := range penalties {
		if penalties[i] < 0 || decays[i] <= 0 {
			return nil, ErrInvalidParameter
		}
		b.penalty[i] = penalties[i].Milliseconds()
		b.decay[i] = decays[i].Milliseconds()
	}
	return b, nil
}

// SetAttemptLimit caps reconnect attempts to r per second with the given
// burst. Zero r removes the cap.
func (b *Backoff) SetAttemptLimit(r float64, burst int) {
	if r <= 0 {
		b.attempts = nil
		return
	}
	b.attempts = rate.NewLimiter(rate.Limit(r), max(burst, 1))
}

// Index returns the current penalty level.
func (b *Backoff) Index() int { return b.index }

// Class returns the class of the last update.
func (b *Backoff) Class() BackoffClass { return b.class }

// Update records a connection result and returns its class.
func (b *Backoff) Update(st Status) BackoffClass {
	b.class = ClassifyStatus(st)
	if b.class != BackoffNone {
		b.index = min(b.index+1, len(b.penalty)-1)
		b.restartDecay()
	}
	return b.class
}

func (b *Backoff) restartDecay() {
	delta := b.decay[b.index]
	if b.decayH.Pending() {
		_ = b.d.Reschedule(&b.decayH, delta)
		return
	}
	_ = b.d.ScheduleIn(Bind0(b.cooldown), delta, &b.decayH)
}

func (b *Backoff) cooldown() Status {
	if b.class == BackoffNone {
		b.index = max(b.index-1, 0)
	}
	if b.index > 0 {
		b.restartDecay()
	}
	return StatusOK
}

// Delay returns the wait before the next connection attempt in dispatcher
// time units, never below the first penalty entry.
func (b *Backoff) Delay() int64 {
	var full int64
	if b.index > 0 {
		full = b.penalty[b.index-1]
	}
	half := max(full/2, 1)
	v := b.penalty[b.index] + b.intn(full+1) - half
	v = max(v, b.penalty[0])

	if b.attempts != nil {
		now := time.UnixMilli(b.d.Now())
		r := b.attempts.ReserveN(now, 1)
		if r.OK() {
			v = max(v, r.DelayFrom(now).Milliseconds())
		}
	}
	return v
}

// Reset drops the penalty to zero and stops the decay timer.
func (b *Backoff) Reset() {
	b.index = 0
	b.class = BackoffNone
	b.Cancel()
}

// Cancel stops the decay timer.
func (b *Backoff) Cancel() {
	if b.decayH.Pending() {
		_ = b.d.Cancel(&b.decayH)
	}
}
