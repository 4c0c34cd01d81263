package mqttloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackoff(t *testing.T) (*Backoff, *Dispatcher) {
	t.Helper()

	d := NewDispatcher(nil)
	b, err := NewBackoff(d,
		[]time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		[]time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond},
	)
	require.NoError(t, err)
	return b, d
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		st   Status
		want BackoffClass
	}{
		{st: StatusOK, want: BackoffNone},
		{st: StatusWritten, want: BackoffNone},
		{st: StatusTimeout, want: BackoffRecoverable},
		{st: StatusSocketConnectionError, want: BackoffRecoverable},
		{st: StatusServerUnavailable, want: BackoffRecoverable},
		{st: StatusTLSError, want: BackoffRecoverable},
		{st: StatusConnectionResetByPeer, want: BackoffTerminal},
		{st: StatusUnacceptableProtocolVersion, want: BackoffTerminal},
		{st: StatusIdentifierRejected, want: BackoffTerminal},
		{st: StatusBadUsernameOrPassword, want: BackoffTerminal},
		{st: StatusNotAuthorized, want: BackoffTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.st.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.st))
		})
	}
}

func TestBackoffClassString(t *testing.T) {
	assert.Equal(t, "none", BackoffNone.String())
	assert.Equal(t, "recoverable", BackoffRecoverable.String())
	assert.Equal(t, "terminal", BackoffTerminal.String())
	assert.Equal(t, "unknown", BackoffClass(7).String())
}

func TestNewBackoffValidation(t *testing.T) {
	d := NewDispatcher(nil)

	b, err := NewBackoff(d, nil, nil)
	require.NoError(t, err)
	assert.Len(t, b.penalty, len(DefaultBackoffPenalties))
	assert.Equal(t, int64(2000), b.penalty[1])

	tests := []struct {
		name      string
		penalties []time.Duration
		decays    []time.Duration
	}{
		{name: "empty", penalties: []time.Duration{}, decays: []time.Duration{}},
		{name: "length mismatch", penalties: []time.Duration{0, time.Second}, decays: []time.Duration{time.Second}},
		{name: "negative penalty", penalties: []time.Duration{-time.Second}, decays: []time.Duration{time.Second}},
		{name: "zero decay", penalties: []time.Duration{0}, decays: []time.Duration{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBackoff(d, tt.penalties, tt.decays)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name  string
		index int
		intn  func(int64) int64
		want  int64
	}{
		{name: "level 0", index: 0, intn: func(int64) int64 { return 0 }, want: 0},
		{name: "level 1", index: 1, intn: func(int64) int64 { return 0 }, want: 99},
		{name: "level 2 low", index: 2, intn: func(int64) int64 { return 0 }, want: 150},
		{name: "level 2 high", index: 2, intn: func(n int64) int64 { return n - 1 }, want: 250},
		{name: "level 3 middle", index: 3, intn: func(n int64) int64 { return n / 2 }, want: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBackoff(t)
			b.intn = tt.intn
			b.index = tt.index
			assert.Equal(t, tt.want, b.Delay())
		})
	}
}

func TestBackoffUpdate(t *testing.T) {
	b, d := newTestBackoff(t)

	assert.Equal(t, BackoffNone, b.Update(StatusOK))
	assert.Equal(t, 0, b.Index())
	assert.Equal(t, 0, d.Timers().Len())

	assert.Equal(t, BackoffRecoverable, b.Update(StatusTimeout))
	assert.Equal(t, BackoffTerminal, b.Update(StatusNotAuthorized))
	assert.Equal(t, BackoffTerminal, b.Class())
	assert.Equal(t, 2, b.Index())
	assert.Equal(t, 1, d.Timers().Len())

	for range 5 {
		b.Update(StatusTimeout)
	}
	assert.Equal(t, 3, b.Index())
}

func TestBackoffDecay(t *testing.T) {
	b, d := newTestBackoff(t)

	b.Update(StatusTimeout)
	b.Update(StatusTimeout)
	require.Equal(t, 2, b.Index())

	d.Tick(50, nil)
	assert.Equal(t, 2, b.Index())

	b.Update(StatusOK)
	d.Tick(100, nil)
	assert.Equal(t, 1, b.Index())

	d.Tick(199, nil)
	assert.Equal(t, 1, b.Index())

	d.Tick(200, nil)
	assert.Equal(t, 0, b.Index())
	assert.Equal(t, 0, d.Timers().Len())
}

func TestBackoffReset(t *testing.T) {
	b, d := newTestBackoff(t)

	b.Update(StatusTimeout)
	require.Equal(t, 1, d.Timers().Len())

	b.Reset()
	assert.Equal(t, 0, b.Index())
	assert.Equal(t, BackoffNone, b.Class())
	assert.Equal(t, 0, d.Timers().Len())
	b.Cancel()
}

func TestBackoffAttemptLimit(t *testing.T) {
	b, _ := newTestBackoff(t)
	b.intn = func(int64) int64 { return 0 }

	b.SetAttemptLimit(1, 1)
	assert.Equal(t, int64(0), b.Delay())
	assert.Equal(t, int64(1000), b.Delay())

	b.SetAttemptLimit(0, 0)
	assert.Equal(t, int64(0), b.Delay())
}
