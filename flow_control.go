package mqttloop

import (
	"sync"
)

// InflightWindow caps the number of QoS 1 publishes waiting for PUBACK.
// Publish takes a slot before the request is handed to the processing
// goroutine and the slot is returned when the request completes.
type InflightWindow struct {
	mu       sync.Mutex
	max      uint16
	inFlight uint16
}

// NewInflightWindow creates a window of size maximum. Zero means 65535.
func NewInflightWindow(maximum uint16) *InflightWindow {
	if maximum == 0 {
		maximum = maxUint16
	}
	return &InflightWindow{max: maximum}
}

// Max returns the window size.
func (w *InflightWindow) Max() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}

// Available returns the number of free slots.
func (w *InflightWindow) Available() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight >= w.max {
		return 0
	}
	return w.max - w.inFlight
}

// InFlight returns the number of taken slots.
func (w *InflightWindow) InFlight() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// TryAcquire takes a slot, reporting false when the window is full.
func (w *InflightWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight >= w.max {
		return false
	}
	w.inFlight++
	return true
}

// Acquire takes a slot or returns ErrInflightExceeded.
func (w *InflightWindow) Acquire() error {
	if !w.TryAcquire() {
		return ErrInflightExceeded
	}
	return nil
}

// Release returns a slot.
func (w *InflightWindow) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight > 0 {
		w.inFlight--
	}
}

// Reset frees every slot.
func (w *InflightWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = 0
}
