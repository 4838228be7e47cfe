// Package radio provides a software radio usable in tests and simulations:
// it implements scheduler.Radio by looping transmitted frames back as
// receivable frames, without touching any actual hardware. Data rates are
// not compared.
package radio

import (
	"sync"

	"github.com/lora-edge/lorawan-core/scheduler"
)

// Loopback is an in-memory scheduler.Radio that delivers every transmitted
// frame back to whichever receive window is open at the time, provided the
// frequency matches; a frame transmitted while no matching window is open is
// held and handed to the next Receive, whatever frequency that Receive
// names. It exists so session/scheduler wiring can be exercised end-to-end
// without real hardware.
type Loopback struct {
	mu sync.Mutex

	rxOpen  bool
	rxFreq  uint32
	pending [][]byte

	deliver func(frame []byte)
}

// NewLoopback returns a Loopback radio. deliver is invoked synchronously
// whenever a pending frame is handed to an open receive window; callers
// typically wire it to their Device.OnRadioRx.
func NewLoopback(deliver func(frame []byte)) *Loopback {
	return &Loopback{deliver: deliver}
}

// Transmit records the frame as pending delivery and, if a receive window
// is already open on a matching frequency, delivers it immediately.
func (l *Loopback) Transmit(req scheduler.TxRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rxOpen && l.rxFreq == req.Frequency {
		l.rxOpen = false
		l.deliver(req.Frame)
		return nil
	}
	l.pending = append(l.pending, req.Frame)
	return nil
}

// Receive delivers the oldest pending frame, if there is one, without
// comparing its transmit frequency to the requested one; otherwise it opens
// the simulated receiver on the given frequency.
func (l *Loopback) Receive(req scheduler.RxRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, frame := range l.pending {
		l.pending = append(l.pending[:i], l.pending[i+1:]...)
		l.deliver(frame)
		return nil
	}
	l.rxOpen = true
	l.rxFreq = req.Frequency
	return nil
}

// CancelReceive closes the simulated receiver.
func (l *Loopback) CancelReceive() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxOpen = false
	return nil
}

// RxWindowDurationMillis and RxOffsetMillis report the scheduler's generic
// defaults, since a loopback radio has no real turn-around latency to model.
func (l *Loopback) RxWindowDurationMillis() int64 {
	return scheduler.DefaultRadioRxWindowDurationMillis
}

func (l *Loopback) RxOffsetMillis() int64 { return scheduler.DefaultRadioRxOffsetMillis }
