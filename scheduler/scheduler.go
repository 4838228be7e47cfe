// Package scheduler implements the nonblocking Class A receive-window
// state machine: given the instant an uplink finished transmitting, it
// arms RX1, falls back to RX2 if RX1 produced nothing, and reports back
// to the caller when the duty cycle is complete.
package scheduler

import "github.com/pkg/errors"

// DefaultRadioRxWindowDurationMillis and DefaultRadioRxOffsetMillis are the
// values a Radio implementation with no stronger timing requirement (e.g.
// radio.Loopback) reports from RxWindowDurationMillis/RxOffsetMillis.
const DefaultRadioRxWindowDurationMillis = 3000
const DefaultRadioRxOffsetMillis = 0

// State tags which phase of the duty cycle the scheduler is in.
type State int

// The five states of the Class A duty cycle.
const (
	StateIdle State = iota
	StateSendingData
	StateWaitingForRxWindow
	StateWaitingForRx
	StateDone
)

// Window identifies which of the two receive windows is active.
type Window int

const (
	Window1 Window = iota
	Window2
)

// Event is a signal fed into the scheduler from the outside world: a radio
// completion, a timer firing, or a new transmit request.
type Event int

const (
	EventTxDone Event = iota
	EventTimeoutFired
	EventRadioRxDone
	EventRadioRxTimeout
)

// Outcome reports what the scheduler wants the caller to do next.
type Outcome struct {
	// ArmTimer, if non-zero, asks the caller to arm a timer at this absolute
	// millisecond instant.
	ArmTimer int64
	// OpenRx, if true, asks the caller to open the receiver for the given
	// window and close it automatically at the absolute millisecond instant
	// CloseAfterMillis.
	OpenRx          bool
	Window          Window
	CloseAfterMillis int64
	// Done is set once the duty cycle has concluded, successfully or not.
	Done bool
	// FrameReceived carries a frame the radio delivered while a window was
	// open, for the caller to hand to the session layer.
	FrameReceived []byte
}

// ErrTxRequestDuringTx is returned when a new transmit is requested while
// the scheduler is mid-cycle.
var ErrTxRequestDuringTx = errors.New("scheduler: transmit requested while a prior cycle is still active")

// Scheduler drives one uplink's worth of RX1/RX2 bookkeeping. A value can be
// reused across transmissions by calling Reset once a cycle completes;
// TxDone is rejected until then.
type Scheduler struct {
	state State
	radio Radio

	txCompleteAt int64
	rx1Delay     int64
	rx2Delay     int64

	window Window
	armed  int
}

// New returns a scheduler configured with the RX1 and RX2 delays (in
// milliseconds) that apply to the frame about to be sent, sourcing its
// window-duration and turn-around timing from radio.
func New(rx1DelayMillis, rx2DelayMillis int64, radio Radio) *Scheduler {
	return &Scheduler{state: StateIdle, radio: radio, rx1Delay: rx1DelayMillis, rx2Delay: rx2DelayMillis}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State { return s.state }

// ArmedCount returns how many times a receive window has been armed during
// the current cycle (1 after RX1 is armed, 2 if RX2 was also armed).
func (s *Scheduler) ArmedCount() int { return s.armed }

// TxDone transitions the scheduler from Idle/SendingData into
// WaitingForRxWindow and arms a timer for RX1's opening.
func (s *Scheduler) TxDone(txCompleteAtMillis int64) (Outcome, error) {
	if s.state != StateIdle && s.state != StateSendingData {
		return Outcome{}, ErrTxRequestDuringTx
	}
	s.txCompleteAt = txCompleteAtMillis
	s.state = StateWaitingForRxWindow
	s.window = Window1
	s.armed = 0

	rx1Open := s.txCompleteAt + s.rx1Delay + s.radio.RxOffsetMillis()
	return Outcome{ArmTimer: rx1Open}, nil
}

// rx1Open, rx1Close, rx2Open, rx2Close compute the absolute millisecond
// instants of each window boundary, per the formulas in the timing
// contract: RX1 closes either after its own duration or when RX2 opens,
// whichever comes first.
func (s *Scheduler) rx1Open() int64 { return s.txCompleteAt + s.rx1Delay + s.radio.RxOffsetMillis() }
func (s *Scheduler) rx1Close() int64 {
	closeByDuration := s.rx1Open() + s.radio.RxWindowDurationMillis()
	if s.rx2Open() < closeByDuration {
		return s.rx2Open()
	}
	return closeByDuration
}
func (s *Scheduler) rx2Open() int64 { return s.txCompleteAt + s.rx2Delay + s.radio.RxOffsetMillis() }
func (s *Scheduler) rx2Close() int64 {
	return s.rx2Open() + s.radio.RxWindowDurationMillis()
}

// HandleTimeout is called when the timer armed by a previous Outcome fires.
// It opens the appropriate receive window.
func (s *Scheduler) HandleTimeout() (Outcome, error) {
	switch s.state {
	case StateWaitingForRxWindow:
		s.state = StateWaitingForRx
		s.armed++
		var closeAt int64
		if s.window == Window1 {
			closeAt = s.rx1Close()
		} else {
			closeAt = s.rx2Close()
		}
		return Outcome{OpenRx: true, Window: s.window, CloseAfterMillis: closeAt}, nil
	default:
		// Stray or late timer fire; tolerated as a no-op.
		return Outcome{}, nil
	}
}

// HandleRadioTimeout is called when an open receive window closes with no
// frame received. RX1 falls back to arming RX2; RX2 concludes the cycle.
func (s *Scheduler) HandleRadioTimeout() Outcome {
	if s.state != StateWaitingForRx {
		return Outcome{}
	}
	if s.window == Window1 {
		s.window = Window2
		s.state = StateWaitingForRxWindow
		return Outcome{ArmTimer: s.rx2Open()}
	}
	s.state = StateDone
	return Outcome{Done: true}
}

// HandleRadioRx is called when the radio delivers a frame while a window is
// open. It does not by itself conclude the duty cycle: a delivered frame may
// still turn out to be addressed elsewhere or fail its integrity check, in
// which case the listen must continue rather than end. The caller inspects
// FrameReceived, hands it to the session layer, and then calls exactly one
// of Conclude (the frame was accepted) or ContinueWindow (it was rejected).
func (s *Scheduler) HandleRadioRx(frame []byte) Outcome {
	if s.state != StateWaitingForRx {
		return Outcome{}
	}
	return Outcome{FrameReceived: frame}
}

// Conclude ends the duty cycle after a delivered frame was accepted by the
// session layer.
func (s *Scheduler) Conclude() Outcome {
	if s.state != StateWaitingForRx {
		return Outcome{}
	}
	s.state = StateDone
	return Outcome{Done: true}
}

// ContinueWindow re-arms the currently open receive window after a delivered
// frame was rejected (bad MIC, replayed counter, or a foreign DevAddr),
// rather than ending the listen: the same window's remaining budget still
// applies, since the close time computed here does not move regardless of
// how many frames have come and gone within it.
func (s *Scheduler) ContinueWindow() Outcome {
	if s.state != StateWaitingForRx {
		return Outcome{}
	}
	var closeAt int64
	if s.window == Window1 {
		closeAt = s.rx1Close()
	} else {
		closeAt = s.rx2Close()
	}
	return Outcome{OpenRx: true, Window: s.window, CloseAfterMillis: closeAt}
}

// Reset returns the scheduler to Idle, ready for the next transmission.
func (s *Scheduler) Reset() {
	s.state = StateIdle
	s.armed = 0
}
