package scheduler

import "github.com/pkg/errors"

// ErrBufferTooSmall is returned when a frame does not fit in a RadioBuffer.
var ErrBufferTooSmall = errors.New("scheduler: frame does not fit in radio buffer")

// RadioBuffer is a fixed-capacity byte buffer used to stage the frame
// about to be transmitted or the frame most recently received, avoiding a
// heap allocation per radio event.
type RadioBuffer struct {
	data [256]byte
	n    int
}

// Set copies frame into the buffer, failing if it does not fit.
func (b *RadioBuffer) Set(frame []byte) error {
	if len(frame) > len(b.data) {
		return ErrBufferTooSmall
	}
	copy(b.data[:], frame)
	b.n = len(frame)
	return nil
}

// Bytes returns the buffer's current contents.
func (b *RadioBuffer) Bytes() []byte { return b.data[:b.n] }

// Reset empties the buffer.
func (b *RadioBuffer) Reset() { b.n = 0 }

// TxRequest describes a frame transmission the scheduler's caller must
// carry out on the radio.
type TxRequest struct {
	Frame     []byte
	Frequency uint32
	DataRate  uint8
}

// RxRequest describes a receive window the scheduler's caller must open on
// the radio.
type RxRequest struct {
	Frequency    uint32
	DataRate     uint8
	TimeoutMillis int64
}

// Radio is the collaborator interface the device driver implements. All
// methods are nonblocking: Transmit/Receive request an action and the
// driver reports completion later via the scheduler's Handle* methods.
type Radio interface {
	Transmit(req TxRequest) error
	Receive(req RxRequest) error
	CancelReceive() error

	// RxWindowDurationMillis bounds how long a requested receive window
	// stays open absent an explicit symbol timeout, and RxOffsetMillis
	// accounts for the radio's turn-around time between a receive request
	// and the window actually opening. Both depend on the radio hardware
	// (symbol rate, crystal tolerance, SPI/bus latency), so the scheduler
	// sources them from the driver instead of assuming one fixed radio.
	RxWindowDurationMillis() int64
	RxOffsetMillis() int64
}

// Timer is the collaborator interface used to schedule the single
// outstanding wakeup the scheduler ever needs at a time.
type Timer interface {
	// ArmAt schedules a wakeup at the given absolute millisecond instant.
	ArmAt(millis int64)
	// Cancel cancels a previously armed wakeup, if any.
	Cancel()
}

// RNG is the source of randomness handed to the region package for channel
// selection; defined again here so callers can construct a scheduler and a
// region handler from a single collaborator.
type RNG interface {
	Uint32() uint32
}
