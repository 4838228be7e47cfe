// Package region implements the regional channel plans (dynamic, EU868-style,
// and fixed, US915/AU915-style) that the MAC layer consults when choosing a
// transmit channel/data-rate and when computing RX1/RX2 parameters.
package region

import (
	"github.com/pkg/errors"
)

// Frame identifies whether a channel/data-rate decision is being made for a
// join-request/accept exchange or for an ordinary data frame.
type Frame int

// The two frame kinds a region handler ever has to plan for.
const (
	FrameJoin Frame = iota
	FrameData
)

// Window identifies RX1 or RX2 when the MAC layer asks a region for receive
// parameters.
type Window int

// The two receive windows every Class A device opens.
const (
	Window1 Window = iota
	Window2
)

// DataRate is a region-relative data-rate index (0-15).
type DataRate uint8

// ChannelMask is the 9-byte (72-bit) channel enable/disable bitmap shared by
// NewChannelReq/LinkADRReq channel-mask handling across all regions.
type ChannelMask [9]byte

// Enabled reports whether channel i is enabled.
func (m *ChannelMask) Enabled(i int) bool {
	return m[i/8]&(1<<uint(i%8)) != 0
}

// Set enables or disables channel i.
func (m *ChannelMask) Set(i int, enabled bool) {
	if enabled {
		m[i/8] |= 1 << uint(i%8)
	} else {
		m[i/8] &^= 1 << uint(i%8)
	}
}

// RNG is the source of randomness a region handler uses to pick channels.
// It is supplied by the caller so channel selection stays deterministic in
// tests.
type RNG interface {
	Uint32() uint32
}

// TxPlan is the outcome of a channel-plan decision: which frequency and data
// rate to transmit on.
type TxPlan struct {
	Frequency uint32
	DataRate  DataRate
	Channel   int
}

// RxPlan is the outcome of an RX1/RX2 parameter lookup.
type RxPlan struct {
	Frequency uint32
	DataRate  DataRate
}

// Handler is the interface every regional channel plan implements. It is
// chosen once at device construction and boxed behind this interface for the
// lifetime of the device; callers never see which concrete region they hold.
type Handler interface {
	// Name identifies the region, e.g. "EU868", "US915".
	Name() string

	// DefaultDataRate returns the data rate a freshly-constructed device
	// should use before ADR or manual configuration changes it.
	DefaultDataRate() DataRate

	// NextTxChannel picks the frequency/data-rate for the next transmission.
	NextTxChannel(rng RNG, dr DataRate, frame Frame) (TxPlan, error)

	// RxParams returns the frequency/data-rate for the given RX window,
	// relative to the most recent NextTxChannel decision.
	RxParams(window Window) RxPlan

	// HandleChannelMaskCtrl applies NewChannelReq/LinkADRReq-style
	// channel-mask-control semantics. chMaskCntl and chMask are the raw
	// wire fields.
	HandleChannelMaskCtrl(chMaskCntl uint8, chMask ChannelMask) error

	// ProcessJoinAcceptCFList applies an optional CFList carried on a
	// join-accept (dynamic plans only add channels this way; fixed plans
	// ignore a CFList and return nil).
	ProcessJoinAcceptCFList(cfList []byte) error

	// SetJoinBias biases the next several join attempts toward a specific
	// subband, as US915/AU915 devices do after learning which subband a
	// gateway actually heard them on. Dynamic plans treat this as a no-op.
	SetJoinBias(subband int, maxRetries int)

	// OnJoinAccept resets per-join-attempt channel bookkeeping (e.g. the
	// fixed-plan join-bias retry counter) after a successful join.
	OnJoinAccept()
}

var ErrInvalidChannelMask = errors.New("region: channel mask does not enable any existing channel")

var errInvalidCFList = errors.New("region: CFList must be 16 bytes")

// validateMask returns ErrInvalidChannelMask unless at least one bit set in
// mask addresses a channel index below numChannels.
func validateMask(mask ChannelMask, numChannels int) error {
	for i := 0; i < numChannels; i++ {
		if mask.Enabled(i) {
			return nil
		}
	}
	return ErrInvalidChannelMask
}
