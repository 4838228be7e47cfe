package session

import "github.com/lora-edge/lorawan-core/crypto"

// DevEUI and JoinEUI are the 64 bit identifiers exchanged during join.
type DevEUI [8]byte
type JoinEUI [8]byte

// DevAddr is the 32 bit network-assigned device address used once joined.
type DevAddr [4]byte

// Credentials are the long-term identifiers and root key a device uses to
// perform an over-the-air activation.
type Credentials struct {
	DevEUI  DevEUI
	JoinEUI JoinEUI
	AppKey  crypto.Key
}

// ABPSession is the pre-provisioned session state for activation-by-
// personalization, bypassing the join exchange entirely.
type ABPSession struct {
	DevAddr  DevAddr
	NwkSKey  crypto.Key
	AppSKey  crypto.Key
	FCntUp   uint32
	FCntDown uint32
}

// Configuration holds the MAC-layer parameters that are either fixed at
// construction or adjusted by RXParamSetupReq/RXTimingSetupReq/
// TXParamSetupReq.
type Configuration struct {
	DataRate         uint8
	RX1DelayMillis   uint32
	JoinAcceptDelay1 uint32
	JoinAcceptDelay2 uint32

	// RX1DROffset is the offset RXParamSetupReq applies between the uplink
	// data rate and the RX1 data rate.
	RX1DROffset uint8
	// RX2DataRate and RX2Frequency override the region handler's RX2
	// defaults once RXParamSetupReq has been accepted; RX2Frequency of 0
	// means "no override, use the region default".
	RX2DataRate  uint8
	RX2Frequency uint32

	// MaxEIRP, UplinkDwellTime and DownlinkDwellTime are set by
	// TXParamSetupReq (used only in regions with dwell-time limits).
	MaxEIRP           float32
	UplinkDwellTime   bool
	DownlinkDwellTime bool
}

// DefaultConfiguration returns the LoRaWAN 1.0.x defaults: 1s RX1 delay,
// 5s/6s join-accept delays.
func DefaultConfiguration() Configuration {
	return Configuration{
		DataRate:         0,
		RX1DelayMillis:   1000,
		JoinAcceptDelay1: 5000,
		JoinAcceptDelay2: 6000,
	}
}

// SendData describes an application uplink request.
type SendData struct {
	FPort     uint8
	Payload   []byte
	Confirmed bool
}

// Downlink is an application payload handed up from a received downlink
// frame (FPort > 0).
type Downlink struct {
	FPort uint8
	Data  []byte
}

// Response reports the outcome of handling a radio event against the MAC
// state machine.
type Response int

// The possible outcomes of HandleRx/Rx2Complete/Send.
const (
	ResponseNoUpdate Response = iota
	ResponseNoAck
	ResponseSessionExpired
	ResponseDownlinkReceived
	ResponseNoJoinAccept
	ResponseJoinSuccess
	ResponseRxComplete
)

// TxConfig is the frequency/data-rate pair a frame should be transmitted on,
// as chosen by the region handler.
type TxConfig struct {
	Frequency uint32
	DataRate  uint8
}

// RXDelayMillis maps an RXTimingSetupReq Del field (or the fixed join-accept
// delay) into the RX1 delay, per LoRaWAN 1.0.x: 0 and 1 both mean 1 second,
// 2-15 mean that many seconds.
func RXDelayMillis(del uint8) uint32 {
	if del < 2 {
		return 1000
	}
	if del > 15 {
		del = 15
	}
	return uint32(del) * 1000
}
