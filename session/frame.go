package session

import "github.com/pkg/errors"

// MType identifies the major LoRaWAN frame kinds this core produces or
// consumes.
type MType byte

// The frame kinds this core needs to build or parse. ProprietaryFrame and
// the RFU major-version bit are intentionally not modeled.
const (
	MTypeJoinRequest         MType = 0x00
	MTypeJoinAccept          MType = 0x01
	MTypeUnconfirmedDataUp   MType = 0x02
	MTypeUnconfirmedDataDown MType = 0x03
	MTypeConfirmedDataUp     MType = 0x04
	MTypeConfirmedDataDown   MType = 0x05
)

func mhdr(mtype MType) byte {
	// Major=0 (LoRaWAN R1) in the low two bits, MType in the top 3 bits.
	return byte(mtype) << 5
}

func mtypeOf(b byte) MType {
	return MType(b >> 5)
}

// buildJoinRequest encodes MHDR || JoinEUI(LE) || DevEUI(LE) || DevNonce(LE),
// MIC appended by the caller once computed.
func buildJoinRequest(joinEUI JoinEUI, devEUI DevEUI, devNonce uint16) []byte {
	buf := make([]byte, 0, 23)
	buf = append(buf, mhdr(MTypeJoinRequest))
	buf = append(buf, reverse(joinEUI[:])...)
	buf = append(buf, reverse(devEUI[:])...)
	buf = append(buf, byte(devNonce), byte(devNonce>>8))
	return buf
}

// reverse returns a reversed copy, since EUIs are stored big-endian but
// travel on the wire little-endian.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// joinAcceptBody is the decrypted, MIC-stripped body of a join-accept.
type joinAcceptBody struct {
	AppNonce [3]byte
	NetID    [3]byte
	DevAddr  DevAddr
	DLSettings byte
	RXDelay  byte
	CFList   []byte
}

func parseJoinAcceptBody(b []byte) (joinAcceptBody, error) {
	if len(b) != 12 && len(b) != 28 {
		return joinAcceptBody{}, errors.New("session: invalid join-accept body length")
	}
	var body joinAcceptBody
	copy(body.AppNonce[:], b[0:3])
	copy(body.NetID[:], b[3:6])
	// DevAddr is little-endian on the wire.
	for i := 0; i < 4; i++ {
		body.DevAddr[i] = b[9-i]
	}
	body.DLSettings = b[10]
	body.RXDelay = b[11]
	if len(b) == 28 {
		body.CFList = append([]byte{}, b[12:28]...)
	}
	return body, nil
}

// fhdr is the decoded Frame Header shared by uplink and downlink data frames.
type fhdr struct {
	DevAddr DevAddr
	ACK     bool
	ADR     bool
	FPending bool // downlink only
	ADRACKReq bool // uplink only
	FCnt    uint16
	FOpts   []byte
}

func encodeFHDR(h fhdr, uplink bool) []byte {
	buf := make([]byte, 0, 7+len(h.FOpts))
	buf = append(buf, h.DevAddr[3], h.DevAddr[2], h.DevAddr[1], h.DevAddr[0])

	var fctrl byte
	if h.ADR {
		fctrl |= 1 << 7
	}
	if uplink && h.ADRACKReq {
		fctrl |= 1 << 6
	}
	if !uplink && h.FPending {
		fctrl |= 1 << 4
	}
	if h.ACK {
		fctrl |= 1 << 5
	}
	fctrl |= byte(len(h.FOpts)) & 0x0F
	buf = append(buf, fctrl, byte(h.FCnt), byte(h.FCnt>>8))
	buf = append(buf, h.FOpts...)
	return buf
}

func decodeFHDR(b []byte, uplink bool) (fhdr, int, error) {
	if len(b) < 7 {
		return fhdr{}, 0, errors.New("session: buffer too short for FHDR")
	}
	var h fhdr
	h.DevAddr = DevAddr{b[3], b[2], b[1], b[0]}
	fctrl := b[4]
	h.ADR = fctrl&(1<<7) != 0
	h.ACK = fctrl&(1<<5) != 0
	if uplink {
		h.ADRACKReq = fctrl&(1<<6) != 0
	} else {
		h.FPending = fctrl&(1<<4) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	h.FCnt = uint16(b[5]) | uint16(b[6])<<8
	if len(b) < 7+foptsLen {
		return fhdr{}, 0, errors.New("session: buffer too short for FOpts")
	}
	h.FOpts = append([]byte{}, b[7:7+foptsLen]...)
	return h, 7 + foptsLen, nil
}
