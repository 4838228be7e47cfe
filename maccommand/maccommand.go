// Package maccommand implements the MAC command pipeline: parsing commands
// out of FOpts/FRMPayload, decoding and encoding their payloads, and queuing
// answers for the next uplink within the FOpts size budget. Dispatching the
// parsed commands against session/region state is done by the session
// package.
package maccommand

import (
	"github.com/lora-edge/lorawan-core/region"
	"github.com/pkg/errors"
)

// CID is a MAC command identifier, shared by a command's request and its
// answer (for most commands the request arrives in a downlink and the answer
// goes back in an uplink).
type CID byte

// The MAC command identifiers this core understands. Values follow
// LoRaWAN 1.0.x Annex; commands this core does not implement (relay,
// multicast, fragmentation, clock sync, Class B) are intentionally absent.
const (
	CIDResetInd           CID = 0x01
	CIDLinkCheck          CID = 0x02
	CIDLinkADR            CID = 0x03
	CIDDutyCycle          CID = 0x04
	CIDRXParamSetup       CID = 0x05
	CIDDevStatus          CID = 0x06
	CIDNewChannel         CID = 0x07
	CIDRXTimingSetup      CID = 0x08
	CIDTXParamSetup       CID = 0x09
	CIDDLChannel          CID = 0x0A
	CIDDeviceTime         CID = 0x0D
)

// FOptsMaxLen is the maximum number of bytes the FOpts field may carry.
// Answers that do not fit are deferred and, if still pending, carried in a
// FPort=0 FRMPayload on a later uplink instead.
const FOptsMaxLen = 15

// payloadLen is the CID -> payload length table for commands as they arrive
// in a downlink, used by Parse to know how many bytes to consume. CIDs not
// present here cannot be parsed and terminate parsing of the remainder of
// the buffer, since an unrecognized CID's payload length cannot be known.
var payloadLen = map[CID]int{
	CIDResetInd:      1,
	CIDLinkCheck:     2,
	CIDLinkADR:       4,
	CIDDutyCycle:     1,
	CIDRXParamSetup:  4,
	CIDDevStatus:     0,
	CIDNewChannel:    5,
	CIDRXTimingSetup: 1,
	CIDTXParamSetup:  1,
	CIDDLChannel:     4,
	CIDDeviceTime:    5,
}

// eirpTable maps a TXParamSetupReq EIRP index (0-15) to a dBm value.
var eirpTable = [16]float32{8, 10, 12, 13, 14, 16, 18, 20, 21, 24, 26, 27, 29, 30, 33, 36}

// EIRPIndex returns the table index whose EIRP value is closest to (and not
// greater than) eirp.
func EIRPIndex(eirp float32) uint8 {
	idx := uint8(0)
	for i, v := range eirpTable {
		if v <= eirp {
			idx = uint8(i)
		}
	}
	return idx
}

// EIRP returns the dBm value for a TXParamSetupReq EIRP index.
func EIRP(index uint8) (float32, error) {
	if int(index) >= len(eirpTable) {
		return 0, errors.New("maccommand: EIRP index out of range")
	}
	return eirpTable[index], nil
}

// Command is a single parsed MAC command together with its raw payload.
type Command struct {
	CID     CID
	Payload []byte
}

// Parse splits a FOpts or FPort=0 FRMPayload buffer into individual
// commands. Unknown CIDs abort parsing of everything from that point
// onward rather than panicking, since the length of an unrecognized
// command's payload cannot be known.
func Parse(buf []byte) []Command {
	var cmds []Command
	for len(buf) > 0 {
		cid := CID(buf[0])
		n, ok := payloadLen[cid]
		if !ok {
			break
		}
		if len(buf) < 1+n {
			break
		}
		cmds = append(cmds, Command{CID: cid, Payload: append([]byte{}, buf[1:1+n]...)})
		buf = buf[1+n:]
	}
	return cmds
}

// LinkADRReq is the decoded payload of a LinkADRReq command.
type LinkADRReq struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     region.ChannelMask
	ChMaskCntl uint8
	NbTrans    uint8
}

// ParseLinkADRReq decodes a 4-byte LinkADRReq payload.
func ParseLinkADRReq(payload []byte) (LinkADRReq, error) {
	if len(payload) != 4 {
		return LinkADRReq{}, errors.New("maccommand: LinkADRReq must be 4 bytes")
	}
	var req LinkADRReq
	req.DataRate = payload[0] >> 4
	req.TXPower = payload[0] & 0x0F
	var mask region.ChannelMask
	mask[0] = payload[1]
	mask[1] = payload[2]
	req.ChMask = mask
	req.ChMaskCntl = (payload[3] >> 4) & 0x07
	req.NbTrans = payload[3] & 0x0F
	return req, nil
}

// LinkADRAns encodes the 1-byte LinkADRAns answer. All three acknowledgment
// bits are set whenever the device accepted every part of the request.
type LinkADRAns struct {
	ChannelMaskAck bool
	DataRateAck    bool
	TXPowerAck     bool
}

// Encode returns the single-byte wire form, bit0=power ack, bit1=data-rate
// ack, bit2=channel-mask ack (per LoRaWAN 1.0.x 5.2).
func (a LinkADRAns) Encode() byte {
	var b byte
	if a.TXPowerAck {
		b |= 1 << 0
	}
	if a.DataRateAck {
		b |= 1 << 1
	}
	if a.ChannelMaskAck {
		b |= 1 << 2
	}
	return b
}

// RXParamSetupReq is the decoded payload of an RXParamSetupReq command.
type RXParamSetupReq struct {
	RX1DROffset uint8
	RX2DataRate uint8
	Frequency   uint32
}

// ParseRXParamSetupReq decodes a 4-byte RXParamSetupReq payload: DLSettings(1)
// followed by a 24-bit little-endian frequency in 100 Hz units.
func ParseRXParamSetupReq(payload []byte) (RXParamSetupReq, error) {
	if len(payload) != 4 {
		return RXParamSetupReq{}, errors.New("maccommand: RXParamSetupReq must be 4 bytes")
	}
	return RXParamSetupReq{
		RX1DROffset: (payload[0] >> 4) & 0x07,
		RX2DataRate: payload[0] & 0x0F,
		Frequency:   (uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16) * 100,
	}, nil
}

// RXParamSetupAns encodes the 1-byte RXParamSetupAns answer.
type RXParamSetupAns struct {
	ChannelAck     bool
	RX2DataRateAck bool
	RX1DROffsetAck bool
}

// Encode returns the single-byte wire form, bit0=channel ack, bit1=RX2
// data-rate ack, bit2=RX1DROffset ack (per LoRaWAN 1.0.x 5.4).
func (a RXParamSetupAns) Encode() byte {
	var b byte
	if a.ChannelAck {
		b |= 1 << 0
	}
	if a.RX2DataRateAck {
		b |= 1 << 1
	}
	if a.RX1DROffsetAck {
		b |= 1 << 2
	}
	return b
}

// TXParamSetupReq is the decoded payload of a TXParamSetupReq command.
type TXParamSetupReq struct {
	MaxEIRPIndex      uint8
	UplinkDwellTime   bool
	DownlinkDwellTime bool
}

// ParseTXParamSetupReq decodes a 1-byte TXParamSetupReq payload.
func ParseTXParamSetupReq(payload []byte) (TXParamSetupReq, error) {
	if len(payload) != 1 {
		return TXParamSetupReq{}, errors.New("maccommand: TXParamSetupReq must be 1 byte")
	}
	return TXParamSetupReq{
		MaxEIRPIndex:      payload[0] & 0x0F,
		UplinkDwellTime:   payload[0]&(1<<4) != 0,
		DownlinkDwellTime: payload[0]&(1<<5) != 0,
	}, nil
}

// DevStatusAns encodes the 2-byte DevStatusAns answer. Battery 255 is the
// LoRaWAN convention for "the device is unable to measure its battery
// level"; Margin is the last downlink's SNR in dB, clamped to the 6-bit
// two's complement range the wire format carries.
type DevStatusAns struct {
	Battery uint8
	Margin  int8
}

// Encode returns the two-byte wire form: Battery, then Margin clamped to
// -32..31 in its low 6 bits.
func (a DevStatusAns) Encode() []byte {
	margin := a.Margin
	if margin > 31 {
		margin = 31
	} else if margin < -32 {
		margin = -32
	}
	return []byte{a.Battery, byte(margin) & 0x3F}
}

// delayToMillis maps an RXTimingSetupReq Del field to a RX1
// delay in milliseconds: 0 is treated as 1 (the minimum), values 1-15 map
// directly to seconds.
func delayToMillis(del uint8) uint32 {
	if del == 0 {
		return 1000
	}
	if del > 15 {
		del = 15
	}
	return uint32(del) * 1000
}

// DelayMillis exposes delayToMillis for the session package's RXTimingSetupReq
// handling.
func DelayMillis(del uint8) uint32 { return delayToMillis(del) }

// Queue is the FIFO of pending answers a device attaches to its next uplink:
// drained into FOpts up to FOptsMaxLen bytes by DrainFOpts, or drained whole
// into an FPort=0 FRMPayload by DrainAll. Push does not limit its length.
type Queue struct {
	pending [][]byte
}

// Push appends an answer (CID byte followed by its payload).
func (q *Queue) Push(cid CID, payload []byte) {
	buf := append([]byte{byte(cid)}, payload...)
	q.pending = append(q.pending, buf)
}

// Len returns the number of distinct queued answers.
func (q *Queue) Len() int { return len(q.pending) }

// Clear empties the queue, e.g. after its contents were attached to an
// uplink that the MAC layer considers sent.
func (q *Queue) Clear() { q.pending = nil }

// DrainFOpts returns as many queued answers as fit within FOptsMaxLen bytes,
// in FIFO order, removing them from the queue.
func (q *Queue) DrainFOpts() []byte {
	var out []byte
	var consumed int
	for consumed < len(q.pending) {
		next := q.pending[consumed]
		if len(out)+len(next) > FOptsMaxLen {
			break
		}
		out = append(out, next...)
		consumed++
	}
	q.pending = q.pending[consumed:]
	return out
}

// DrainAll returns every queued answer concatenated, for use as an FPort=0
// FRMPayload on an uplink that carries no application data.
func (q *Queue) DrainAll() []byte {
	var out []byte
	for _, b := range q.pending {
		out = append(out, b...)
	}
	q.pending = nil
	return out
}
