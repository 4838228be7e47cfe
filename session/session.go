// Package session implements the device-side LoRaWAN session and MAC state
// machine: OTAA/ABP activation, uplink frame construction, downlink
// handling, frame-counter bookkeeping and MAC-command dispatch.
package session

import (
	"github.com/lora-edge/lorawan-core/crypto"
	"github.com/lora-edge/lorawan-core/maccommand"
	"github.com/lora-edge/lorawan-core/region"
	"github.com/pkg/errors"
)

// stateKind tags which of the three mutually-exclusive states the MAC
// engine is in. Only one of otaa/session is meaningful at a time; this is a
// hand-written tagged union rather than an interface hierarchy, since the
// three states share almost all of their transition logic.
type stateKind int

const (
	stateUnjoined stateKind = iota
	stateJoining
	stateJoined
)

type otaaContext struct {
	credentials Credentials
	devNonce    uint16
}

// Session is the active, joined session state: keys, DevAddr and frame
// counters.
type Session struct {
	DevAddr  DevAddr
	NwkSKey  crypto.Key
	AppSKey  crypto.Key
	FCntUp   uint32
	FCntDown uint32

	// confirmed records whether the most recently received downlink asked
	// for a confirmation, so the next uplink sets the ACK bit.
	confirmed bool
	// uplinkConfirmed records whether the most recent uplink was a confirmed
	// one, so Rx2Complete can report NoAck when no downlink answered it.
	uplinkConfirmed bool
}

// Mac is the device-side MAC engine: one region handler, one configuration,
// and exactly one of {unjoined, joining, joined} active at a time.
type Mac struct {
	Region region.Handler
	Config Configuration

	kind    stateKind
	otaa    otaaContext
	Session Session

	answers maccommand.Queue
}

// New returns a fresh, unjoined MAC engine bound to a region handler.
func New(r region.Handler) *Mac {
	return &Mac{Region: r, Config: DefaultConfiguration(), kind: stateUnjoined}
}

// ErrNotJoined is returned by operations that require an active session.
var ErrNotJoined = errors.New("session: device is not joined")

// ErrAlreadyJoining is returned when JoinOTAA is called while a previous
// join attempt has not yet resolved.
var ErrAlreadyJoining = errors.New("session: a join attempt is already in progress")

// JoinOTAA builds a join-request frame and transitions the engine into the
// joining state. The caller is responsible for transmitting the returned
// bytes at the returned TxConfig.
func (m *Mac) JoinOTAA(rng region.RNG, creds Credentials, devNonce uint16) ([]byte, TxConfig, error) {
	if m.kind == stateJoining {
		return nil, TxConfig{}, ErrAlreadyJoining
	}

	plan, err := m.Region.NextTxChannel(rng, m.Region.DefaultDataRate(), region.FrameJoin)
	if err != nil {
		return nil, TxConfig{}, errors.Wrap(err, "session: select join channel")
	}

	frame := buildJoinRequest(creds.JoinEUI, creds.DevEUI, devNonce)
	mic, err := crypto.ComputeJoinRequestMIC(creds.AppKey, frame)
	if err != nil {
		return nil, TxConfig{}, errors.Wrap(err, "session: compute join-request MIC")
	}
	frame = append(frame, mic[:]...)

	m.kind = stateJoining
	m.otaa = otaaContext{credentials: creds, devNonce: devNonce}

	return frame, TxConfig{Frequency: plan.Frequency, DataRate: uint8(plan.DataRate)}, nil
}

// JoinABP installs a pre-provisioned session directly, without a join
// exchange.
func (m *Mac) JoinABP(s ABPSession) {
	m.kind = stateJoined
	m.Session = Session{
		DevAddr:  s.DevAddr,
		NwkSKey:  s.NwkSKey,
		AppSKey:  s.AppSKey,
		FCntUp:   s.FCntUp,
		FCntDown: s.FCntDown,
	}
}

// IsJoined reports whether the engine currently holds an active session.
func (m *Mac) IsJoined() bool { return m.kind == stateJoined }

// Send builds an uplink data frame for the given application payload,
// attaching any queued MAC-command answers: when the uplink carries
// application data, as many as fit go into FOpts and the rest stay queued;
// when it carries none, the whole queue goes into an FPort=0 FRMPayload. The
// returned Response is ResponseSessionExpired when this uplink exhausts
// FCntUp and the session has been dropped; the frame itself is still valid
// and may be transmitted as the session's last uplink.
func (m *Mac) Send(rng region.RNG, data SendData) (Response, []byte, TxConfig, error) {
	if m.kind != stateJoined {
		return ResponseNoUpdate, nil, TxConfig{}, ErrNotJoined
	}

	plan, err := m.Region.NextTxChannel(rng, region.DataRate(m.Config.DataRate), region.FrameData)
	if err != nil {
		return ResponseNoUpdate, nil, TxConfig{}, errors.Wrap(err, "session: select tx channel")
	}

	var fopts []byte
	payload := data.Payload
	fport := data.FPort
	if fport == 0 && len(payload) == 0 {
		payload = m.answers.DrainAll()
	} else {
		fopts = m.answers.DrainFOpts()
	}

	mtype := MTypeUnconfirmedDataUp
	if data.Confirmed {
		mtype = MTypeConfirmedDataUp
	}

	h := fhdr{
		DevAddr:   m.Session.DevAddr,
		ACK:       m.Session.confirmed,
		FCnt:      uint16(m.Session.FCntUp),
		FOpts:     fopts,
	}
	m.Session.confirmed = false
	m.Session.uplinkConfirmed = data.Confirmed

	buf := []byte{mhdr(mtype)}
	buf = append(buf, encodeFHDR(h, true)...)

	if len(payload) > 0 || fport != 0 {
		encrypted, err := m.encryptPayload(fport, payload, true)
		if err != nil {
			return ResponseNoUpdate, nil, TxConfig{}, err
		}
		buf = append(buf, fport)
		buf = append(buf, encrypted...)
	}

	mic, err := crypto.ComputeDataMIC(m.Session.NwkSKey, crypto.Uplink, toCryptoAddr(m.Session.DevAddr), m.Session.FCntUp, buf)
	if err != nil {
		return ResponseNoUpdate, nil, TxConfig{}, errors.Wrap(err, "session: compute uplink MIC")
	}
	buf = append(buf, mic[:]...)

	tx := TxConfig{Frequency: plan.Frequency, DataRate: uint8(plan.DataRate)}
	if m.Session.FCntUp == 0xFFFFFFFF {
		m.kind = stateUnjoined
		return ResponseSessionExpired, buf, tx, nil
	}
	m.Session.FCntUp++

	return ResponseNoUpdate, buf, tx, nil
}

// encryptPayload chooses NwkSKey for FPort==0 (MAC-command payloads) and
// AppSKey otherwise, per LoRaWAN 1.0.x.
func (m *Mac) encryptPayload(fport uint8, payload []byte, uplink bool) ([]byte, error) {
	key := m.Session.AppSKey
	if fport == 0 {
		key = m.Session.NwkSKey
	}
	dir := crypto.Uplink
	if !uplink {
		dir = crypto.Downlink
	}
	return crypto.CryptPayload(key, dir, toCryptoAddr(m.Session.DevAddr), m.fcntForDirection(uplink), payload)
}

func (m *Mac) fcntForDirection(uplink bool) uint32 {
	if uplink {
		return m.Session.FCntUp
	}
	return m.Session.FCntDown
}

func toCryptoAddr(a DevAddr) [4]byte { return [4]byte(a) }

// HandleRx processes a frame received in RX1 or RX2. It returns a
// non-application Response describing the high-level outcome; application
// payloads, if any, are returned separately via the out parameter.
func (m *Mac) HandleRx(buf []byte, out *Downlink) (Response, error) {
	if len(buf) == 0 {
		return ResponseNoUpdate, nil
	}

	switch mtypeOf(buf[0]) {
	case MTypeJoinAccept:
		return m.handleJoinAccept(buf)
	case MTypeUnconfirmedDataDown, MTypeConfirmedDataDown:
		return m.handleDataDown(buf, out)
	default:
		return ResponseNoUpdate, errors.New("session: unexpected frame type in downlink")
	}
}

func (m *Mac) handleJoinAccept(buf []byte) (Response, error) {
	if m.kind != stateJoining {
		return ResponseNoUpdate, errors.New("session: received join-accept while not joining")
	}
	if len(buf) != 17 && len(buf) != 33 {
		return ResponseNoJoinAccept, errors.New("session: invalid join-accept length")
	}

	plaintext, err := crypto.DecryptJoinAccept(m.otaa.credentials.AppKey, buf[1:])
	if err != nil {
		return ResponseNoJoinAccept, err
	}

	var mic crypto.MIC
	copy(mic[:], plaintext[len(plaintext)-4:])
	body := append([]byte{buf[0]}, plaintext[:len(plaintext)-4]...)
	ok, err := crypto.ValidateJoinAcceptMIC(m.otaa.credentials.AppKey, body, mic)
	if err != nil {
		return ResponseNoJoinAccept, err
	}
	if !ok {
		return ResponseNoJoinAccept, errors.New("session: join-accept MIC mismatch")
	}

	parsed, err := parseJoinAcceptBody(plaintext[:len(plaintext)-4])
	if err != nil {
		return ResponseNoJoinAccept, err
	}

	devNonceLE := [2]byte{byte(m.otaa.devNonce), byte(m.otaa.devNonce >> 8)}

	nwkSKey, err := crypto.DeriveNwkSKey(m.otaa.credentials.AppKey, parsed.AppNonce, parsed.NetID, devNonceLE)
	if err != nil {
		return ResponseNoJoinAccept, err
	}
	appSKey, err := crypto.DeriveAppSKey(m.otaa.credentials.AppKey, parsed.AppNonce, parsed.NetID, devNonceLE)
	if err != nil {
		return ResponseNoJoinAccept, err
	}

	if len(parsed.CFList) > 0 {
		if err := m.Region.ProcessJoinAcceptCFList(parsed.CFList); err != nil {
			return ResponseNoJoinAccept, err
		}
	}
	m.Region.OnJoinAccept()

	rxDelay := parsed.RXDelay
	m.Config.RX1DelayMillis = RXDelayMillis(rxDelay)

	m.kind = stateJoined
	m.Session = Session{
		DevAddr: parsed.DevAddr,
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	}
	m.answers.Clear()

	return ResponseJoinSuccess, nil
}

func (m *Mac) handleDataDown(buf []byte, out *Downlink) (Response, error) {
	if m.kind != stateJoined {
		return ResponseNoUpdate, ErrNotJoined
	}
	if len(buf) < 12 {
		return ResponseNoUpdate, errors.New("session: downlink frame too short")
	}

	h, n, err := decodeFHDR(buf[1:], false)
	if err != nil {
		return ResponseNoUpdate, err
	}
	if h.DevAddr != m.Session.DevAddr {
		return ResponseNoUpdate, errors.New("session: DevAddr mismatch")
	}

	fullFCnt := reconstructFCnt(m.Session.FCntDown, h.FCnt)

	msg := buf[:len(buf)-4]
	var wantMIC crypto.MIC
	copy(wantMIC[:], buf[len(buf)-4:])

	gotMIC, err := crypto.ComputeDataMIC(m.Session.NwkSKey, crypto.Downlink, toCryptoAddr(m.Session.DevAddr), fullFCnt, msg)
	if err != nil {
		return ResponseNoUpdate, err
	}
	if gotMIC != wantMIC {
		return ResponseNoUpdate, errors.New("session: downlink MIC mismatch")
	}

	if fullFCnt <= m.Session.FCntDown && fullFCnt != 0 {
		return ResponseNoUpdate, errors.New("session: downlink frame counter replay")
	}

	rest := buf[1+n:]
	fport := uint8(0)
	var frmPayload []byte
	if len(rest) > 4 {
		fport = rest[0]
		frmPayload = rest[1 : len(rest)-4]
	}

	var plaintext []byte
	if len(frmPayload) > 0 {
		plaintext, err = m.decryptDown(fport, frmPayload, fullFCnt)
		if err != nil {
			return ResponseNoUpdate, err
		}
	}

	var macBytes []byte
	macBytes = append(macBytes, h.FOpts...)
	if fport == 0 {
		macBytes = append(macBytes, plaintext...)
	}
	for _, cmd := range maccommand.Parse(macBytes) {
		m.handleDownlinkMAC(cmd)
	}

	m.Session.FCntDown = fullFCnt
	m.Session.confirmed = mtypeOf(buf[0]) == MTypeConfirmedDataDown

	if fport != 0 && len(plaintext) > 0 && out != nil {
		*out = Downlink{FPort: fport, Data: plaintext}
		return ResponseDownlinkReceived, nil
	}
	return ResponseNoUpdate, nil
}

func (m *Mac) decryptDown(fport uint8, data []byte, fullFCnt uint32) ([]byte, error) {
	key := m.Session.AppSKey
	if fport == 0 {
		key = m.Session.NwkSKey
	}
	return crypto.CryptPayload(key, crypto.Downlink, toCryptoAddr(m.Session.DevAddr), fullFCnt, data)
}

func (m *Mac) handleDownlinkMAC(cmd maccommand.Command) {
	switch cmd.CID {
	case maccommand.CIDLinkADR:
		req, err := maccommand.ParseLinkADRReq(cmd.Payload)
		if err != nil {
			return
		}
		err = m.Region.HandleChannelMaskCtrl(req.ChMaskCntl, req.ChMask)
		ans := maccommand.LinkADRAns{ChannelMaskAck: err == nil, DataRateAck: true, TXPowerAck: true}
		if err == nil {
			m.Config.DataRate = req.DataRate
		}
		m.answers.Push(maccommand.CIDLinkADR, []byte{ans.Encode()})
	case maccommand.CIDRXTimingSetup:
		if len(cmd.Payload) == 1 {
			m.Config.RX1DelayMillis = maccommand.DelayMillis(cmd.Payload[0] & 0x0F)
		}
		m.answers.Push(maccommand.CIDRXTimingSetup, nil)
	case maccommand.CIDDutyCycle:
		m.answers.Push(maccommand.CIDDutyCycle, nil)
	case maccommand.CIDRXParamSetup:
		req, err := maccommand.ParseRXParamSetupReq(cmd.Payload)
		if err != nil {
			return
		}
		m.Config.RX1DROffset = req.RX1DROffset
		m.Config.RX2DataRate = req.RX2DataRate
		m.Config.RX2Frequency = req.Frequency
		ans := maccommand.RXParamSetupAns{ChannelAck: true, RX2DataRateAck: true, RX1DROffsetAck: true}
		m.answers.Push(maccommand.CIDRXParamSetup, []byte{ans.Encode()})
	case maccommand.CIDDevStatus:
		ans := maccommand.DevStatusAns{Battery: 255, Margin: 0}
		m.answers.Push(maccommand.CIDDevStatus, ans.Encode())
	case maccommand.CIDTXParamSetup:
		req, err := maccommand.ParseTXParamSetupReq(cmd.Payload)
		if err == nil {
			if eirp, eerr := maccommand.EIRP(req.MaxEIRPIndex); eerr == nil {
				m.Config.MaxEIRP = eirp
			}
			m.Config.UplinkDwellTime = req.UplinkDwellTime
			m.Config.DownlinkDwellTime = req.DownlinkDwellTime
		}
		m.answers.Push(maccommand.CIDTXParamSetup, nil)
	}
}

// Rx2Complete finalizes the cycle once both receive windows have closed with
// no frame accepted. A join attempt ends with NoJoinAccept and returns the
// engine to the unjoined state; a data uplink ends with NoAck if it was
// confirmed, otherwise RxComplete. It does not touch FCntUp.
func (m *Mac) Rx2Complete() Response {
	if m.kind == stateJoining {
		m.kind = stateUnjoined
		return ResponseNoJoinAccept
	}
	if m.Session.uplinkConfirmed {
		return ResponseNoAck
	}
	return ResponseRxComplete
}

// reconstructFCnt recovers the full 32-bit downlink frame counter from its
// 16-bit wire representation, given the last known full counter, by
// combining the stored high 16 bits with the received low 16 bits. A result
// at or below stored (and not the legitimate counter-reset value 0) is left
// as-is so the replay check in handleDataDown catches it; this function does
// not itself roll the counter forward across an epoch, since that would let
// a replayed low-16 value from the current epoch be mistaken for a valid
// frame from the next one.
func reconstructFCnt(stored uint32, wire uint16) uint32 {
	return (stored &^ 0xFFFF) | uint32(wire)
}
