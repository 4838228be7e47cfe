package lorawan

import (
	"testing"

	"github.com/lora-edge/lorawan-core/crypto"
	"github.com/lora-edge/lorawan-core/region"
	"github.com/lora-edge/lorawan-core/scheduler"
	"github.com/lora-edge/lorawan-core/session"
	. "github.com/smartystreets/goconvey/convey"
)

type countingRNG struct{ v uint32 }

func (r *countingRNG) Uint32() uint32 { r.v++; return r.v }

type fakeRadio struct {
	transmitted []scheduler.TxRequest
	received    []scheduler.RxRequest
}

func (r *fakeRadio) Transmit(req scheduler.TxRequest) error {
	r.transmitted = append(r.transmitted, req)
	return nil
}
func (r *fakeRadio) Receive(req scheduler.RxRequest) error {
	r.received = append(r.received, req)
	return nil
}
func (r *fakeRadio) CancelReceive() error { return nil }
func (r *fakeRadio) RxWindowDurationMillis() int64 {
	return scheduler.DefaultRadioRxWindowDurationMillis
}
func (r *fakeRadio) RxOffsetMillis() int64 { return scheduler.DefaultRadioRxOffsetMillis }

type fakeTimer struct {
	armed []int64
}

func (t *fakeTimer) ArmAt(millis int64) { t.armed = append(t.armed, millis) }
func (t *fakeTimer) Cancel()            {}

// buildJoinAcceptFrame constructs a valid encrypted join-accept the way a
// network server would, for driving Device.OnRadioRx in tests.
func buildJoinAcceptFrame(appKey crypto.Key, appNonce, netID [3]byte, devAddr session.DevAddr, rxDelay byte) []byte {
	const mtypeJoinAccept = 0x01
	mhdrByte := byte(mtypeJoinAccept) << 5

	body := make([]byte, 0, 12)
	body = append(body, appNonce[:]...)
	body = append(body, netID[:]...)
	body = append(body, devAddr[3], devAddr[2], devAddr[1], devAddr[0])
	body = append(body, 0x00, rxDelay)

	mic, _ := crypto.ComputeJoinRequestMIC(appKey, append([]byte{mhdrByte}, body...))
	plaintext := append(body, mic[:]...)
	ciphertext, _ := crypto.EncryptJoinAccept(appKey, plaintext)

	return append([]byte{mhdrByte}, ciphertext...)
}

func TestOTAAJoinRX1Success(t *testing.T) {
	Convey("Given a Device bound to an EU868 region", t, func() {
		radio := &fakeRadio{}
		timer := &fakeTimer{}
		rng := &countingRNG{}
		dev := New(region.NewEU868(), radio, timer, rng)

		var appKey crypto.Key
		copy(appKey[:], []byte("testappkey-16byt"))
		creds := session.Credentials{
			DevEUI:  session.DevEUI{1, 2, 3, 4, 5, 6, 7, 8},
			JoinEUI: session.JoinEUI{8, 7, 6, 5, 4, 3, 2, 1},
			AppKey:  appKey,
		}

		Convey("Then Join transmits a join-request", func() {
			err := dev.Join(creds, 0x1234)
			So(err, ShouldBeNil)
			So(radio.transmitted, ShouldHaveLength, 1)
		})

		Convey("Then a join-accept received during RX1 completes activation", func() {
			err := dev.Join(creds, 0x1234)
			So(err, ShouldBeNil)

			err = dev.OnTxDone(0)
			So(err, ShouldBeNil)
			So(timer.armed, ShouldHaveLength, 1)

			err = dev.OnTimerFired()
			So(err, ShouldBeNil)
			So(radio.received, ShouldHaveLength, 1)

			devAddr := session.DevAddr{0xAA, 0xBB, 0xCC, 0xDD}
			frame := buildJoinAcceptFrame(appKey, [3]byte{1, 2, 3}, [3]byte{0, 0, 0x13}, devAddr, 1)

			resp, err := dev.OnRadioRx(frame)
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, session.ResponseJoinSuccess)
			So(dev.IsJoined(), ShouldBeTrue)
		})
	})
}

func TestRejectedDownlinkReArmsSameWindow(t *testing.T) {
	Convey("Given a joined Device with RX1 open", t, func() {
		radio := &fakeRadio{}
		timer := &fakeTimer{}
		rng := &countingRNG{}
		dev := New(region.NewEU868(), radio, timer, rng)

		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		dev.mac.JoinABP(session.ABPSession{
			DevAddr: session.DevAddr{1, 2, 3, 4},
			NwkSKey: nwk,
			AppSKey: app,
		})

		resp, err := dev.Send(session.SendData{FPort: 1, Payload: []byte("hi")})
		So(err, ShouldBeNil)
		So(resp, ShouldEqual, session.ResponseNoUpdate)

		err = dev.OnTxDone(0)
		So(err, ShouldBeNil)
		err = dev.OnTimerFired()
		So(err, ShouldBeNil)
		So(radio.received, ShouldHaveLength, 1)

		Convey("Then a rejected frame (all zero bytes, not a downlink frame type) re-opens RX1 instead of ending the cycle", func() {
			garbage := make([]byte, 16)
			r, err := dev.OnRadioRx(garbage)
			So(err, ShouldBeNil)
			So(r, ShouldEqual, session.ResponseNoUpdate)

			So(radio.received, ShouldHaveLength, 2)
			So(radio.received[1].Frequency, ShouldEqual, radio.received[0].Frequency)
		})
	})
}

func TestSendUnconfirmedUplink(t *testing.T) {
	Convey("Given a joined Device", t, func() {
		radio := &fakeRadio{}
		timer := &fakeTimer{}
		rng := &countingRNG{}
		dev := New(region.NewEU868(), radio, timer, rng)

		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		dev.mac.JoinABP(session.ABPSession{
			DevAddr: session.DevAddr{1, 2, 3, 4},
			NwkSKey: nwk,
			AppSKey: app,
		})

		Convey("Then Send transmits a frame and arms RX1", func() {
			resp, err := dev.Send(session.SendData{FPort: 1, Payload: []byte("hi")})
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, session.ResponseNoUpdate)
			So(radio.transmitted, ShouldHaveLength, 1)

			err = dev.OnTxDone(0)
			So(err, ShouldBeNil)
			So(timer.armed, ShouldHaveLength, 1)
		})
	})
}
