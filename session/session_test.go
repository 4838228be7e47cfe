package session

import (
	"testing"

	"github.com/lora-edge/lorawan-core/crypto"
	"github.com/lora-edge/lorawan-core/maccommand"
	"github.com/lora-edge/lorawan-core/region"
	. "github.com/smartystreets/goconvey/convey"
)

type stubRNG struct{ v uint32 }

func (r *stubRNG) Uint32() uint32 { r.v++; return r.v }

func testCredentials() Credentials {
	var key crypto.Key
	copy(key[:], []byte("testappkey-16byt"))
	return Credentials{
		DevEUI:  DevEUI{1, 2, 3, 4, 5, 6, 7, 8},
		JoinEUI: JoinEUI{8, 7, 6, 5, 4, 3, 2, 1},
		AppKey:  key,
	}
}

func TestJoinOTAABuildsValidFrame(t *testing.T) {
	Convey("Given a fresh Mac bound to an EU868 region", t, func() {
		m := New(region.NewEU868())
		rng := &stubRNG{}
		creds := testCredentials()

		Convey("Then JoinOTAA returns a 23-byte frame with a valid MIC", func() {
			frame, tx, err := m.JoinOTAA(rng, creds, 0x1234)
			So(err, ShouldBeNil)
			So(frame, ShouldHaveLength, 23)
			So(tx.Frequency, ShouldBeGreaterThan, uint32(0))

			mic, err := crypto.ComputeJoinRequestMIC(creds.AppKey, frame[:19])
			So(err, ShouldBeNil)
			So(frame[19:23], ShouldResemble, mic[:])
		})

		Convey("Then a second JoinOTAA call before resolution is rejected", func() {
			_, _, err := m.JoinOTAA(rng, creds, 0x1234)
			So(err, ShouldBeNil)
			_, _, err = m.JoinOTAA(rng, creds, 0x1235)
			So(err, ShouldEqual, ErrAlreadyJoining)
		})
	})
}

// buildJoinAcceptFixture constructs a valid encrypted join-accept frame the
// way a network server would, so HandleRx can be exercised against it.
func buildJoinAcceptFixture(appKey crypto.Key, appNonce, netID [3]byte, devAddr DevAddr, rxDelay byte) []byte {
	body := make([]byte, 0, 12)
	body = append(body, appNonce[:]...)
	body = append(body, netID[:]...)
	body = append(body, devAddr[3], devAddr[2], devAddr[1], devAddr[0])
	body = append(body, 0x00) // DLSettings
	body = append(body, rxDelay)

	mhdrByte := mhdr(MTypeJoinAccept)
	mic, _ := crypto.ComputeJoinRequestMIC(appKey, append([]byte{mhdrByte}, body...))

	plaintext := append(body, mic[:]...)
	ciphertext, _ := crypto.EncryptJoinAccept(appKey, plaintext)

	return append([]byte{mhdrByte}, ciphertext...)
}

func TestHandleRxJoinAccept(t *testing.T) {
	Convey("Given a Mac that has sent a join-request", t, func() {
		m := New(region.NewEU868())
		rng := &stubRNG{}
		creds := testCredentials()
		_, _, err := m.JoinOTAA(rng, creds, 0x1234)
		So(err, ShouldBeNil)

		Convey("Then a well-formed join-accept transitions the Mac to joined", func() {
			appNonce := [3]byte{0x01, 0x02, 0x03}
			netID := [3]byte{0x00, 0x00, 0x13}
			devAddr := DevAddr{0xAA, 0xBB, 0xCC, 0xDD}
			frame := buildJoinAcceptFixture(creds.AppKey, appNonce, netID, devAddr, 1)

			resp, err := m.HandleRx(frame, nil)
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseJoinSuccess)
			So(m.IsJoined(), ShouldBeTrue)
			So(m.Session.DevAddr, ShouldResemble, devAddr)
		})
	})
}

func TestSendIncrementsFCntUp(t *testing.T) {
	Convey("Given a joined Mac", t, func() {
		m := New(region.NewEU868())
		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		m.JoinABP(ABPSession{
			DevAddr: DevAddr{1, 2, 3, 4},
			NwkSKey: nwk,
			AppSKey: app,
		})
		rng := &stubRNG{}

		Convey("Then Send produces a frame and increments FCntUp", func() {
			resp, frame, _, err := m.Send(rng, SendData{FPort: 1, Payload: []byte("hi")})
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseNoUpdate)
			So(len(frame), ShouldBeGreaterThan, 0)
			So(m.Session.FCntUp, ShouldEqual, uint32(1))
		})

		Convey("Then Send reports ResponseSessionExpired once FCntUp would wrap", func() {
			m.Session.FCntUp = 0xFFFFFFFF
			resp, frame, _, err := m.Send(rng, SendData{FPort: 1, Payload: []byte("hi")})
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseSessionExpired)
			So(len(frame), ShouldBeGreaterThan, 0)
			So(m.IsJoined(), ShouldBeFalse)
		})
	})
}

func TestHandleDataDownLinkADR(t *testing.T) {
	Convey("Given a joined Mac", t, func() {
		m := New(region.NewUS915())
		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		devAddr := DevAddr{1, 2, 3, 4}
		m.JoinABP(ABPSession{DevAddr: devAddr, NwkSKey: nwk, AppSKey: app})

		Convey("Then a downlink carrying a LinkADRReq in FOpts queues a LinkADRAns", func() {
			linkADRPayload := []byte{0x37, 0x01, 0x00, 0x01}
			fopts := append([]byte{byte(maccommand.CIDLinkADR)}, linkADRPayload...)

			h := fhdr{DevAddr: devAddr, FCnt: 1, FOpts: fopts}
			buf := []byte{mhdr(MTypeUnconfirmedDataDown)}
			buf = append(buf, encodeFHDR(h, false)...)

			mic, err := crypto.ComputeDataMIC(nwk, crypto.Downlink, [4]byte(devAddr), 1, buf)
			So(err, ShouldBeNil)
			buf = append(buf, mic[:]...)

			var dl Downlink
			resp, err := m.HandleRx(buf, &dl)
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseNoUpdate)
			So(m.answers.Len(), ShouldEqual, 1)
			So(m.Session.FCntDown, ShouldEqual, uint32(1))
		})
	})
}

func TestHandleDataDownRXParamSetup(t *testing.T) {
	Convey("Given a joined Mac", t, func() {
		m := New(region.NewEU868())
		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		devAddr := DevAddr{1, 2, 3, 4}
		m.JoinABP(ABPSession{DevAddr: devAddr, NwkSKey: nwk, AppSKey: app})

		Convey("Then a downlink carrying an RXParamSetupReq updates RX2 config and queues an ack", func() {
			// DLSettings: RX1DROffset=1, RX2DataRate=3; Frequency=869525000 (100Hz units, LE).
			rxParamPayload := []byte{0x13, 0xD2, 0xAD, 0x84}
			fopts := append([]byte{byte(maccommand.CIDRXParamSetup)}, rxParamPayload...)

			h := fhdr{DevAddr: devAddr, FCnt: 1, FOpts: fopts}
			buf := []byte{mhdr(MTypeUnconfirmedDataDown)}
			buf = append(buf, encodeFHDR(h, false)...)
			mic, err := crypto.ComputeDataMIC(nwk, crypto.Downlink, [4]byte(devAddr), 1, buf)
			So(err, ShouldBeNil)
			buf = append(buf, mic[:]...)

			resp, err := m.HandleRx(buf, nil)
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseNoUpdate)
			So(m.Config.RX1DROffset, ShouldEqual, uint8(1))
			So(m.Config.RX2DataRate, ShouldEqual, uint8(3))
			So(m.Config.RX2Frequency, ShouldEqual, uint32(869525000))
			So(m.answers.Len(), ShouldEqual, 1)
		})
	})
}

func TestHandleDataDownDevStatusAndTXParamSetup(t *testing.T) {
	Convey("Given a joined Mac", t, func() {
		m := New(region.NewEU868())
		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		devAddr := DevAddr{1, 2, 3, 4}
		m.JoinABP(ABPSession{DevAddr: devAddr, NwkSKey: nwk, AppSKey: app})

		Convey("Then a downlink carrying DevStatusReq and TXParamSetupReq queues both acks and updates TX config", func() {
			fopts := []byte{byte(maccommand.CIDDevStatus)}
			// TXParamSetupReq: MaxEIRP index 5 (16 dBm), both dwell times set.
			fopts = append(fopts, byte(maccommand.CIDTXParamSetup), 0x35)

			h := fhdr{DevAddr: devAddr, FCnt: 1, FOpts: fopts}
			buf := []byte{mhdr(MTypeUnconfirmedDataDown)}
			buf = append(buf, encodeFHDR(h, false)...)
			mic, err := crypto.ComputeDataMIC(nwk, crypto.Downlink, [4]byte(devAddr), 1, buf)
			So(err, ShouldBeNil)
			buf = append(buf, mic[:]...)

			resp, err := m.HandleRx(buf, nil)
			So(err, ShouldBeNil)
			So(resp, ShouldEqual, ResponseNoUpdate)
			So(m.answers.Len(), ShouldEqual, 2)
			So(m.Config.MaxEIRP, ShouldEqual, float32(16))
			So(m.Config.UplinkDwellTime, ShouldBeTrue)
			So(m.Config.DownlinkDwellTime, ShouldBeTrue)
		})
	})
}

func TestHandleDataDownRejectsReplay(t *testing.T) {
	Convey("Given a joined Mac that has already processed FCntDown=5", t, func() {
		m := New(region.NewEU868())
		var nwk, app crypto.Key
		copy(nwk[:], []byte("nwkskey-16-bytes"))
		copy(app[:], []byte("appskey-16-bytes"))
		devAddr := DevAddr{1, 2, 3, 4}
		m.JoinABP(ABPSession{DevAddr: devAddr, NwkSKey: nwk, AppSKey: app, FCntDown: 5})

		Convey("Then a downlink with FCnt=5 again is rejected as a replay", func() {
			h := fhdr{DevAddr: devAddr, FCnt: 5}
			buf := []byte{mhdr(MTypeUnconfirmedDataDown)}
			buf = append(buf, encodeFHDR(h, false)...)
			mic, err := crypto.ComputeDataMIC(nwk, crypto.Downlink, [4]byte(devAddr), 5, buf)
			So(err, ShouldBeNil)
			buf = append(buf, mic[:]...)

			_, err = m.HandleRx(buf, nil)
			So(err, ShouldNotBeNil)
		})

		Convey("Then a downlink with a lower in-epoch FCnt=3 is also rejected as a replay", func() {
			h := fhdr{DevAddr: devAddr, FCnt: 3}
			buf := []byte{mhdr(MTypeUnconfirmedDataDown)}
			buf = append(buf, encodeFHDR(h, false)...)
			mic, err := crypto.ComputeDataMIC(nwk, crypto.Downlink, [4]byte(devAddr), 3, buf)
			So(err, ShouldBeNil)
			buf = append(buf, mic[:]...)

			_, err = m.HandleRx(buf, nil)
			So(err, ShouldNotBeNil)
			So(m.Session.FCntDown, ShouldEqual, uint32(5))
		})
	})
}
