// Package lorawan implements a Class A LoRaWAN 1.0.x end-device MAC layer:
// OTAA/ABP activation, uplink/downlink framing, frame-counter and
// MAC-command bookkeeping, regional channel plans and RX1/RX2 window
// scheduling.
package lorawan

import (
	"github.com/lora-edge/lorawan-core/region"
	"github.com/lora-edge/lorawan-core/scheduler"
	"github.com/lora-edge/lorawan-core/session"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Device is the application-facing facade binding a MAC engine, a region
// handler and a window scheduler to one radio/timer/RNG set of
// collaborators.
type Device struct {
	mac   *session.Mac
	sched *scheduler.Scheduler
	radio scheduler.Radio
	timer scheduler.Timer
	rng   region.RNG

	pendingDownlink *session.Downlink
	log             *log.Entry
}

// New constructs a Device bound to a region handler and the radio/timer/RNG
// collaborators the caller's platform provides.
func New(r region.Handler, radio scheduler.Radio, timer scheduler.Timer, rng region.RNG) *Device {
	mac := session.New(r)
	return &Device{
		mac:   mac,
		sched: scheduler.New(int64(mac.Config.RX1DelayMillis), int64(mac.Config.JoinAcceptDelay2), radio),
		radio: radio,
		timer: timer,
		rng:   rng,
		log:   log.WithField("component", "lorawan"),
	}
}

// SetDataRate overrides the data rate used for the next data uplink.
func (d *Device) SetDataRate(dr uint8) {
	d.mac.Config.DataRate = dr
}

// GetDataRate returns the data rate that will be used for the next data
// uplink.
func (d *Device) GetDataRate() uint8 {
	return d.mac.Config.DataRate
}

// IsJoined reports whether the device currently holds an active session.
func (d *Device) IsJoined() bool { return d.mac.IsJoined() }

// Join starts an over-the-air activation by transmitting a join-request and
// arming RX1/RX2 to catch the join-accept. devNonce must not repeat across
// the lifetime of a given DevEUI/AppKey pair; callers that cannot persist a
// monotonic counter across reboots should derive one from a source that
// won't repeat (e.g. a hardware RNG seeded once at provisioning time).
func (d *Device) Join(creds session.Credentials, devNonce uint16) error {
	frame, tx, err := d.mac.JoinOTAA(d.rng, creds, devNonce)
	if err != nil {
		return errors.Wrap(err, "lorawan: build join-request")
	}

	d.sched = scheduler.New(int64(d.mac.Config.JoinAcceptDelay1), int64(d.mac.Config.JoinAcceptDelay2), d.radio)

	if err := d.radio.Transmit(scheduler.TxRequest{Frame: frame, Frequency: tx.Frequency, DataRate: tx.DataRate}); err != nil {
		return errors.Wrap(err, "lorawan: transmit join-request")
	}
	d.log.WithField("frequency", tx.Frequency).Debug("sent join-request")
	return nil
}

// Send transmits an application payload, attaching any queued MAC-command
// answers, and arms RX1/RX2 to catch an acknowledgment or downlink. The
// returned Response is ResponseSessionExpired when this uplink exhausted
// FCntUp; the frame is still transmitted as the session's last uplink.
func (d *Device) Send(data session.SendData) (session.Response, error) {
	resp, frame, tx, err := d.mac.Send(d.rng, data)
	if err != nil {
		return session.ResponseNoUpdate, errors.Wrap(err, "lorawan: build uplink frame")
	}

	d.sched = scheduler.New(int64(d.mac.Config.RX1DelayMillis), int64(d.mac.Config.RX1DelayMillis)+1000, d.radio)

	if err := d.radio.Transmit(scheduler.TxRequest{Frame: frame, Frequency: tx.Frequency, DataRate: tx.DataRate}); err != nil {
		return resp, errors.Wrap(err, "lorawan: transmit uplink")
	}
	d.log.WithField("frequency", tx.Frequency).Debug("sent uplink")
	return resp, nil
}

// OnTxDone must be called once the radio reports the just-requested
// transmission has completed, at the given millisecond timestamp. It arms
// the timer for RX1's opening.
func (d *Device) OnTxDone(txCompleteAtMillis int64) error {
	out, err := d.sched.TxDone(txCompleteAtMillis)
	if err != nil {
		return err
	}
	if out.ArmTimer != 0 {
		d.timer.ArmAt(out.ArmTimer)
	}
	return nil
}

// OnTimerFired must be called when the timer armed by OnTxDone (or a
// subsequent RX2 fallback) fires. It opens the corresponding receive
// window on the radio.
func (d *Device) OnTimerFired() error {
	out, err := d.sched.HandleTimeout()
	if err != nil {
		return err
	}
	if out.OpenRx {
		freq, dr := d.rxParamsFor(out.Window)
		if err := d.radio.Receive(scheduler.RxRequest{Frequency: freq, DataRate: dr, TimeoutMillis: out.CloseAfterMillis}); err != nil {
			return errors.Wrap(err, "lorawan: open receive window")
		}
	}
	return nil
}

func (d *Device) rxParamsFor(w scheduler.Window) (uint32, uint8) {
	if w == scheduler.Window2 && d.mac.Config.RX2Frequency != 0 {
		return d.mac.Config.RX2Frequency, d.mac.Config.RX2DataRate
	}
	rw := region.Window1
	if w == scheduler.Window2 {
		rw = region.Window2
	}
	rx := d.mac.Region.RxParams(rw)
	return rx.Frequency, uint8(rx.DataRate)
}

// OnRadioRxTimeout must be called when an open receive window closes with
// no frame received. It either falls back to RX2 (arming a new timer) or
// concludes the duty cycle, returning the terminal Response the duty cycle
// ended with (NoJoinAccept after a join-request, NoAck, RxComplete, or
// NoUpdate if RX1 is falling back to RX2).
func (d *Device) OnRadioRxTimeout() (session.Response, error) {
	out := d.sched.HandleRadioTimeout()
	if out.ArmTimer != 0 {
		d.timer.ArmAt(out.ArmTimer)
	}
	if out.Done {
		return d.mac.Rx2Complete(), nil
	}
	return session.ResponseNoUpdate, nil
}

// OnRadioRx must be called when the radio delivers a frame while a receive
// window is open. It feeds the frame to the MAC engine; a frame the MAC
// engine rejects (bad MIC, replayed counter, foreign DevAddr) re-arms the
// same window for its remaining budget instead of ending the duty cycle,
// since a rejected frame must not cut the listen short for whatever the
// network actually meant to send.
func (d *Device) OnRadioRx(frame []byte) (session.Response, error) {
	out := d.sched.HandleRadioRx(frame)
	if out.FrameReceived == nil {
		return session.ResponseNoUpdate, nil
	}

	var dl session.Downlink
	resp, err := d.mac.HandleRx(frame, &dl)
	if err != nil {
		reopen := d.sched.ContinueWindow()
		if reopen.OpenRx {
			freq, dr := d.rxParamsFor(reopen.Window)
			if rerr := d.radio.Receive(scheduler.RxRequest{Frequency: freq, DataRate: dr, TimeoutMillis: reopen.CloseAfterMillis}); rerr != nil {
				return session.ResponseNoUpdate, errors.Wrap(rerr, "lorawan: re-open receive window")
			}
		}
		return session.ResponseNoUpdate, nil
	}

	d.sched.Conclude()

	if resp == session.ResponseDownlinkReceived {
		d.pendingDownlink = &dl
	}
	if resp == session.ResponseJoinSuccess {
		d.sched = scheduler.New(int64(d.mac.Config.RX1DelayMillis), int64(d.mac.Config.RX1DelayMillis)+1000, d.radio)
	}
	return resp, nil
}

// TakeDownlink returns and clears the most recently received application
// downlink payload, if any.
func (d *Device) TakeDownlink() (session.Downlink, bool) {
	if d.pendingDownlink == nil {
		return session.Downlink{}, false
	}
	dl := *d.pendingDownlink
	d.pendingDownlink = nil
	return dl, true
}
