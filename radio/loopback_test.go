package radio

import (
	"testing"

	"github.com/lora-edge/lorawan-core/scheduler"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLoopbackDeliversOnMatchingReceive(t *testing.T) {
	Convey("Given a Loopback radio with a recording deliver callback", t, func() {
		var delivered [][]byte
		l := NewLoopback(func(frame []byte) { delivered = append(delivered, frame) })

		Convey("Then a Receive opened after Transmit delivers the pending frame", func() {
			err := l.Transmit(scheduler.TxRequest{Frame: []byte{1, 2, 3}, Frequency: 868100000})
			So(err, ShouldBeNil)
			So(delivered, ShouldHaveLength, 0)

			err = l.Receive(scheduler.RxRequest{Frequency: 868100000})
			So(err, ShouldBeNil)
			So(delivered, ShouldHaveLength, 1)
			So(delivered[0], ShouldResemble, []byte{1, 2, 3})
		})

		Convey("Then a Receive opened before Transmit delivers immediately on a matching frequency", func() {
			err := l.Receive(scheduler.RxRequest{Frequency: 868300000})
			So(err, ShouldBeNil)

			err = l.Transmit(scheduler.TxRequest{Frame: []byte{9}, Frequency: 868300000})
			So(err, ShouldBeNil)
			So(delivered, ShouldHaveLength, 1)
		})
	})
}
