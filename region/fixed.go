package region

// FixedPlan implements Handler for channel plans where every channel exists
// from the start and the network only enables/disables subsets of them
// (US915, AU915 and similar "fixed" regions): 64 125 kHz uplink channels
// (0-63), 8 500 kHz uplink channels (64-71), 8 500 kHz downlink channels and
// a join-bias mechanism that favors the subband a gateway was last heard on.
type FixedPlan struct {
	name string

	// uplink125kHz[i] is the frequency of channel i (0-63).
	uplink125kHz [64]uint32
	// uplink500kHz[i] is the frequency of channel 64+i (0-7).
	uplink500kHz [8]uint32
	// downlink500kHz[i] is the RX1 frequency for last-tx-channel%8 == i.
	downlink500kHz [8]uint32

	rx2Frequency uint32
	rx2DataRate  DataRate

	mask          ChannelMask
	lastTxChannel int

	bias joinBias
}

// NewUS915 returns the US915 fixed channel plan.
func NewUS915() *FixedPlan {
	return newFixed("US915", 902300000, 903000000, 923300000, 923300000, 8)
}

// NewAU915 returns the AU915 fixed channel plan.
func NewAU915() *FixedPlan {
	return newFixed("AU915", 915200000, 915900000, 923300000, 923300000, 8)
}

func newFixed(name string, ul125Base, ul500Base, dlBase, rx2Freq uint32, rx2DR DataRate) *FixedPlan {
	p := &FixedPlan{name: name, rx2Frequency: rx2Freq, rx2DataRate: rx2DR, lastTxChannel: -1}
	for i := 0; i < 64; i++ {
		p.uplink125kHz[i] = ul125Base + uint32(i)*200000
	}
	for i := 0; i < 8; i++ {
		p.uplink500kHz[i] = ul500Base + uint32(i)*1600000
		p.downlink500kHz[i] = dlBase + uint32(i)*600000
	}
	// All 72 uplink channels start enabled; the network narrows this down
	// via LinkADRReq once it has heard the device.
	for i := 0; i < 72; i++ {
		p.mask.Set(i, true)
	}
	p.bias.available.reset(72)
	return p
}

func (p *FixedPlan) Name() string { return p.name }

func (p *FixedPlan) DefaultDataRate() DataRate { return 0 }

func (p *FixedPlan) NextTxChannel(rng RNG, dr DataRate, frame Frame) (TxPlan, error) {
	if frame == FrameJoin {
		ch := p.bias.next(rng, &p.mask)
		joinDR := DataRate(0)
		if ch >= 64 {
			joinDR = 4
		}
		p.lastTxChannel = ch
		return TxPlan{Frequency: p.frequency(ch), DataRate: joinDR, Channel: ch}, nil
	}

	// 500 kHz data rates (DR4 on US915/AU915) transmit on channels 64-71;
	// everything else transmits on the 125 kHz channels 0-63.
	if dr == 4 {
		for attempts := 0; attempts < 256; attempts++ {
			idx := 64 + int(rng.Uint32()%8)
			if p.mask.Enabled(idx) {
				p.lastTxChannel = idx
				return TxPlan{Frequency: p.frequency(idx), DataRate: dr, Channel: idx}, nil
			}
		}
		return TxPlan{}, ErrInvalidChannelMask
	}
	for attempts := 0; attempts < 256; attempts++ {
		idx := int(rng.Uint32() % 64)
		if p.mask.Enabled(idx) {
			p.lastTxChannel = idx
			return TxPlan{Frequency: p.frequency(idx), DataRate: dr, Channel: idx}, nil
		}
	}
	return TxPlan{}, ErrInvalidChannelMask
}

func (p *FixedPlan) frequency(ch int) uint32 {
	if ch < 64 {
		return p.uplink125kHz[ch]
	}
	return p.uplink500kHz[ch-64]
}

func (p *FixedPlan) RxParams(window Window) RxPlan {
	if window == Window2 {
		return RxPlan{Frequency: p.rx2Frequency, DataRate: p.rx2DataRate}
	}
	ch := p.lastTxChannel
	if ch < 0 {
		ch = 0
	}
	return RxPlan{Frequency: p.downlink500kHz[ch%8], DataRate: 10}
}

// HandleChannelMaskCtrl applies LinkADRReq ChMaskCntl semantics for fixed
// plans: 0-4 write a 16-channel bank, 5 is a bit-per-bank fill (bit i
// enables/disables the 16-channel bank i as a whole), 6 enables every 125kHz
// channel, 7 disables every 125kHz channel, everything else is RFU. The
// update is applied to a trial copy of the mask first; if it would leave
// zero channels enabled, the real mask is left untouched and
// ErrInvalidChannelMask is returned.
func (p *FixedPlan) HandleChannelMaskCtrl(chMaskCntl uint8, chMask ChannelMask) error {
	switch {
	case chMaskCntl <= 4:
		trial := p.mask
		bankStart := int(chMaskCntl) * 16
		for i := 0; i < 16; i++ {
			if bankStart+i >= 72 {
				break
			}
			trial.Set(bankStart+i, chMask.Enabled(i))
		}
		if err := validateMask(trial, 72); err != nil {
			return err
		}
		p.mask = trial
		return nil
	case chMaskCntl == 5:
		trial := p.mask
		for bank := 0; bank < 5; bank++ {
			enabled := chMask.Enabled(bank)
			for i := 0; i < 16 && bank*16+i < 72; i++ {
				trial.Set(bank*16+i, enabled)
			}
		}
		if err := validateMask(trial, 72); err != nil {
			return err
		}
		p.mask = trial
		return nil
	case chMaskCntl == 6:
		p.set125kChannels(true)
		return nil
	case chMaskCntl == 7:
		trial := p.mask
		for i := 0; i < 64; i++ {
			trial.Set(i, false)
		}
		if err := validateMask(trial, 72); err != nil {
			return err
		}
		p.mask = trial
		return nil
	default:
		return nil
	}
}

func (p *FixedPlan) set125kChannels(enabled bool) {
	for i := 0; i < 64; i++ {
		p.mask.Set(i, enabled)
	}
}

// ProcessJoinAcceptCFList is a no-op for fixed plans: the CFList there
// carries a ChMask set, which arrives via MAC commands instead.
func (p *FixedPlan) ProcessJoinAcceptCFList(cfList []byte) error { return nil }

func (p *FixedPlan) SetJoinBias(subband int, maxRetries int) {
	p.bias.setBias(subband, maxRetries)
}

func (p *FixedPlan) OnJoinAccept() {
	p.bias.reset(72)
}
