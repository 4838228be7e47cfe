package region

// DynamicPlan implements Handler for channel plans where the network adds
// channels one at a time (EU868, IN865 and similar "dynamic" regions).
type DynamicPlan struct {
	name string

	// joinChannels are the mandatory join channels, always enabled.
	joinChannels []uint32
	// extraChannels holds channels added via a join-accept CFList, indexed
	// starting at len(joinChannels).
	extraChannels []uint32

	mask ChannelMask

	rx2Frequency uint32
	rx2DataRate  DataRate

	lastTxChannel int
}

// NewEU868 returns the EU868 dynamic channel plan: three mandatory join
// channels at 868.1/868.3/868.5 MHz and an RX2 default of 869.525 MHz / DR0.
func NewEU868() *DynamicPlan {
	p := &DynamicPlan{
		name:         "EU868",
		joinChannels: []uint32{868100000, 868300000, 868500000},
		rx2Frequency: 869525000,
		rx2DataRate:  0,
	}
	for i := range p.joinChannels {
		p.mask.Set(i, true)
	}
	return p
}

func (p *DynamicPlan) Name() string { return p.name }

func (p *DynamicPlan) DefaultDataRate() DataRate { return 0 }

func (p *DynamicPlan) channels() []uint32 {
	return append(append([]uint32{}, p.joinChannels...), p.extraChannels...)
}

func (p *DynamicPlan) NextTxChannel(rng RNG, dr DataRate, frame Frame) (TxPlan, error) {
	chans := p.channels()

	if frame == FrameJoin {
		idx := int(rng.Uint32() % uint32(len(p.joinChannels)))
		p.lastTxChannel = idx
		return TxPlan{Frequency: p.joinChannels[idx], DataRate: dr, Channel: idx}, nil
	}

	// Resample until we land on an enabled, existing channel.
	for attempts := 0; attempts < 256; attempts++ {
		idx := int(rng.Uint32() % uint32(len(chans)))
		if p.mask.Enabled(idx) {
			p.lastTxChannel = idx
			return TxPlan{Frequency: chans[idx], DataRate: dr, Channel: idx}, nil
		}
	}
	return TxPlan{}, ErrInvalidChannelMask
}

func (p *DynamicPlan) RxParams(window Window) RxPlan {
	if window == Window2 {
		return RxPlan{Frequency: p.rx2Frequency, DataRate: p.rx2DataRate}
	}
	chans := p.channels()
	freq := p.rx2Frequency
	if p.lastTxChannel >= 0 && p.lastTxChannel < len(chans) {
		freq = chans[p.lastTxChannel]
	}
	return RxPlan{Frequency: freq, DataRate: 0}
}

// HandleChannelMaskCtrl applies NewChannelReq/LinkADRReq ChMaskCntl semantics
// for dynamic plans: 0-4 write a 16-channel bank, 5 is a bit-per-bank fill
// (bit i enables/disables bank i as a whole, same as fixed plans), 6 enables
// every known channel, everything else is RFU and ignored. The update is
// applied to a trial copy of the mask first; if it would leave zero channels
// enabled, the real mask is left untouched and ErrInvalidChannelMask is
// returned.
func (p *DynamicPlan) HandleChannelMaskCtrl(chMaskCntl uint8, chMask ChannelMask) error {
	n := len(p.channels())
	switch {
	case chMaskCntl <= 4:
		trial := p.mask
		bankStart := int(chMaskCntl) * 16
		for i := 0; i < 16; i++ {
			if bankStart+i >= n {
				break
			}
			trial.Set(bankStart+i, chMask.Enabled(i))
		}
		if err := validateMask(trial, n); err != nil {
			return err
		}
		p.mask = trial
		return nil
	case chMaskCntl == 5:
		trial := p.mask
		for bank := 0; bank*16 < n; bank++ {
			enabled := chMask.Enabled(bank)
			for i := 0; i < 16 && bank*16+i < n; i++ {
				trial.Set(bank*16+i, enabled)
			}
		}
		if err := validateMask(trial, n); err != nil {
			return err
		}
		p.mask = trial
		return nil
	case chMaskCntl == 6:
		for i := 0; i < n; i++ {
			p.mask.Set(i, true)
		}
		return nil
	default:
		return nil
	}
}

// ProcessJoinAcceptCFList handles a Type-0 CFList: up to five additional
// 24-bit little-endian frequencies (in 100 Hz units), appended after the
// mandatory join channels. A zero frequency disables that slot.
func (p *DynamicPlan) ProcessJoinAcceptCFList(cfList []byte) error {
	if len(cfList) == 0 {
		return nil
	}
	if len(cfList) != 16 {
		return errInvalidCFList
	}
	if cfList[15] != 0 {
		// CFListType != 0; this plan only understands Type-0 frequency lists.
		return nil
	}

	p.extraChannels = p.extraChannels[:0]
	base := len(p.joinChannels)
	for i := 0; i < 5; i++ {
		raw := cfList[i*3 : i*3+3]
		freq := (uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16) * 100
		p.extraChannels = append(p.extraChannels, freq)
		p.mask.Set(base+i, freq != 0)
	}
	return nil
}

func (p *DynamicPlan) SetJoinBias(subband int, maxRetries int) {}

func (p *DynamicPlan) OnJoinAccept() {}
