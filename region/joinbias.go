package region

// joinBias reproduces the fixed-channel-plan join retry behavior: after a
// gateway is observed on a given subband, the next several join attempts are
// biased toward that subband before falling back to an unbiased walk of the
// remaining channels.
type joinBias struct {
	preferredSubband int  // 1-indexed subband, 0 means "no bias"
	maxRetries       int
	numRetries       int

	available availableChannels
}

// setBias biases the next maxRetries join attempts to channels
// 8*(subband-1)..8*subband-1 (subband is 1-indexed, as in the US915/AU915
// numbering a network operator would quote).
func (b *joinBias) setBias(subband int, maxRetries int) {
	b.preferredSubband = subband
	b.maxRetries = maxRetries
	b.numRetries = 0
}

func (b *joinBias) clearBias() {
	b.preferredSubband = 0
}

func (b *joinBias) reset(numChannels int) {
	b.numRetries = 0
	b.available.reset(numChannels)
}

// next returns the next join channel to use, honoring any active bias.
func (b *joinBias) next(rng RNG, mask *ChannelMask) int {
	if b.preferredSubband > 0 && b.numRetries < b.maxRetries {
		b.numRetries++
		ch := int(rng.Uint32()%8) + (b.preferredSubband-1)*8
		if b.numRetries == b.maxRetries {
			// Last biased attempt: seed the unbiased walk so it continues
			// from here instead of re-covering the biased subband.
			b.available.previous = &ch
			b.available.data.Set(ch, false)
			b.clearBias()
		}
		return ch
	}
	return b.available.next(rng, mask)
}

// availableChannels tracks an unbiased round-robin walk over the join
// channels so repeated join attempts, absent a bias, spread across every
// subband instead of hammering the same few channels.
type availableChannels struct {
	data     ChannelMask
	previous *int
}

func (a *availableChannels) reset(numChannels int) {
	a.data = ChannelMask{}
	for i := 0; i < numChannels; i++ {
		a.data.Set(i, true)
	}
	a.previous = nil
}

func (a *availableChannels) exhausted() bool {
	for _, b := range a.data {
		if b != 0 {
			return false
		}
	}
	return true
}

// next picks the next channel in the walk. Absent a previous selection it
// picks uniformly among the 64 125 kHz channels (the full set is valid on a
// fresh device); with a previous selection it prefers the channel 8 above it
// (modulo 72), i.e. the same position in the following subband, and if that
// one is used or masked it resamples within that following subband.
func (a *availableChannels) next(rng RNG, mask *ChannelMask) int {
	if a.exhausted() {
		a.reset(72)
	}

	var ch int
	if a.previous != nil {
		next := (*a.previous + 8) % 72
		if a.data.Enabled(next) && mask.Enabled(next) {
			ch = next
		} else {
			bank := next / 8
			ch = next
			for attempts := 0; attempts < 64; attempts++ {
				cand := bank*8 + int(rng.Uint32()%8)
				if a.data.Enabled(cand) && mask.Enabled(cand) {
					ch = cand
					break
				}
			}
		}
	} else {
		ch = int(rng.Uint32() % 64)
		for attempts := 0; attempts < 64 && !(a.data.Enabled(ch) && mask.Enabled(ch)); attempts++ {
			ch = int(rng.Uint32() % 64)
		}
	}

	a.data.Set(ch, false)
	a.previous = &ch
	return ch
}
