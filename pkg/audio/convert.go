package audio

// Capture devices commonly deliver 44.1 kHz or 48 kHz stereo while the
// realtime providers want 24 kHz or 16 kHz mono, so the tap converts frames
// before they leave the process. Conversion order is downmix first, then
// resample, so the interpolation only ever runs over a single channel.

// ConvertFrame converts a frame to the target sample rate and channel count.
// Frames already in the target format are returned unchanged with no
// allocation. Frames with a truncated final sample are passed through
// untouched; the providers tolerate them better than a silently shifted
// stream would.
func ConvertFrame(f Frame, sampleRate, channels int) Frame {
	if f.SampleRate == sampleRate && f.Channels == channels {
		return f
	}
	if len(f.Data)%2 != 0 {
		return f
	}

	pcm := f.Data
	ch := f.Channels

	if ch == 2 && channels == 1 {
		pcm = DownmixToMono(pcm)
		ch = 1
	}
	if f.SampleRate != sampleRate {
		pcm = Resample16(pcm, ch, f.SampleRate, sampleRate)
	}
	if ch == 1 && channels == 2 {
		pcm = UpmixToStereo(pcm)
		ch = 2
	}

	return Frame{
		Data:       pcm,
		SampleRate: sampleRate,
		Channels:   ch,
		Offset:     f.Offset,
	}
}

// DownmixToMono averages each interleaved L/R pair of s16le samples into a
// single mono sample, clamping to the int16 range.
func DownmixToMono(pcm []byte) []byte {
	pairs := len(pcm) / 4
	out := make([]byte, pairs*2)
	for i := 0; i < pairs; i++ {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		v := (l + r) / 2
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// UpmixToStereo duplicates each s16le mono sample into an L/R pair.
func UpmixToStereo(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		lo, hi := pcm[i*2], pcm[i*2+1]
		out[i*4] = lo
		out[i*4+1] = hi
		out[i*4+2] = lo
		out[i*4+3] = hi
	}
	return out
}

// Resample16 converts s16le PCM between sample rates using per-channel linear
// interpolation. channels must be 1 or 2; any other value, a non-positive
// rate, or equal rates return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if channels != 1 && channels != 2 {
		return pcm
	}

	stride := channels * 2
	srcFrames := len(pcm) / stride
	if srcFrames < 2 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	step := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		for c := 0; c < channels; c++ {
			o := idx*stride + c*2
			s0 := int16(pcm[o]) | int16(pcm[o+1])<<8
			s1 := s0
			if idx+1 < srcFrames {
				o1 := (idx+1)*stride + c*2
				s1 = int16(pcm[o1]) | int16(pcm[o1+1])<<8
			}

			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			d := i*stride + c*2
			out[d] = byte(v)
			out[d+1] = byte(v >> 8)
		}
	}
	return out
}
