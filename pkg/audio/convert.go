package audio

import (
	"fmt"
	"log/slog"
)

// ConvertPCM converts 16-bit little-endian PCM from one sample rate and
// channel layout to another. Resampling happens before the channel change so
// that a stereo-to-mono conversion only resamples one channel.
//
// Mono and stereo are supported in either direction; any other channel
// change is logged and the channel layout is left as is. A trailing odd byte
// is discarded.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if from.SampleRate == to.SampleRate && from.Channels == to.Channels {
		return pcm
	}

	channels := max(from.Channels, 1)
	pcm = Resample16(pcm, channels, from.SampleRate, to.SampleRate)

	switch {
	case channels == to.Channels || to.Channels == 0:
	case channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	default:
		slog.Warn("audio: unsupported channel conversion",
			"from", describe(from.SampleRate, channels),
			"to", describe(to.SampleRate, to.Channels),
		)
	}
	return pcm
}

// MonoToStereo copies each mono sample into both channels of a stereo frame.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:i*4+2], pcm[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], pcm[i*2:i*2+2])
	}
	return out
}

// StereoToMono averages the two channels of every stereo frame.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// using linear interpolation between neighbouring frames. The input is
// returned unchanged when the rates match or either rate is invalid.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	frameBytes := channels * 2
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*frameBytes)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(sampleAt(pcm, idx*channels+c))
			b := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(a+(b-a)*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(uint16(v) >> 8)
}

func describe(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
