package audio

import (
	"encoding/binary"
	"time"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat matches what most desktop outputs run at natively.
var DefaultFormat = Format{SampleRate: 44100, Channels: 2}

func (f Format) bytesPerFrame() int { return 2 * f.Channels }

// Buffer is a fully decoded sound, already converted to the output format.
// Buffers are immutable once built and are shared across concurrent players.
type Buffer struct {
	Format Format
	PCM    []byte
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || b.Format.Channels == 0 {
		return 0
	}
	return len(b.PCM) / b.Format.bytesPerFrame()
}

func (b *Buffer) Duration() time.Duration {
	if b == nil || b.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.Format.SampleRate)
}

// silence returns a buffer of n zeroed frames.
func silence(f Format, frames int) *Buffer {
	return &Buffer{Format: f, PCM: make([]byte, frames*f.bytesPerFrame())}
}

// convert maps interleaved int16 samples in src format to a Buffer in dst.
// Channels are mixed down by averaging or duplicated up from the first
// channel; the rate is changed by linear interpolation.
func convert(samples []int16, src, dst Format) *Buffer {
	if src.Channels <= 0 || src.SampleRate <= 0 {
		return &Buffer{Format: dst}
	}
	frames := len(samples) / src.Channels

	mapped := make([]int16, frames*dst.Channels)
	for i := 0; i < frames; i++ {
		in := samples[i*src.Channels : (i+1)*src.Channels]
		out := mapped[i*dst.Channels : (i+1)*dst.Channels]
		mapFrame(in, out)
	}

	if src.SampleRate != dst.SampleRate && frames > 1 {
		mapped = resample(mapped, dst.Channels, src.SampleRate, dst.SampleRate)
	}

	pcm := make([]byte, len(mapped)*2)
	for i, s := range mapped {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return &Buffer{Format: dst, PCM: pcm}
}

func mapFrame(in, out []int16) {
	switch {
	case len(in) == len(out):
		copy(out, in)
	case len(out) == 1:
		var sum int
		for _, s := range in {
			sum += int(s)
		}
		out[0] = int16(sum / len(in))
	case len(in) == 1:
		for j := range out {
			out[j] = in[0]
		}
	default:
		for j := range out {
			if j < len(in) {
				out[j] = in[j]
			} else {
				out[j] = in[len(in)-1]
			}
		}
	}
}

func resample(samples []int16, channels, fromRate, toRate int) []int16 {
	inFrames := len(samples) / channels
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	if outFrames < 1 {
		outFrames = 1
	}
	out := make([]int16, outFrames*channels)
	step := float64(fromRate) / float64(toRate)

	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		i0 := int(pos)
		if i0 >= inFrames-1 {
			i0 = inFrames - 1
		}
		i1 := i0 + 1
		if i1 >= inFrames {
			i1 = inFrames - 1
		}
		frac := pos - float64(i0)
		for c := 0; c < channels; c++ {
			a := float64(samples[i0*channels+c])
			b := float64(samples[i1*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
