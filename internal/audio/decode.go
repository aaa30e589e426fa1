package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrDecodeFailed wraps every decode error so callers can tell a bad
// resource apart from a transport failure.
var ErrDecodeFailed = errors.New("decode failed")

// ErrUnsupportedFormat is returned when the content sniffer recognizes
// neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

type container int

const (
	containerUnknown container = iota
	containerWAV
	containerMP3
)

func sniff(data []byte) container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return containerWAV
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return containerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return containerMP3
	default:
		return containerUnknown
	}
}

// Decode turns an encoded WAV or MP3 payload into a Buffer in the target format.
func Decode(data []byte, target Format) (*Buffer, error) {
	var (
		buf *Buffer
		err error
	)
	switch sniff(data) {
	case containerWAV:
		buf, err = decodeWAV(data, target)
	case containerMP3:
		buf, err = decodeMP3(data, target)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if buf.Frames() == 0 {
		return nil, fmt.Errorf("%w: no audio frames", ErrDecodeFailed)
	}
	return buf, nil
}

func decodeWAV(data []byte, target Format) (*Buffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, errors.New("invalid wav file")
	}
	var ib *goaudio.IntBuffer
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}
	if ib == nil || ib.Format == nil {
		return nil, errors.New("wav has no format chunk")
	}

	depth := int(d.BitDepth)
	samples := make([]int16, len(ib.Data))
	for i, v := range ib.Data {
		samples[i] = scaleToInt16(v, depth)
	}

	src := Format{SampleRate: ib.Format.SampleRate, Channels: ib.Format.NumChannels}
	return convert(samples, src, target), nil
}

// scaleToInt16 narrows an integer PCM sample of the given bit depth.
// 8-bit WAV is unsigned; wider depths are signed.
func scaleToInt16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

func decodeMP3(data []byte, target Format) (*Buffer, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("read mp3 pcm: %w", err)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	src := Format{SampleRate: d.SampleRate(), Channels: 2}
	return convert(bytesToInt16(raw), src, target), nil
}
