package audio

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Output is a platform audio context. It starts suspended; Resume moves it
// to running. Start launches an independent one-shot voice and returns
// without waiting for it to finish.
type Output interface {
	Resume() error
	Start(buf *Buffer, volume float64) error
}

// OutputFactory builds the Output lazily on first use.
type OutputFactory func() (Output, error)

// otoOutput wraps the process-wide oto context. oto allows one context per
// process, so the Backend constructs it at most once.
type otoOutput struct {
	ctx    *oto.Context
	format Format
	logger *slog.Logger
}

// NewOtoOutput returns a factory for an oto-backed Output in the given format.
// The context is created and immediately suspended.
func NewOtoOutput(format Format, bufferSize time.Duration, logger *slog.Logger) OutputFactory {
	return func() (Output, error) {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create audio context: %w", err)
		}
		<-ready

		if err := ctx.Suspend(); err != nil {
			return nil, fmt.Errorf("suspend audio context: %w", err)
		}
		return &otoOutput{ctx: ctx, format: format, logger: logger}, nil
	}
}

func (o *otoOutput) Resume() error {
	if err := o.ctx.Resume(); err != nil {
		return fmt.Errorf("resume audio context: %w", err)
	}
	return o.ctx.Err()
}

func (o *otoOutput) Start(buf *Buffer, volume float64) error {
	if buf.Format != o.format {
		return fmt.Errorf("buffer format %+v does not match output %+v", buf.Format, o.format)
	}
	if err := o.ctx.Err(); err != nil {
		return fmt.Errorf("audio context: %w", err)
	}

	p := o.ctx.NewPlayer(bytes.NewReader(buf.PCM))
	p.SetVolume(clampVolume(volume))
	p.Play()

	// Reap the player once it drains so its resources are released.
	go func() {
		for p.IsPlaying() {
			time.Sleep(20 * time.Millisecond)
		}
		if err := p.Close(); err != nil {
			o.logger.Debug("closing audio player", "error", err)
		}
	}()
	return nil
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
