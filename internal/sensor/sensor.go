// Package sensor turns device streams into motion and orientation samples.
//
// Every source runs in its own goroutine and only pushes samples onto the
// channel it is given. Classification happens elsewhere.
package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"shakebrainz/internal/gesture"
)

// Sample carries exactly one of Motion or Orientation.
type Sample struct {
	Source      string
	Motion      *gesture.MotionSample
	Orientation *gesture.OrientationSample
	At          time.Time
}

// Source produces samples until ctx is canceled or the device fails.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Sample) error
}

// ErrUnknownSampleType is returned for wire samples whose type is neither
// "motion" nor "orientation".
var ErrUnknownSampleType = errors.New("unknown sample type")

// wireSample is the JSON form shared by the serial, mqtt and websocket
// sources:
//
//	{"type":"motion","x":0.1,"y":9.8,"z":0.3}
//	{"type":"orientation","alpha":12,"beta":40,"gamma":-3}
type wireSample struct {
	Type  string   `json:"type"`
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Z     float64  `json:"z"`
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

// ParseSample decodes one JSON sample stamped with at.
func ParseSample(b []byte, source string, at time.Time) (Sample, error) {
	var w wireSample
	if err := json.Unmarshal(b, &w); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	s := Sample{Source: source, At: at}
	switch w.Type {
	case "motion":
		s.Motion = &gesture.MotionSample{X: w.X, Y: w.Y, Z: w.Z}
	case "orientation":
		s.Orientation = &gesture.OrientationSample{Alpha: w.Alpha, Beta: w.Beta, Gamma: w.Gamma}
	default:
		return Sample{}, fmt.Errorf("%w %q", ErrUnknownSampleType, w.Type)
	}
	return s, nil
}

// send blocks until out accepts s or ctx ends.
func send(ctx context.Context, out chan<- Sample, s Sample) error {
	select {
	case out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanLines reads newline-delimited JSON samples from r. Malformed lines are
// logged and skipped. It returns when r is exhausted or ctx ends.
func scanLines(ctx context.Context, r io.Reader, source string, out chan<- Sample, logger *slog.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		s, err := ParseSample(line, source, time.Now())
		if err != nil {
			logger.Debug("skipping sensor line", "source", source, "error", err)
			continue
		}
		if err := send(ctx, out, s); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}
