package sensor

import (
	"time"

	"shakebrainz/internal/gesture"
)

// inputEvent mirrors the kernel's struct input_event on 64-bit platforms.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

const (
	evSyn     = 0x00
	evAbs     = 0x03
	synReport = 0
	absX      = 0x00
	absY      = 0x01
	absZ      = 0x02
)

// DefaultEvdevScale converts raw accelerometer counts to m/s².
// Typical IIO-backed evdev accelerometers report in 1/1000 g.
const DefaultEvdevScale = 9.80665 / 1000

// EvdevSource reads EV_ABS accelerometer axes from input devices.
type EvdevSource struct {
	Paths []string
	// Scale multiplies raw axis values. Zero means DefaultEvdevScale.
	Scale float64
}

func (s *EvdevSource) Name() string { return "evdev" }

// absFrame accumulates axis values between SYN_REPORT markers.
type absFrame struct {
	axes  [3]int32
	dirty bool
}

// feed applies ev and returns a complete sample when ev ends a frame that
// changed at least one axis.
func (f *absFrame) feed(ev inputEvent, scale float64) (gesture.MotionSample, bool) {
	switch ev.Type {
	case evAbs:
		if ev.Code <= absZ {
			f.axes[ev.Code] = ev.Value
			f.dirty = true
		}
	case evSyn:
		if ev.Code == synReport && f.dirty {
			f.dirty = false
			return gesture.MotionSample{
				X: float64(f.axes[absX]) * scale,
				Y: float64(f.axes[absY]) * scale,
				Z: float64(f.axes[absZ]) * scale,
			}, true
		}
	}
	return gesture.MotionSample{}, false
}

// epollTimeout bounds each wait so cancellation is noticed.
const epollTimeout = 250 * time.Millisecond
