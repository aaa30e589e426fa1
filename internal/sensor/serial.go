package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"go.bug.st/serial"
)

// DefaultBaudRate matches common microcontroller IMU sketches.
const DefaultBaudRate = 115200

// SerialSource reads newline-delimited JSON samples from a serial port.
type SerialSource struct {
	Port     string
	BaudRate int
	Logger   *slog.Logger
}

func (s *SerialSource) Name() string { return "serial" }

func (s *SerialSource) Run(ctx context.Context, out chan<- Sample) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baud := s.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(s.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open serial %s: %w", s.Port, err)
	}

	// Closing the port unblocks the scanner.
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()

	logger.Info("serial sensor attached", "port", s.Port, "baud", baud)
	if err := scanLines(ctx, port, s.Name(), out, logger); err != nil {
		return fmt.Errorf("serial %s: %w", s.Port, err)
	}
	return nil
}
