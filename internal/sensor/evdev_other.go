//go:build !linux

package sensor

import (
	"context"
	"errors"
)

func (s *EvdevSource) Run(ctx context.Context, out chan<- Sample) error {
	return errors.New("evdev input is only supported on linux")
}
