//go:build linux

package sensor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Run multiplexes every device over one epoll instance.
func (s *EvdevSource) Run(ctx context.Context, out chan<- Sample) error {
	if len(s.Paths) == 0 {
		return errors.New("no evdev devices configured")
	}
	scale := s.Scale
	if scale == 0 {
		scale = DefaultEvdevScale
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	type device struct {
		f     *os.File
		frame absFrame
	}
	devices := make(map[int]*device, len(s.Paths))
	defer func() {
		for _, d := range devices {
			_ = d.f.Close()
		}
	}()

	for _, path := range s.Paths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		fd := int(f.Fd())
		devices[fd] = &device{f: f}

		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", path, err)
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, binary.Size(inputEvent{}))
	reader := bytes.NewReader(buf)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.EpollWait(epfd, epollEvents, int(epollTimeout/time.Millisecond))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			d := devices[int(epollEvents[i].Fd)]
			if d == nil {
				continue
			}
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", d.f.Name())
			}

			if _, err := d.f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", d.f.Name(), err)
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				continue
			}

			m, ok := d.frame.feed(ev, scale)
			if !ok {
				continue
			}
			if err := send(ctx, out, Sample{Source: s.Name(), Motion: &m, At: time.Now()}); err != nil {
				return err
			}
		}
	}
}
