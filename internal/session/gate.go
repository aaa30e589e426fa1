package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// StaticGate always answers the same way.
type StaticGate bool

func (g StaticGate) Request(context.Context) (bool, error) { return bool(g), nil }

// AccessGate grants permission when every path can be opened for reading.
// A permission error on any path is a denial; other errors are failures.
type AccessGate struct {
	Paths []string
}

func (g AccessGate) Request(ctx context.Context) (bool, error) {
	for _, p := range g.Paths {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check access to %s: %w", p, err)
		}
		_ = f.Close()
	}
	return true, nil
}
