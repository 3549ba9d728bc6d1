package main

import (
	"fmt"
	"sort"
	"sync"

	"biochip-go/pkg/motion"
	"biochip-go/pkg/protocol"
)

// device models the electrode controller: a set of energized plates.
type device struct {
	mu      sync.Mutex
	bounds  motion.Bounds
	version string
	plates  map[motion.Position]bool

	// dropEvery skips the echo of every n-th command, 0 never.
	dropEvery int
	received  int
}

func newDevice(bounds motion.Bounds, version string, dropEvery int) *device {
	return &device{
		bounds:    bounds,
		version:   version,
		plates:    make(map[motion.Position]bool),
		dropEvery: dropEvery,
	}
}

// handle executes one command frame and returns the reply, if any.
// Executed commands are echoed verbatim; VER is answered with the version.
func (d *device) handle(cmd string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received++
	if d.dropEvery > 0 && d.received%d.dropEvery == 0 {
		return "", false
	}

	switch {
	case cmd == protocol.Version():
		return d.version, true
	case cmd == protocol.ClearAll():
		d.plates = make(map[motion.Position]bool)
		return cmd, true
	case len(cmd) == 3 && (cmd[0] == 'S' || cmd[0] == 'C'):
		p, ok := d.parsePlate(cmd[1], cmd[2])
		if !ok {
			return "?" + cmd, true
		}
		if cmd[0] == 'S' {
			d.plates[p] = true
		} else {
			delete(d.plates, p)
		}
		return cmd, true
	default:
		return "?" + cmd, true
	}
}

func (d *device) parsePlate(x, y byte) (motion.Position, bool) {
	if x < '0' || x > '9' || y < '0' || y > '9' {
		return motion.Position{}, false
	}
	p := motion.Pos(int(x-'0'), int(y-'0'))
	return p, d.bounds.Contains(p)
}

// energized lists the set plates in row order.
func (d *device) energized() []motion.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]motion.Position, 0, len(d.plates))
	for p := range d.plates {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// render draws the grid, '#' for an energized plate.
func (d *device) render() string {
	on := make(map[motion.Position]bool)
	for _, p := range d.energized() {
		on[p] = true
	}
	var s string
	for y := d.bounds.MaxY - 1; y >= 0; y-- {
		s += fmt.Sprintf("%d ", y)
		for x := 0; x < d.bounds.MaxX; x++ {
			if on[motion.Pos(x, y)] {
				s += "#"
			} else {
				s += "."
			}
		}
		s += "\n"
	}
	return s
}
