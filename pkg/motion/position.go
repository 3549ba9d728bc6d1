// Package motion holds the grid value types and the planners that turn a
// droplet's current position into unit steps or split targets.
package motion

import (
	"fmt"

	"biochip-go/pkg/errors"
)

// Position is a plate coordinate on the grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pos is shorthand for Position{X: x, Y: y}.
func Pos(x, y int) Position {
	return Position{X: x, Y: y}
}

// Add returns p moved by d.
func (p Position) Add(d Direction) Position {
	return Position{X: p.X + d.DX, Y: p.Y + d.DY}
}

// In reports whether p lies within [0, maxX) x [0, maxY).
func (p Position) In(maxX, maxY int) bool {
	return p.X >= 0 && p.X < maxX && p.Y >= 0 && p.Y < maxY
}

// CheckBounds returns a bounds validation error when p is off the grid.
func (p Position) CheckBounds(maxX, maxY int) error {
	if !p.In(maxX, maxY) {
		return errors.OutOfBoundsError(p.X, p.Y, maxX, maxY)
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// Direction is a single axis-aligned unit step. The zero value is the
// degenerate "stay" step.
type Direction struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// Unit steps.
var (
	Left  = Direction{DX: -1}
	Right = Direction{DX: 1}
	Down  = Direction{DY: -1}
	Up    = Direction{DY: 1}
)

// NewDirection validates a step. Each component must be -1, 0 or 1 and
// at most one may be nonzero.
func NewDirection(dx, dy int) (Direction, error) {
	if dx < -1 || dx > 1 || dy < -1 || dy > 1 || (dx != 0 && dy != 0) {
		return Direction{}, errors.DiagonalDirectionError(dx, dy)
	}
	return Direction{DX: dx, DY: dy}, nil
}

// IsZero reports whether d is the degenerate step.
func (d Direction) IsZero() bool {
	return d.DX == 0 && d.DY == 0
}

// Reverse returns the opposite step.
func (d Direction) Reverse() Direction {
	return Direction{DX: -d.DX, DY: -d.DY}
}

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return "stay"
	}
}
