package motion

import (
	"fmt"

	"biochip-go/pkg/errors"
)

// Bounds is the electrode grid size. Valid plates are [0, MaxX) x [0, MaxY).
type Bounds struct {
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// NewBounds validates and returns a grid size.
func NewBounds(maxX, maxY int) (Bounds, error) {
	if maxX <= 0 || maxY <= 0 {
		return Bounds{}, errors.New(errors.ErrConfig, fmt.Sprintf("grid size %dx%d must be positive", maxX, maxY))
	}
	return Bounds{MaxX: maxX, MaxY: maxY}, nil
}

// Contains reports whether p is a plate on the grid.
func (b Bounds) Contains(p Position) bool {
	return p.In(b.MaxX, b.MaxY)
}

// Check returns a bounds validation error when p is off the grid.
func (b Bounds) Check(p Position) error {
	return p.CheckBounds(b.MaxX, b.MaxY)
}

// Split plans a split of a droplet at p on this grid.
func (b Bounds) Split(p Position) (SplitPlan, error) {
	return PlanSplit(p, b.MaxX, b.MaxY)
}

func (b Bounds) String() string {
	return fmt.Sprintf("%dx%d", b.MaxX, b.MaxY)
}
