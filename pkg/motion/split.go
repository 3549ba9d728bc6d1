package motion

import (
	stderrors "errors"
)

// ErrSplitUnavailable is returned when the grid leaves no room to place
// both halves of a split droplet.
var ErrSplitUnavailable = stderrors.New("motion: grid too small to split droplet")

// Axis is the orientation of a split.
type Axis int

const (
	Horizontal Axis = iota
	Vertical
)

func (a Axis) String() string {
	if a == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// SplitPlan describes how to split a droplet. When Shift is non-nil the
// droplet is first moved one step to Center; the halves then go to
// Targets, one on each side of Center along Axis.
type SplitPlan struct {
	Axis    Axis
	Shift   *Direction
	Center  Position
	Targets [2]Position
}

// PlanSplit chooses split targets for a droplet at pos on a maxX by maxY
// grid. A droplet on the left or right column cannot split horizontally
// in place, so it splits vertically, first stepping away from a top or
// bottom row if it sits on one. Grids only one or two plates tall shift
// the droplet inward along x instead.
func PlanSplit(pos Position, maxX, maxY int) (SplitPlan, error) {
	if err := pos.CheckBounds(maxX, maxY); err != nil {
		return SplitPlan{}, err
	}

	onColumnEdge := pos.X == 0 || pos.X == maxX-1
	onRowEdge := pos.Y == 0 || pos.Y == maxY-1

	if !onColumnEdge {
		return horizontalSplit(pos, nil), nil
	}

	if maxY <= 2 {
		if maxX <= 2 {
			return SplitPlan{}, ErrSplitUnavailable
		}
		shift := Right
		if pos.X != 0 {
			shift = Left
		}
		return horizontalSplit(pos.Add(shift), &shift), nil
	}

	var shift *Direction
	center := pos
	if onRowEdge {
		d := Up
		if pos.Y != 0 {
			d = Down
		}
		shift = &d
		center = pos.Add(d)
	}
	return SplitPlan{
		Axis:    Vertical,
		Shift:   shift,
		Center:  center,
		Targets: [2]Position{center.Add(Down), center.Add(Up)},
	}, nil
}

func horizontalSplit(center Position, shift *Direction) SplitPlan {
	return SplitPlan{
		Axis:    Horizontal,
		Shift:   shift,
		Center:  center,
		Targets: [2]Position{center.Add(Left), center.Add(Right)},
	}
}
