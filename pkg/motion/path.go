package motion

// Plan returns the greedy route from one position to another. Each step
// moves along the axis with the strictly larger remaining offset; ties go
// vertical. The route is consumed front first.
func Plan(from, to Position) []Direction {
	var path []Direction
	cur := from
	for cur != to {
		step := nextStep(cur, to)
		if step.IsZero() {
			// The chosen axis has no offset left, so cur can never reach to.
			path = append(path, step)
			break
		}
		path = append(path, step)
		cur = cur.Add(step)
	}
	return path
}

func nextStep(cur, to Position) Direction {
	dx, dy := to.X-cur.X, to.Y-cur.Y
	if abs(dx) > abs(dy) {
		return Direction{DX: sign(dx)}
	}
	return Direction{DY: sign(dy)}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
