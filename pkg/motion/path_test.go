package motion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func follow(from Position, path []Direction) Position {
	for _, d := range path {
		from = from.Add(d)
	}
	return from
}

func TestPlanGreedyOrder(t *testing.T) {
	path := Plan(Pos(1, 1), Pos(4, 3))

	assert.Equal(t, []Direction{Right, Up, Right, Up, Right}, path)
	assert.Equal(t, Pos(4, 3), follow(Pos(1, 1), path))
}

func TestPlanTiesGoVertical(t *testing.T) {
	path := Plan(Pos(2, 2), Pos(0, 0))
	assert.Equal(t, []Direction{Down, Left, Down, Left}, path)
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		from, to Position
		want     []Direction
	}{
		{"same position", Pos(3, 3), Pos(3, 3), nil},
		{"straight right", Pos(0, 0), Pos(2, 0), []Direction{Right, Right}},
		{"straight down", Pos(5, 4), Pos(5, 1), []Direction{Down, Down, Down}},
		{"mostly left", Pos(6, 0), Pos(2, 1), []Direction{Left, Left, Left, Up, Left}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := Plan(tt.from, tt.to)
			assert.Equal(t, tt.want, path)
			assert.Equal(t, tt.to, follow(tt.from, path))
		})
	}
}

func TestPlanLengthIsManhattan(t *testing.T) {
	for x := 0; x < 8; x++ {
		for y := 0; y < 9; y++ {
			path := Plan(Pos(4, 4), Pos(x, y))
			assert.Len(t, path, abs(x-4)+abs(y-4))
			for _, d := range path {
				assert.False(t, d.IsZero())
			}
		}
	}
}
