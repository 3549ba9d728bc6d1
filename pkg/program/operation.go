// Package program compiles droplet instruction text into operations.
//
// A program is line oriented. Each instruction line starts with a keyword
// (NEW, MIX, SPLIT, WAIT, MOVE, any case) followed by its arguments,
// separated by spaces, commas, '>' or '+'. Blank lines and lines starting
// with whitespace are ignored.
//
//	NEW A 0 0
//	NEW B 4 0
//	MIX A + B > C
//	SPLIT C > D, E
//	WAIT 1.5
//	MOVE D 2 3
package program

import (
	"strconv"
	"strings"
	"time"

	"biochip-go/pkg/motion"
)

// Kind identifies an instruction.
type Kind int

const (
	New Kind = iota + 1
	Mix
	Split
	Wait
	Move
)

var kindNames = map[Kind]string{
	New:   "NEW",
	Mix:   "MIX",
	Split: "SPLIT",
	Wait:  "WAIT",
	Move:  "MOVE",
}

// keywords lists the instructions in match order.
var keywords = []Kind{New, Mix, Split, Wait, Move}

// arity is the number of arguments each instruction takes.
var arity = map[Kind]int{
	New:   3,
	Mix:   3,
	Split: 3,
	Wait:  1,
	Move:  3,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// Operation is one compiled instruction. Only the fields of its Kind are set.
type Operation struct {
	Kind Kind `json:"kind"`
	// Line is the 1-based source line, zero for operations built in code.
	Line int `json:"line,omitempty"`

	// Droplet is the subject of NEW, MOVE and SPLIT.
	Droplet string `json:"droplet,omitempty"`
	// Inputs are the two droplets merged by MIX.
	Inputs [2]string `json:"inputs,omitempty"`
	// Outputs are the droplets created by MIX (one) and SPLIT (two).
	Outputs []string `json:"outputs,omitempty"`
	// Position is the target of NEW and MOVE.
	Position motion.Position `json:"position"`
	// Duration is the pause of WAIT.
	Duration time.Duration `json:"duration,omitempty"`
}

// NewOp creates droplet id at (x, y).
func NewOp(id string, x, y int) Operation {
	return Operation{Kind: New, Droplet: id, Position: motion.Pos(x, y)}
}

// MixOp merges a and b into out.
func MixOp(a, b, out string) Operation {
	return Operation{Kind: Mix, Inputs: [2]string{a, b}, Outputs: []string{out}}
}

// SplitOp splits id into o1 and o2.
func SplitOp(id, o1, o2 string) Operation {
	return Operation{Kind: Split, Droplet: id, Outputs: []string{o1, o2}}
}

// WaitOp pauses for d.
func WaitOp(d time.Duration) Operation {
	return Operation{Kind: Wait, Duration: d}
}

// MoveOp moves id to (x, y).
func MoveOp(id string, x, y int) Operation {
	return Operation{Kind: Move, Droplet: id, Position: motion.Pos(x, y)}
}

// String renders the operation in canonical instruction syntax.
func (op Operation) String() string {
	parts := []string{op.Kind.String()}
	switch op.Kind {
	case New, Move:
		parts = append(parts, op.Droplet, strconv.Itoa(op.Position.X), strconv.Itoa(op.Position.Y))
	case Mix:
		parts = append(parts, op.Inputs[0], op.Inputs[1])
		parts = append(parts, op.Outputs...)
	case Split:
		parts = append(parts, op.Droplet)
		parts = append(parts, op.Outputs...)
	case Wait:
		parts = append(parts, strconv.FormatFloat(op.Duration.Seconds(), 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}
