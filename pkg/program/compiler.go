package program

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"biochip-go/pkg/errors"
	"biochip-go/pkg/log"
	"biochip-go/pkg/metrics"
	"biochip-go/pkg/motion"
)

// Option configures a compilation.
type Option func(*compiler)

// WithBounds rejects NEW and MOVE targets outside b at compile time.
func WithBounds(b motion.Bounds) Option {
	return func(c *compiler) { c.bounds = &b }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *compiler) { c.log = l }
}

// WithMetrics sets the collectors counting diagnostics.
func WithMetrics(m *metrics.HostMetrics) Option {
	return func(c *compiler) { c.metrics = m }
}

type compiler struct {
	bounds  *motion.Bounds
	tracker *Tracker
	log     *log.Logger
	metrics *metrics.HostMetrics
}

func newCompiler(opts []Option) *compiler {
	c := &compiler{
		tracker: NewTracker(),
		log:     log.GetLogger("program"),
		metrics: metrics.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile checks every line and returns the operations that compiled
// along with a diagnostic per rejected line. Line numbers count every
// line, including skipped ones.
func Compile(lines []string, opts ...Option) Result {
	c := newCompiler(opts)
	var res Result
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if skip(line) {
			continue
		}
		op, err := c.compileLine(line)
		if err != nil {
			err.SetLine(i + 1)
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Line:   i + 1,
				Text:   line,
				Reason: err.Message,
				Code:   err.Code,
				Err:    err,
			})
			c.metrics.RecordDiagnostic(string(err.Code))
			continue
		}
		op.Line = i + 1
		res.Operations = append(res.Operations, op)
	}

	entry := c.log.WithFields(log.Fields{
		"operations":  len(res.Operations),
		"diagnostics": len(res.Diagnostics),
	})
	if res.OK() {
		entry.Debug("program compiled")
	} else {
		entry.Warn("program has errors")
	}
	return res
}

// CompileString compiles program text.
func CompileString(src string, opts ...Option) Result {
	return Compile(strings.Split(src, "\n"), opts...)
}

// CompileReader compiles everything readable from r.
func CompileReader(r io.Reader, opts ...Option) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, errors.IOError(err, "read instruction set")
	}
	return CompileString(string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), opts...), nil
}

// CompileFile compiles the program at path. An unreadable file is an
// IO error; no line is compiled.
func CompileFile(path string, opts ...Option) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, errors.IOError(err, "the instruction file cannot be opened, check that it is spelt correctly").SetFile(path)
	}
	defer f.Close()

	res, err := CompileReader(f, opts...)
	if err != nil {
		if he, ok := err.(*errors.HostError); ok {
			he.SetFile(path)
		}
		return Result{}, err
	}
	res.File = path
	for i := range res.Diagnostics {
		res.Diagnostics[i].Err.SetFile(path)
	}
	return res, nil
}

// skip reports lines that carry no instruction.
func skip(line string) bool {
	return line == "" || line[0] == ' ' || line[0] == '\t'
}

func isSeparator(r rune) bool {
	return r == ' ' || r == ',' || r == '>' || r == '+'
}

// tokenize splits a line on spaces, commas, '>' and '+'.
func tokenize(line string) []string {
	return strings.FieldsFunc(line, isSeparator)
}

// matchKeyword returns the instruction whose keyword prefixes line.
func matchKeyword(line string) (Kind, bool) {
	upper := strings.ToUpper(line)
	for _, k := range keywords {
		if strings.HasPrefix(upper, k.String()) {
			return k, true
		}
	}
	return 0, false
}

func (c *compiler) compileLine(line string) (Operation, *errors.HostError) {
	kind, ok := matchKeyword(line)
	if !ok {
		return Operation{}, errors.InvalidInstructionError()
	}
	args := tokenize(line)[1:]
	if want := arity[kind]; len(args) != want {
		return Operation{}, errors.ArityError(len(args), want)
	}

	op, err := c.build(kind, args)
	if err != nil {
		return Operation{}, err
	}
	if c.bounds != nil && (kind == New || kind == Move) {
		if p := op.Position; !c.bounds.Contains(p) {
			return Operation{}, errors.OutOfBoundsError(p.X, p.Y, c.bounds.MaxX, c.bounds.MaxY)
		}
	}
	if err := c.tracker.apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// maxWaitSeconds bounds WAIT so the pause fits in a time.Duration.
const maxWaitSeconds = float64(math.MaxInt64) / float64(time.Second)

// build converts arguments to a typed operation.
func (c *compiler) build(kind Kind, args []string) (Operation, *errors.HostError) {
	switch kind {
	case New, Move:
		x, err := parseCoord("x", args[1])
		if err != nil {
			return Operation{}, err
		}
		y, err := parseCoord("y", args[2])
		if err != nil {
			return Operation{}, err
		}
		if kind == New {
			return NewOp(args[0], x, y), nil
		}
		return MoveOp(args[0], x, y), nil
	case Mix:
		return MixOp(args[0], args[1], args[2]), nil
	case Split:
		return SplitOp(args[0], args[1], args[2]), nil
	case Wait:
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil || secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return Operation{}, errors.InvalidArgumentError("seconds", args[0], "a non-negative number")
		}
		if secs >= maxWaitSeconds {
			return Operation{}, errors.InvalidArgumentError("seconds", args[0], "below "+strconv.FormatFloat(math.Floor(maxWaitSeconds), 'f', 0, 64))
		}
		return WaitOp(time.Duration(secs * float64(time.Second))), nil
	}
	return Operation{}, errors.InvalidInstructionError()
}

func parseCoord(name, s string) (int, *errors.HostError) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.InvalidArgumentError(name, s, "an integer")
	}
	return v, nil
}

// Format renders operations back to program text, one per line.
func Format(ops []Operation) string {
	var b strings.Builder
	for _, op := range ops {
		fmt.Fprintln(&b, op.String())
	}
	return b.String()
}
