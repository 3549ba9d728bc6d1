package program

import (
	"fmt"
	"strings"

	"biochip-go/pkg/errors"
)

// Diagnostic reports one rejected instruction line.
type Diagnostic struct {
	Line   int               `json:"line"`
	Text   string            `json:"text"`
	Reason string            `json:"reason"`
	Code   errors.ErrorCode  `json:"code"`
	Err    *errors.HostError `json:"-"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("Line %d: '%s' ::: %s", d.Line, d.Text, d.Reason)
}

// CompileError aggregates every diagnostic of a failed compilation.
type CompileError struct {
	File        string
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s: ", e.File)
	}
	fmt.Fprintf(&b, "there were %d errors in the instruction set", len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		b.WriteString("\n")
		b.WriteString(d.String())
	}
	return b.String()
}

// Unwrap exposes each diagnostic so errors.Is and errors.IsLifecycle see
// their codes.
func (e *CompileError) Unwrap() []error {
	errs := make([]error, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errs
}

// Result is the output of a compilation. Operations holds only the lines
// that compiled; a program with diagnostics should not be run unless the
// caller chooses to.
type Result struct {
	File        string
	Operations  []Operation
	Diagnostics []Diagnostic
}

// OK reports whether every line compiled.
func (r Result) OK() bool {
	return len(r.Diagnostics) == 0
}

// Err returns a *CompileError listing every diagnostic, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CompileError{File: r.File, Diagnostics: r.Diagnostics}
}
