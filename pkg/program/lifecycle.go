package program

import (
	"fmt"

	"biochip-go/pkg/errors"
)

// Tracker follows which droplet ids are live while a program is compiled.
// An id is active, deleted (consumed by MIX or SPLIT) or unknown, never
// both active and deleted.
type Tracker struct {
	active  map[string]struct{}
	deleted map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:  make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// Active reports whether id is currently defined.
func (t *Tracker) Active(id string) bool {
	_, ok := t.active[id]
	return ok
}

// Deleted reports whether id was consumed and not redefined since.
func (t *Tracker) Deleted(id string) bool {
	_, ok := t.deleted[id]
	return ok
}

func (t *Tracker) define(id string) {
	delete(t.deleted, id)
	t.active[id] = struct{}{}
}

func (t *Tracker) consume(id string) {
	delete(t.active, id)
	t.deleted[id] = struct{}{}
}

// requireActive fails unless id is defined, telling apart ids that never
// existed from ids already consumed.
func (t *Tracker) requireActive(id string) *errors.HostError {
	if t.Active(id) {
		return nil
	}
	if t.Deleted(id) {
		return errors.LifecycleError(id, fmt.Sprintf("Droplet %s is no longer available at this point in the instruction set", id))
	}
	return errors.LifecycleError(id, fmt.Sprintf("Droplet %s has not been defined yet", id))
}

func alreadyDefined(id string) *errors.HostError {
	return errors.LifecycleError(id, fmt.Sprintf("Droplet %s has already been defined previously in the instruction set", id))
}

// Check validates op against the current state without changing it.
func (t *Tracker) Check(op Operation) error {
	if err := t.check(op); err != nil {
		return withOutputs(err, op)
	}
	return nil
}

func (t *Tracker) check(op Operation) *errors.HostError {
	switch op.Kind {
	case New:
		if t.Active(op.Droplet) {
			return alreadyDefined(op.Droplet)
		}
	case Mix:
		a, b, out := op.Inputs[0], op.Inputs[1], op.Outputs[0]
		if err := t.requireActive(a); err != nil {
			return err
		}
		if err := t.requireActive(b); err != nil {
			return err
		}
		if a == b {
			return errors.LifecycleError(a, fmt.Sprintf("Droplet %s cannot be mixed with itself", a))
		}
		// a and b are consumed first, so out may reuse either id.
		if out != a && out != b && t.Active(out) {
			return alreadyDefined(out)
		}
	case Split:
		o1, o2 := op.Outputs[0], op.Outputs[1]
		if err := t.requireActive(op.Droplet); err != nil {
			return err
		}
		if o1 != op.Droplet && t.Active(o1) {
			return alreadyDefined(o1)
		}
		if o2 != op.Droplet && t.Active(o2) {
			return alreadyDefined(o2)
		}
		if o1 == o2 {
			return alreadyDefined(o2)
		}
	case Move:
		return t.requireActive(op.Droplet)
	}
	return nil
}

// withOutputs appends the ids an operation failed to define.
func withOutputs(err *errors.HostError, op Operation) *errors.HostError {
	switch op.Kind {
	case New:
		err.Message += fmt.Sprintf(". Droplet %s cannot be defined", op.Droplet)
	case Mix:
		err.Message += fmt.Sprintf(". Droplet %s cannot be defined", op.Outputs[0])
	case Split:
		err.Message += fmt.Sprintf(". Droplet %s and droplet %s cannot be defined", op.Outputs[0], op.Outputs[1])
	}
	return err
}

// Apply checks op and, if valid, applies its state transition.
func (t *Tracker) Apply(op Operation) error {
	if err := t.apply(op); err != nil {
		return err
	}
	return nil
}

func (t *Tracker) apply(op Operation) *errors.HostError {
	if err := t.check(op); err != nil {
		return withOutputs(err, op)
	}
	switch op.Kind {
	case New:
		t.define(op.Droplet)
	case Mix:
		t.consume(op.Inputs[0])
		t.consume(op.Inputs[1])
		t.define(op.Outputs[0])
	case Split:
		t.consume(op.Droplet)
		t.define(op.Outputs[0])
		t.define(op.Outputs[1])
	}
	return nil
}
