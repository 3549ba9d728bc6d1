// Package grid runs compiled droplet programs against the electrode grid.
//
// The Orchestrator keeps a registry of live droplets, plans their routes
// and drives the plates one tick at a time through an Actuator, pausing a
// settle interval after every tick so the liquid can follow.
package grid

import (
	"fmt"
	"sort"

	"biochip-go/pkg/errors"
	"biochip-go/pkg/motion"
)

// Droplet is a tracked droplet and its remaining route.
type Droplet struct {
	ID       string
	Position motion.Position
	Path     []motion.Direction
}

// HasSteps reports whether the droplet still has a route to follow.
func (d *Droplet) HasSteps() bool {
	return len(d.Path) > 0
}

// nextStep pops the first step of the route.
func (d *Droplet) nextStep() motion.Direction {
	step := d.Path[0]
	d.Path = d.Path[1:]
	return step
}

// DropletState is a point-in-time copy of a droplet.
type DropletState struct {
	ID        string          `json:"id"`
	Position  motion.Position `json:"position"`
	Remaining int             `json:"remaining_steps"`
}

// Registry maps droplet ids to live droplets and remembers ids consumed
// by MIX or SPLIT. An id is never both live and deleted.
type Registry struct {
	active  map[string]*Droplet
	deleted map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[string]*Droplet),
		deleted: make(map[string]struct{}),
	}
}

// Add registers a new droplet at pos.
func (r *Registry) Add(id string, pos motion.Position) (*Droplet, error) {
	if _, ok := r.active[id]; ok {
		return nil, errors.LifecycleError(id, fmt.Sprintf("Droplet %s has already been defined previously in the instruction set", id))
	}
	delete(r.deleted, id)
	d := &Droplet{ID: id, Position: pos}
	r.active[id] = d
	return d, nil
}

// Get returns the live droplet with the given id.
func (r *Registry) Get(id string) (*Droplet, error) {
	if d, ok := r.active[id]; ok {
		return d, nil
	}
	if _, ok := r.deleted[id]; ok {
		return nil, errors.LifecycleError(id, fmt.Sprintf("Droplet %s is no longer available at this point in the instruction set", id))
	}
	return nil, errors.LifecycleError(id, fmt.Sprintf("Droplet %s has not been defined yet", id))
}

// Remove marks id as consumed.
func (r *Registry) Remove(id string) {
	delete(r.active, id)
	r.deleted[id] = struct{}{}
}

// Deleted reports whether id was consumed and not redefined.
func (r *Registry) Deleted(id string) bool {
	_, ok := r.deleted[id]
	return ok
}

// Len returns the number of live droplets.
func (r *Registry) Len() int {
	return len(r.active)
}

// Snapshot returns the live droplets sorted by id.
func (r *Registry) Snapshot() []DropletState {
	out := make([]DropletState, 0, len(r.active))
	for _, d := range r.active {
		out = append(out, DropletState{ID: d.ID, Position: d.Position, Remaining: len(d.Path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
