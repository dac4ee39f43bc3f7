// Package saga coordinates multi-step distributed transactions through the
// event bus: each step is a published command event, remote handlers reply
// with result events, and failures trigger reverse-order compensation.
package saga

import (
	"fmt"
	"sync"
)

// Condition decides whether a step applies given the current saga context.
type Condition func(sagaContext map[string]any) bool

// Step is one unit of work in a saga. Command and CompensationCommand are
// event types published on the bus; the remote consumer executes the work and
// replies with a step-result event. Steps sharing a non-empty ParallelGroup
// tag run concurrently.
type Step struct {
	Name                string
	Command             string
	CompensationCommand string
	ParallelGroup       string
	Condition           Condition
}

// Definition is the ordered step list for one saga type.
type Definition struct {
	SagaType string
	Steps    []Step
}

func (d *Definition) validate() error {
	if d.SagaType == "" {
		return fmt.Errorf("saga type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q has no steps", d.SagaType)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga %q has a step without a name", d.SagaType)
		}
		if step.Command == "" {
			return fmt.Errorf("saga %q step %q has no command", d.SagaType, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("saga %q has duplicate step %q", d.SagaType, step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// step looks up a step by name.
func (d *Definition) step(name string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// groups partitions the step list into execution groups: consecutive steps
// sharing a ParallelGroup tag form one group, every other step is a group of
// one. Groups run sequentially; members of a group run concurrently.
func (d *Definition) groups() [][]Step {
	var out [][]Step
	for i := 0; i < len(d.Steps); {
		step := d.Steps[i]
		group := []Step{step}
		if step.ParallelGroup != "" {
			j := i + 1
			for j < len(d.Steps) && d.Steps[j].ParallelGroup == step.ParallelGroup {
				group = append(group, d.Steps[j])
				j++
			}
			i = j
		} else {
			i++
		}
		out = append(out, group)
	}
	return out
}

// Registry holds the saga definitions known to this process.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition; re-registering a saga type is a programming
// error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition is required")
	}
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.SagaType]; exists {
		return fmt.Errorf("saga %q already registered", def.SagaType)
	}
	r.defs[def.SagaType] = def
	return nil
}

// Get returns the definition for a saga type.
func (r *Registry) Get(sagaType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	return def, ok
}
