// Package ordering decides which agent acts next. Strategies are pure
// scheduling state: they hold no agent pointers, only names, so they
// serialize as plain data and survive copy-on-branch trivially.
package ordering

import (
	"fmt"

	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/scene"
)

// Strategy names accepted by New and Deserialize.
const (
	NameSequential = "sequential"
	NameCycled     = "cycled"
	NameControlled = "controlled"
)

// Ordering picks the next actor for each turn.
type Ordering interface {
	// Name is the registry discriminator.
	Name() string

	// BindSimulation attaches the live simulation. Called once after the
	// simulator is assembled and again after deserialization or cloning.
	BindSimulation(sim scene.Simulation)

	// Next returns the next actor name. ok=false means no actor this turn
	// (the simulator still counts the turn and runs scene PostTurn).
	Next() (name string, ok bool)

	// PostTurn runs after the chosen actor's turn completes.
	PostTurn()

	// OnEvent observes every stream event the simulator emits. Strategies
	// that schedule reactively (e.g. mention-driven) hook in here.
	OnEvent(ev models.StreamEvent)

	// State returns the serializable scheduling state.
	State() map[string]any

	// Clone deep-copies the scheduling state. The clone is unbound until
	// BindSimulation is called.
	Clone() Ordering
}

// New builds a strategy by name. "" defaults to sequential.
func New(name string, sim scene.Simulation, sc scene.Scene) (Ordering, error) {
	switch name {
	case "", NameSequential:
		o := &Sequential{}
		o.BindSimulation(sim)
		return o, nil
	case NameCycled:
		o := &Cycled{}
		if sim != nil {
			o.names = append([]string(nil), sim.AgentNames()...)
		}
		o.BindSimulation(sim)
		return o, nil
	case NameControlled:
		if sc == nil {
			return nil, fmt.Errorf("controlled ordering requires a scene")
		}
		o := &Controlled{scene: sc}
		o.BindSimulation(sim)
		return o, nil
	default:
		return nil, fmt.Errorf("unknown ordering strategy %q", name)
	}
}

// Deserialize rebuilds a strategy from its persisted state. The scene is
// needed only for controlled ordering.
func Deserialize(name string, state map[string]any, sc scene.Scene) (Ordering, error) {
	switch name {
	case "", NameSequential:
		return &Sequential{index: stateInt(state, "index")}, nil
	case NameCycled:
		o := &Cycled{index: stateInt(state, "index")}
		if raw, ok := state["names"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					o.names = append(o.names, s)
				}
			}
		}
		return o, nil
	case NameControlled:
		if sc == nil {
			return nil, fmt.Errorf("controlled ordering requires a scene")
		}
		return &Controlled{scene: sc}, nil
	default:
		return nil, fmt.Errorf("unknown ordering strategy %q", name)
	}
}

// Sequential walks the simulation's agent list in insertion order, wrapping
// at the end. Agents added mid-run join the rotation on the next wrap.
type Sequential struct {
	sim   scene.Simulation
	index int
}

func (o *Sequential) Name() string                        { return NameSequential }
func (o *Sequential) BindSimulation(sim scene.Simulation) { o.sim = sim }

func (o *Sequential) Next() (string, bool) {
	names := o.sim.AgentNames()
	if len(names) == 0 {
		return "", false
	}
	name := names[o.index%len(names)]
	return name, true
}

func (o *Sequential) PostTurn() {
	if n := len(o.sim.AgentNames()); n > 0 {
		o.index = (o.index + 1) % n
	}
}

func (o *Sequential) OnEvent(models.StreamEvent) {}

func (o *Sequential) State() map[string]any {
	return map[string]any{"index": o.index}
}

func (o *Sequential) Clone() Ordering {
	return &Sequential{index: o.index}
}

// Cycled walks a fixed name list captured at construction. Unlike Sequential
// the rotation is frozen: agents added later do not join it.
type Cycled struct {
	sim   scene.Simulation
	names []string
	index int
}

func (o *Cycled) Name() string                        { return NameCycled }
func (o *Cycled) BindSimulation(sim scene.Simulation) { o.sim = sim }

func (o *Cycled) Next() (string, bool) {
	if len(o.names) == 0 {
		return "", false
	}
	return o.names[o.index%len(o.names)], true
}

func (o *Cycled) PostTurn() {
	if len(o.names) > 0 {
		o.index = (o.index + 1) % len(o.names)
	}
}

func (o *Cycled) OnEvent(models.StreamEvent) {}

func (o *Cycled) State() map[string]any {
	names := make([]any, len(o.names))
	for i, n := range o.names {
		names[i] = n
	}
	return map[string]any{"index": o.index, "names": names}
}

func (o *Cycled) Clone() Ordering {
	return &Cycled{names: append([]string(nil), o.names...), index: o.index}
}

// Controlled delegates scheduling to the scene, which picks the actor from
// its own phase state. It carries no state of its own.
type Controlled struct {
	sim   scene.Simulation
	scene scene.Scene
}

func (o *Controlled) Name() string                        { return NameControlled }
func (o *Controlled) BindSimulation(sim scene.Simulation) { o.sim = sim }

// BindScene repoints the strategy at a cloned or deserialized scene.
func (o *Controlled) BindScene(sc scene.Scene) { o.scene = sc }

func (o *Controlled) Next() (string, bool) {
	return o.scene.ControlledNext(o.sim)
}

func (o *Controlled) PostTurn() {}

func (o *Controlled) OnEvent(models.StreamEvent) {}

func (o *Controlled) State() map[string]any { return map[string]any{} }

func (o *Controlled) Clone() Ordering {
	return &Controlled{scene: o.scene}
}

func stateInt(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
