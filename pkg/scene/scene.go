// Package scene defines the game-agnostic contract between the simulator
// and a concrete rule set. The core knows only this interface; rule sets
// register themselves by type name and are rebuilt from plain data at
// deserialization.
package scene

import (
	"context"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/models"
)

// Simulation is the slice of simulator surface exposed to scenes, orderings
// and action handlers.
type Simulation interface {
	// AgentNames lists agents in insertion order.
	AgentNames() []string
	// Agent returns an agent by name.
	Agent(name string) (*agent.Agent, bool)
	// Broadcast renders ev with the scene clock, delivers it to the named
	// receivers' memories (all agents when receivers is nil) and emits a
	// system_broadcast event.
	Broadcast(ev models.Event, receivers []string)
	// EmitLater queues an event for flush at the next quiescence point.
	EmitLater(ev models.StreamEvent)
	// Turns returns the number of completed turns.
	Turns() int
}

// Scene is the pluggable rule set owned by one simulator snapshot.
type Scene interface {
	// Type is the registry discriminator used for (de)serialization.
	Type() string

	// Description and Guidelines feed the agents' system prompts.
	Description() string
	Guidelines() string

	// Clock renders the scene time as "hh:mm".
	Clock() string

	// State is the scene's mutable state map (time, social_network,
	// mechanic-specific keys). Mutations are only valid from the goroutine
	// running the owning simulator.
	State() map[string]any

	// InitializeAgent seeds per-agent properties and roles this scene expects.
	InitializeAgent(a *agent.Agent)

	// SceneActions returns the definitions to merge into the agent's catalog
	// on attachment.
	SceneActions(a *agent.Agent) []*action.Definition

	// ParseAndHandleAction validates and executes one action. PassControl on
	// the outcome means the actor yields its turn.
	ParseAndHandleAction(ctx context.Context, data action.Data, a *agent.Agent, sim Simulation) (*action.Outcome, error)

	// ShouldSkipTurn declares an actor inert this turn (e.g. eliminated).
	ShouldSkipTurn(a *agent.Agent, sim Simulation) bool

	// PostTurn advances the scene clock and evaluates completion; it may
	// broadcast scene events through sim.
	PostTurn(ctx context.Context, a *agent.Agent, sim Simulation) error

	// IsComplete reports whether the scene has reached a terminal state.
	IsComplete() bool

	// ControlledNext names the next actor for controlled orderings; ok=false
	// means skip this turn.
	ControlledNext(sim Simulation) (name string, ok bool)

	// AgentStatusPrompt returns an optional pre-turn status message for the
	// agent, "" for none.
	AgentStatusPrompt(a *agent.Agent) string

	// InitialEvents are broadcast once when a fresh simulation is built.
	InitialEvents() []models.Event

	// Clone deep-copies the scene for copy-on-branch.
	Clone() Scene

	// Serialize returns the plain-data form consumed by the registered
	// deserializer.
	Serialize() map[string]any
}

// DispatchEnv adapts a scene state and simulation to the action.Env the
// dispatcher expects. Scenes use it inside ParseAndHandleAction.
type DispatchEnv struct {
	SceneState map[string]any
	Sim        Simulation
}

// State implements action.Env.
func (e *DispatchEnv) State() map[string]any { return e.SceneState }

// AgentNames implements action.Env.
func (e *DispatchEnv) AgentNames() []string { return e.Sim.AgentNames() }

// Deliver implements action.Env.
func (e *DispatchEnv) Deliver(content string, media []string, sender string, receivers []string) {
	e.Sim.Broadcast(models.Event{
		Kind:    models.EventPublic,
		Sender:  sender,
		Content: content,
		Media:   media,
	}, receivers)
}
