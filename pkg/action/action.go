// Package action defines the stateless action capabilities agents may
// invoke, and the validation dispatcher that gates them. Definitions are
// shared by reference across agents and nodes and must hold no mutable
// state.
package action

import (
	"context"
	"fmt"
)

// Data is one parsed action request produced by an agent step: the action
// name plus child-element parameters from the response's Action section.
type Data struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	Raw    string            `json:"raw,omitempty"`
}

// Param returns a named parameter, "" when absent.
func (d Data) Param(key string) string { return d.Params[key] }

// Outcome is the result of dispatching one action.
type Outcome struct {
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	PassControl bool           `json:"pass_control"`
}

// Actor is the minimal view of an agent a handler may use.
type Actor interface {
	Name() string
	Role() string
	AddEnvFeedback(content string, media []string)
}

// Env is the slice of scene/simulator surface exposed to handlers.
type Env interface {
	// State is the scene's mutable state map; handlers may read and write it.
	State() map[string]any
	// AgentNames lists the agents currently in the simulation.
	AgentNames() []string
	// Deliver routes content (and media) into the named agents' memories and
	// queues the matching system_broadcast event.
	Deliver(content string, media []string, sender string, receivers []string)
}

// HandlerFunc executes a validated action.
type HandlerFunc func(ctx context.Context, data Data, actor Actor, env Env) (*Outcome, error)

// Definition declares one action capability. Validation attributes are
// checked by Dispatch in order (roles, state guard, parameters) before the
// handler runs.
type Definition struct {
	Name         string
	Instructions string

	// AllowedRoles restricts the action to actors with one of these roles.
	// The single entry "*" matches any non-host role. Empty = unrestricted.
	AllowedRoles []string

	// StateGuard rejects the action when the scene state forbids it.
	StateGuard func(state map[string]any) bool
	StateError string

	// ValidateParams rejects malformed parameters before Handle runs.
	ValidateParams func(data Data) error

	Handle HandlerFunc
}

// RoleHost marks the non-player host role excluded by the "*" wildcard.
const RoleHost = "host"

func (d *Definition) roleAllowed(role string) bool {
	if len(d.AllowedRoles) == 0 {
		return true
	}
	for _, r := range d.AllowedRoles {
		if r == "*" {
			if role != RoleHost {
				return true
			}
			continue
		}
		if r == role {
			return true
		}
	}
	return false
}

// Dispatch validates data against def and invokes the handler. Validation
// failures return a non-success Outcome with an error payload and never run
// the handler; only handler errors propagate as Go errors.
func Dispatch(ctx context.Context, def *Definition, data Data, actor Actor, env Env) (*Outcome, error) {
	if !def.roleAllowed(actor.Role()) {
		return rejected(def.Name, fmt.Sprintf("role %q may not perform %q", actor.Role(), def.Name)), nil
	}
	if def.StateGuard != nil && !def.StateGuard(env.State()) {
		msg := def.StateError
		if msg == "" {
			msg = fmt.Sprintf("action %q is not available in the current state", def.Name)
		}
		return rejected(def.Name, msg), nil
	}
	if def.ValidateParams != nil {
		if err := def.ValidateParams(data); err != nil {
			return rejected(def.Name, err.Error()), nil
		}
	}
	return def.Handle(ctx, data, actor, env)
}

func rejected(name, reason string) *Outcome {
	return &Outcome{
		Success: false,
		Result:  map[string]any{"error": reason},
		Summary: fmt.Sprintf("%s rejected: %s", name, reason),
	}
}

// Catalog is an ordered, name-deduplicated list of definitions.
type Catalog struct {
	defs []*Definition
}

// NewCatalog builds a catalog preserving order and dropping duplicates.
func NewCatalog(defs ...*Definition) *Catalog {
	c := &Catalog{}
	c.Merge(defs...)
	return c
}

// Merge appends definitions not already present (by name).
func (c *Catalog) Merge(defs ...*Definition) {
	for _, d := range defs {
		if d == nil || c.Get(d.Name) != nil {
			continue
		}
		c.defs = append(c.defs, d)
	}
}

// Get returns the definition by name, nil when absent.
func (c *Catalog) Get(name string) *Definition {
	for _, d := range c.defs {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Names returns the ordered action names.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.Name
	}
	return out
}

// All returns the ordered definitions (shared, do not mutate).
func (c *Catalog) All() []*Definition { return c.defs }

// Len reports the catalog size.
func (c *Catalog) Len() int { return len(c.defs) }

// Select returns a new catalog restricted to the named actions, preserving
// catalog order. Unknown names are ignored.
func (c *Catalog) Select(names []string) *Catalog {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := &Catalog{}
	for _, d := range c.defs {
		if want[d.Name] {
			out.defs = append(out.defs, d)
		}
	}
	return out
}
