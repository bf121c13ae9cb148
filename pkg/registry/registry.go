// Package registry is the process-wide cache of live simulation trees,
// keyed by simulation id. It owns the build-from-record path and the
// knowledge hot-patch operations that touch every node of a tree.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/ordering"
	"github.com/simloom/simloom/pkg/scene"
	"github.com/simloom/simloom/pkg/sim"
	"github.com/simloom/simloom/pkg/store"
	"github.com/simloom/simloom/pkg/tree"
)

// TreeRecord is one cached live tree plus its subscriber fan-out.
type TreeRecord struct {
	SimulationID string
	Tree         *tree.SimTree

	mu   sync.Mutex
	subs []chan models.StreamEvent
}

// Subscribe attaches a tree-level subscriber. Events from running nodes are
// fanned out to it; slow subscribers drop events rather than blocking.
func (r *TreeRecord) Subscribe(ch chan models.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, ch)
}

// Unsubscribe detaches a subscriber.
func (r *TreeRecord) Unsubscribe(ch chan models.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub == ch {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish fans an event out to all tree-level subscribers. Collaborating
// services (e.g. the experiment runner) use it for lifecycle events that do
// not originate from a node's simulator.
func (r *TreeRecord) Publish(ev models.StreamEvent) { r.broadcast(ev) }

func (r *TreeRecord) broadcast(ev models.StreamEvent) {
	r.mu.Lock()
	subs := append([]chan models.StreamEvent(nil), r.subs...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping tree event for slow subscriber",
				"simulation", r.SimulationID, "type", ev.Type, "node", ev.Node)
		}
	}
}

// Registry caches trees by simulation id.
type Registry struct {
	mu      sync.Mutex
	records map[string]*TreeRecord
	store   store.Store
	clients *llm.Clients

	simOpts   sim.Options
	treeOpts  tree.Options
	agentOpts agent.Options
}

// New builds a registry over a store and a shared LLM client bundle.
func New(st store.Store, clients *llm.Clients) *Registry {
	return &Registry{
		records:   map[string]*TreeRecord{},
		store:     st,
		clients:   clients,
		simOpts:   sim.DefaultOptions(),
		treeOpts:  tree.DefaultOptions(),
		agentOpts: agent.DefaultOptions(),
	}
}

// SetAgentOptions overrides the default agent tuning for trees built later.
func (g *Registry) SetAgentOptions(opts agent.Options) { g.agentOpts = opts }

// SetSimOptions overrides the default simulator tuning for trees built later.
func (g *Registry) SetSimOptions(opts sim.Options) { g.simOpts = opts }

// SetTreeOptions overrides the default tree tuning for trees built later.
func (g *Registry) SetTreeOptions(opts tree.Options) { g.treeOpts = opts }

// GetOrCreate returns the cached tree for a simulation, rebuilding it from
// the persisted record when absent. The lock covers only the
// check-then-build race; callers share the returned record freely.
func (g *Registry) GetOrCreate(ctx context.Context, simulationID string) (*TreeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[simulationID]; ok {
		return rec, nil
	}

	record, err := g.store.Simulations().Get(ctx, simulationID)
	if err != nil {
		return nil, fmt.Errorf("load simulation %q: %w", simulationID, err)
	}

	var t *tree.SimTree
	if len(record.LatestState) > 0 {
		t, err = tree.DeserializeJSON(record.LatestState, g.clients)
		if err != nil {
			return nil, fmt.Errorf("rehydrate simulation %q: %w", simulationID, err)
		}
	} else {
		t, err = g.buildTree(record)
		if err != nil {
			return nil, fmt.Errorf("build simulation %q: %w", simulationID, err)
		}
	}

	rec := &TreeRecord{SimulationID: simulationID, Tree: t}
	t.SetTreeBroadcast(rec.broadcast)
	g.records[simulationID] = rec
	slog.Info("simulation tree ready", "simulation", simulationID,
		"rehydrated", len(record.LatestState) > 0)
	return rec, nil
}

// buildTree assembles a fresh root simulator from a simulation record.
func (g *Registry) buildTree(record *models.SimulationRecord) (*tree.SimTree, error) {
	sc, err := scene.New(record.SceneType, record.SceneConfig)
	if err != nil {
		return nil, fmt.Errorf("build scene: %w", err)
	}
	simulator := sim.New(sc, g.clients, g.simOpts)

	global := record.GlobalKnowledge
	if gk, ok := record.SceneConfig["global_knowledge"].(map[string]any); ok && global == nil {
		global = map[string]string{}
		for k, v := range gk {
			if s, ok := v.(string); ok {
				global[k] = s
			}
		}
	}

	for _, spec := range record.AgentConfig {
		a := agent.New(spec, g.agentOpts)
		if len(spec.ActionSpace) > 0 {
			a.MergeActions(selectActions(sc, a, spec.ActionSpace)...)
		}
		a.SetGlobalKnowledge(global)
		if err := simulator.AddAgent(a); err != nil {
			return nil, fmt.Errorf("add agent %q: %w", spec.Name, err)
		}
	}

	ord, err := ordering.New(scene.OrderingFor(record.SceneType), simulator, sc)
	if err != nil {
		return nil, fmt.Errorf("build ordering: %w", err)
	}
	simulator.SetOrdering(ord)

	t := tree.New(simulator, g.clients, g.treeOpts)
	for _, ev := range sc.InitialEvents() {
		simulator.Broadcast(ev, nil)
	}
	return t, nil
}

// selectActions resolves an agent's configured action space against the
// scene's definitions: the scene's basic actions are always included, the
// rest only when named. Unknown names are skipped with a warning.
func selectActions(sc scene.Scene, a *agent.Agent, names []string) []*action.Definition {
	full := action.NewCatalog()
	full.Merge(sc.SceneActions(a)...)

	var out []*action.Definition
	seen := map[string]bool{}
	if basics, ok := sc.(interface{ BasicActions() []*action.Definition }); ok {
		for _, def := range basics.BasicActions() {
			if !seen[def.Name] {
				seen[def.Name] = true
				out = append(out, def)
			}
		}
	}
	for _, name := range names {
		if seen[name] {
			continue
		}
		def := full.Get(name)
		if def == nil {
			slog.Warn("unknown action in action space", "agent", a.Name(), "action", name)
			continue
		}
		seen[name] = true
		out = append(out, def)
	}
	return out
}

// UpdateAgentKnowledge hot-patches knowledge and documents of the named
// agents across every node of the cached tree. The patch merges by name:
// unmentioned agents are untouched, and memory, plans and turn counters of
// patched agents are preserved.
func (g *Registry) UpdateAgentKnowledge(ctx context.Context, simulationID string, patch []models.AgentSpec) error {
	rec, err := g.GetOrCreate(ctx, simulationID)
	if err != nil {
		return err
	}
	byName := make(map[string]models.AgentSpec, len(patch))
	for _, spec := range patch {
		byName[spec.Name] = spec
	}
	rec.Tree.ForEachNode(func(n *tree.Node) {
		for name, spec := range byName {
			if a, ok := n.Sim.Agent(name); ok {
				a.SetKnowledge(spec.KnowledgeBase, spec.Documents)
			}
		}
	})
	return nil
}

// UpdateGlobalKnowledge replaces the shared knowledge map on every agent of
// every node.
func (g *Registry) UpdateGlobalKnowledge(ctx context.Context, simulationID string, kmap map[string]string) error {
	rec, err := g.GetOrCreate(ctx, simulationID)
	if err != nil {
		return err
	}
	rec.Tree.ForEachNode(func(n *tree.Node) {
		for _, a := range n.Sim.Agents() {
			a.SetGlobalKnowledge(kmap)
		}
	})
	return nil
}

// PersistLatestState serializes the cached tree into the simulation record
// so a restart rebuilds the same tree.
func (g *Registry) PersistLatestState(ctx context.Context, simulationID string) error {
	rec, err := g.GetOrCreate(ctx, simulationID)
	if err != nil {
		return err
	}
	raw, err := rec.Tree.SerializeJSON()
	if err != nil {
		return err
	}
	return g.store.Simulations().UpdateLatestState(ctx, simulationID, raw)
}

// Remove drops the cache entry. The next GetOrCreate rebuilds from the
// persisted record.
func (g *Registry) Remove(simulationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, simulationID)
}

// Store exposes the backing store to collaborating services.
func (g *Registry) Store() store.Store { return g.store }

// Clients exposes the shared LLM client bundle.
func (g *Registry) Clients() *llm.Clients { return g.clients }
