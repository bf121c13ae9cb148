package sim

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/ordering"
	"github.com/simloom/simloom/pkg/scene"
)

// State is the serialized form of a simulator. The scene travels as plain
// data under its registry type; agents carry their catalogs by action name
// and are resolved against the scene on rehydrate.
type State struct {
	Scene    map[string]any       `json:"scene"`
	Agents   []agent.State        `json:"agents"`
	Ordering OrderingState        `json:"ordering"`
	Turns    int                  `json:"turns"`
	Pending  []models.StreamEvent `json:"pending,omitempty"`
	Options  Options              `json:"options"`
}

// OrderingState pairs a strategy name with its scheduling state.
type OrderingState struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state,omitempty"`
}

// Serialize captures the full simulator state.
func (s *Simulator) Serialize() State {
	st := State{
		Scene:   s.sc.Serialize(),
		Agents:  make([]agent.State, 0, len(s.order)),
		Turns:   s.turns,
		Pending: append([]models.StreamEvent(nil), s.pending...),
		Options: s.opts,
		Ordering: OrderingState{
			Name:  s.ord.Name(),
			State: s.ord.State(),
		},
	}
	for _, name := range s.order {
		st.Agents = append(st.Agents, s.agents[name].Serialize())
	}
	return st
}

// SerializeJSON returns the state as JSON for persistence.
func (s *Simulator) SerializeJSON() (json.RawMessage, error) {
	raw, err := json.Marshal(s.Serialize())
	if err != nil {
		return nil, fmt.Errorf("encode simulator state: %w", err)
	}
	return raw, nil
}

// Deserialize rebuilds a simulator. The scene is reconstructed first so its
// action definitions can resolve the agents' persisted catalogs. Clients
// and emitter are runtime wiring; bind them afterwards.
func Deserialize(st State, clients *llm.Clients) (*Simulator, error) {
	sc, err := scene.Deserialize(st.Scene)
	if err != nil {
		return nil, fmt.Errorf("rebuild scene: %w", err)
	}

	s := &Simulator{
		sc:      sc,
		clients: clients,
		agents:  make(map[string]*agent.Agent, len(st.Agents)),
		pending: append([]models.StreamEvent(nil), st.Pending...),
		turns:   st.Turns,
		opts:    st.Options,
		logger:  slog.Default().With("component", "simulator"),
	}
	if s.opts.MaxStepsPerTurn <= 0 {
		s.opts.MaxStepsPerTurn = defaultMaxStepsPerTurn
	}

	resolve := catalogResolver(sc)
	for _, ast := range st.Agents {
		a, err := agent.Deserialize(ast, resolve)
		if err != nil {
			return nil, fmt.Errorf("rebuild agent %q: %w", ast.Name, err)
		}
		a.BindEmitter(s.emitEvent)
		s.agents[a.Name()] = a
		s.order = append(s.order, a.Name())
	}

	ord, err := ordering.Deserialize(st.Ordering.Name, st.Ordering.State, sc)
	if err != nil {
		return nil, fmt.Errorf("rebuild ordering: %w", err)
	}
	s.SetOrdering(ord)
	return s, nil
}

// DeserializeJSON rebuilds a simulator from persisted JSON.
func DeserializeJSON(raw json.RawMessage, clients *llm.Clients) (*Simulator, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode simulator state: %w", err)
	}
	return Deserialize(st, clients)
}

// catalogResolver maps persisted action names back to the scene's
// definitions. Scenes return their full definition set for a nil agent.
// Names with no surviving definition are dropped with a warning rather
// than failing the whole rehydrate.
func catalogResolver(sc scene.Scene) agent.CatalogResolver {
	known := action.NewCatalog()
	known.Merge(sc.SceneActions(nil)...)
	return func(names []string) *action.Catalog {
		catalog := action.NewCatalog()
		for _, name := range names {
			if def := known.Get(name); def != nil {
				catalog.Merge(def)
			} else {
				slog.Warn("dropping unknown persisted action", "action", name, "scene", sc.Type())
			}
		}
		return catalog
	}
}
