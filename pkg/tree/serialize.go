package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/sim"
)

// NodeState is the serialized form of one node.
type NodeState struct {
	ID          int                  `json:"id"`
	Parent      int                  `json:"parent"`
	Depth       int                  `json:"depth"`
	EdgeType    string               `json:"edge_type"`
	Ops         []models.Op          `json:"ops,omitempty"`
	Sim         sim.State            `json:"sim"`
	Logs        []models.StreamEvent `json:"logs,omitempty"`
	Meta        map[string]any       `json:"meta,omitempty"`
	Fingerprint string               `json:"fingerprint,omitempty"`
}

// State is the serialized form of a whole tree. Clients, subscribers and
// the running set are runtime wiring and are not persisted. JSON object
// keys are strings, so the children map is keyed by the decimal parent id.
type State struct {
	Root     int              `json:"root"`
	NextID   int              `json:"next_id"`
	Nodes    []NodeState      `json:"nodes"`
	Children map[string][]int `json:"children"`
	Options  Options          `json:"options"`
}

// Serialize captures the attached tree. Unattached speculative nodes are
// transient and excluded.
func (t *SimTree) Serialize() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := State{
		Root:     t.root,
		NextID:   t.nextID,
		Children: map[string][]int{},
		Options:  t.opts,
	}
	ids := make([]int, 0, len(t.nodes))
	for id, n := range t.nodes {
		if n.Depth >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		n := t.nodes[id]
		st.Nodes = append(st.Nodes, NodeState{
			ID:          n.ID,
			Parent:      n.Parent,
			Depth:       n.Depth,
			EdgeType:    n.EdgeType,
			Ops:         append([]models.Op(nil), n.Ops...),
			Sim:         n.Sim.Serialize(),
			Logs:        append([]models.StreamEvent(nil), n.Logs...),
			Meta:        n.Meta,
			Fingerprint: n.Fingerprint,
		})
	}
	for parent, kids := range t.children {
		if len(kids) > 0 {
			st.Children[strconv.Itoa(parent)] = append([]int(nil), kids...)
		}
	}
	return st
}

// SerializeJSON returns the tree state as JSON.
func (t *SimTree) SerializeJSON() (json.RawMessage, error) {
	raw, err := json.Marshal(t.Serialize())
	if err != nil {
		return nil, fmt.Errorf("encode tree state: %w", err)
	}
	return raw, nil
}

// Deserialize rebuilds a tree. Clients are injected, not persisted; the
// running set and subscribers start empty.
func Deserialize(st State, clients *llm.Clients) (*SimTree, error) {
	t := &SimTree{
		nodes:    make(map[int]*Node, len(st.Nodes)),
		children: map[int][]int{},
		root:     st.Root,
		nextID:   st.NextID,
		clients:  clients,
		opts:     st.Options,
		nodeSubs: map[int][]chan models.StreamEvent{},
		running:  map[int]context.CancelFunc{},
		logger:   slog.Default().With("component", "simtree"),
	}
	for _, ns := range st.Nodes {
		simulator, err := sim.Deserialize(ns.Sim, clients)
		if err != nil {
			return nil, fmt.Errorf("rebuild node %d: %w", ns.ID, err)
		}
		node := &Node{
			ID:          ns.ID,
			Parent:      ns.Parent,
			Depth:       ns.Depth,
			EdgeType:    ns.EdgeType,
			Ops:         append([]models.Op(nil), ns.Ops...),
			Fingerprint: ns.Fingerprint,
			Sim:         simulator,
			Logs:        append([]models.StreamEvent(nil), ns.Logs...),
			Meta:        ns.Meta,
			opsApplied:  true,
		}
		t.nodes[ns.ID] = node
		t.attachLogHandler(node)
		if ns.ID >= t.nextID {
			t.nextID = ns.ID + 1
		}
	}
	for key, kids := range st.Children {
		parent, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("bad children key %q: %w", key, err)
		}
		for _, kid := range kids {
			if _, ok := t.nodes[kid]; !ok {
				return nil, fmt.Errorf("children of %d reference missing node %d", parent, kid)
			}
		}
		t.children[parent] = append([]int(nil), kids...)
	}
	if _, ok := t.nodes[t.root]; !ok {
		return nil, fmt.Errorf("tree state has no root node %d", t.root)
	}
	return t, nil
}

// DeserializeJSON rebuilds a tree from persisted JSON.
func DeserializeJSON(raw json.RawMessage, clients *llm.Clients) (*SimTree, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode tree state: %w", err)
	}
	return Deserialize(st, clients)
}
