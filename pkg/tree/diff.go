package tree

import (
	"fmt"
	"sort"
	"strings"
)

// NodeDiff is a deterministic comparison of two snapshots: how far the
// second has advanced and what changed per agent. It is computed without
// any LLM involvement so callers always have a fallback summary.
type NodeDiff struct {
	From      int         `json:"from"`
	To        int         `json:"to"`
	TurnDelta int         `json:"turn_delta"`
	Agents    []AgentDiff `json:"agents,omitempty"`
}

// AgentDiff captures one agent's divergence between two snapshots.
type AgentDiff struct {
	Name        string            `json:"name"`
	MemoryDelta int               `json:"memory_delta"`
	EmotionFrom string            `json:"emotion_from,omitempty"`
	EmotionTo   string            `json:"emotion_to,omitempty"`
	Properties  map[string][2]any `json:"properties,omitempty"` // key -> {from, to}
}

// String renders the diff as a short human-readable summary.
func (d *NodeDiff) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %d vs node %d: %+d turns", d.To, d.From, d.TurnDelta)
	for _, a := range d.Agents {
		fmt.Fprintf(&b, "\n- %s:", a.Name)
		if a.MemoryDelta != 0 {
			fmt.Fprintf(&b, " %+d memory entries", a.MemoryDelta)
		}
		if a.EmotionFrom != a.EmotionTo {
			fmt.Fprintf(&b, " emotion %q -> %q", a.EmotionFrom, a.EmotionTo)
		}
		keys := make([]string, 0, len(a.Properties))
		for k := range a.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s: %v -> %v", k, a.Properties[k][0], a.Properties[k][1])
		}
	}
	return b.String()
}

// DiffNodes compares two attached snapshots. Both must be idle: a running
// simulator is exclusively owned by its worker and cannot be read safely.
func (t *SimTree) DiffNodes(fromID, toID int) (*NodeDiff, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	from, ok := t.nodes[fromID]
	if !ok || from.Depth < 0 {
		return nil, fmt.Errorf("diff from %d: %w", fromID, ErrNodeNotFound)
	}
	to, ok := t.nodes[toID]
	if !ok || to.Depth < 0 {
		return nil, fmt.Errorf("diff to %d: %w", toID, ErrNodeNotFound)
	}
	for _, id := range []int{fromID, toID} {
		if _, busy := t.running[id]; busy {
			return nil, fmt.Errorf("diff node %d: already running", id)
		}
	}

	d := &NodeDiff{
		From:      fromID,
		To:        toID,
		TurnDelta: to.Sim.Turns() - from.Sim.Turns(),
	}
	for _, after := range to.Sim.Agents() {
		before, ok := from.Sim.Agent(after.Name())
		if !ok {
			continue
		}
		ad := AgentDiff{
			Name:        after.Name(),
			MemoryDelta: after.Memory().Len() - before.Memory().Len(),
			EmotionFrom: before.Emotion(),
			EmotionTo:   after.Emotion(),
		}
		beforeProps := before.Properties()
		for key, now := range after.Properties() {
			if was, ok := beforeProps[key]; !ok || fmt.Sprint(was) != fmt.Sprint(now) {
				if ad.Properties == nil {
					ad.Properties = map[string][2]any{}
				}
				ad.Properties[key] = [2]any{beforeProps[key], now}
			}
		}
		if ad.MemoryDelta != 0 || ad.EmotionFrom != ad.EmotionTo || len(ad.Properties) > 0 {
			d.Agents = append(d.Agents, ad)
		}
	}
	return d, nil
}
