package models

import "encoding/json"

// SimulationStatus enumerates the lifecycle states of a simulation record.
type SimulationStatus string

// Simulation statuses.
const (
	SimulationDraft   SimulationStatus = "draft"
	SimulationRunning SimulationStatus = "running"
)

// AgentSpec is the per-agent slice of the simulation configuration. Updates
// merge by Name: only agents named in an incoming patch are touched.
type AgentSpec struct {
	Name          string              `json:"name"`
	Profile       string              `json:"profile,omitempty"`
	Style         string              `json:"style,omitempty"`
	Role          string              `json:"role,omitempty"`
	Language      string              `json:"language,omitempty"`
	Properties    map[string]any      `json:"properties,omitempty"`
	ActionSpace   []string            `json:"action_space,omitempty"`
	KnowledgeBase []KnowledgeItem     `json:"knowledgeBase,omitempty"`
	Documents     map[string]Document `json:"documents,omitempty"`
}

// SimulationRecord is the persisted source of truth for rebuilding a tree.
type SimulationRecord struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Name            string            `json:"name"`
	SceneType       string            `json:"scene_type"`
	SceneConfig     map[string]any    `json:"scene_config,omitempty"`
	AgentConfig     []AgentSpec       `json:"agent_config,omitempty"`
	GlobalKnowledge map[string]string `json:"global_knowledge,omitempty"`
	Status          SimulationStatus  `json:"status"`
	LatestState     json.RawMessage   `json:"latest_state,omitempty"`
}

// Snapshot persists one whole serialized tree under a label.
type Snapshot struct {
	SimulationID string          `json:"simulation_id"`
	Label        string          `json:"label"`
	State        json.RawMessage `json:"state"`
	Turns        int             `json:"turns"`
	Meta         map[string]any  `json:"meta,omitempty"`
}

// Op is one semantic operation on a tree edge, e.g. {op:"advance", turns:2}.
// Params carries custom branch operation payloads.
type Op struct {
	Op     string         `json:"op"`
	Turns  int            `json:"turns,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Edge operation names the core understands. Scenes may define more; the
// tree treats unknown ops as opaque labels.
const (
	OpAdvance   = "advance"
	OpBroadcast = "broadcast"
)
