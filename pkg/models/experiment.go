package models

import "time"

// RunStatus enumerates experiment run lifecycle states.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunFinished  RunStatus = "finished"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Experiment names a set of variant branches rooted at a base node.
type Experiment struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	BaseNode     int       `json:"base_node"`
	Name         string    `json:"name"`
	Variants     []Variant `json:"variants"`
}

// Variant is one branch of an experiment; NodeID is set once branched.
type Variant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ops    []Op   `json:"ops"`
	NodeID *int   `json:"node_id,omitempty"`
}

// Run is one execution of an experiment's variants.
type Run struct {
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id"`
	Turns        int            `json:"turns"`
	Status       RunStatus      `json:"status"`
	TaskID       string         `json:"task_id,omitempty"`
	ResultMeta   map[string]any `json:"result_meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// LLMUsage is the per (user, provider) token accounting row. It is the only
// coordination primitive crossing process boundaries; all mutations go
// through the store's row-level reserve/commit/release operations.
type LLMUsage struct {
	UserID         string `json:"user_id"`
	ProviderID     string `json:"provider_id"`
	Quota          int64  `json:"quota"`
	TokensUsed     int64  `json:"tokens_used"`
	TokensReserved int64  `json:"tokens_reserved"`
}

// SyncLog tracks queued/started/finished/error transitions of a run with a
// growing details list.
type SyncLog struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Details   []string  `json:"details"`
	UpdatedAt time.Time `json:"updated_at"`
}
