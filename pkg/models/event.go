package models

import "fmt"

// EventKind classifies simulation events delivered to agents.
type EventKind string

// Event kinds.
const (
	EventPublic    EventKind = "public"
	EventMessage   EventKind = "message"
	EventStatus    EventKind = "status"
	EventSystemLog EventKind = "system_log"
	EventError     EventKind = "error"
)

// Event is an immutable value describing something that happened in the
// simulated world. It is rendered to text with a scene-provided clock at
// delivery time; media references travel alongside the text so that
// multimodal LLM clients can consume them directly. Non-multimodal clients
// receive textual placeholders instead — that substitution is the LLM-client
// layer's job, not the event's.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Sender  string         `json:"sender,omitempty"`
	Content string         `json:"content"`
	Media   []string       `json:"media,omitempty"`
	Code    string         `json:"code,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Render formats the event for delivery using the scene clock ("hh:mm").
func (e Event) Render(clock string) string {
	switch {
	case clock != "" && e.Sender != "":
		return fmt.Sprintf("[%s] %s: %s", clock, e.Sender, e.Content)
	case clock != "":
		return fmt.Sprintf("[%s] %s", clock, e.Content)
	case e.Sender != "":
		return fmt.Sprintf("%s: %s", e.Sender, e.Content)
	default:
		return e.Content
	}
}

// Stream event types. These names are contract-frozen: subscribers and the
// persistence collaborator key on them.
const (
	TypeAttached            = "attached"
	TypeDeleted             = "deleted"
	TypeRunStart            = "run_start"
	TypeRunFinish           = "run_finish"
	TypeSystemBroadcast     = "system_broadcast"
	TypeAgentCtxDelta       = "agent_ctx_delta"
	TypeAgentProcessStart   = "agent_process_start"
	TypeAgentProcessEnd     = "agent_process_end"
	TypeActionStart         = "action_start"
	TypeActionEnd           = "action_end"
	TypeEmotionUpdate       = "emotion_update"
	TypePlanUpdate          = "plan_update"
	TypeAgentError          = "agent_error"
	TypeSystemLog           = "system_log"
	TypeError               = "error"
	TypeExperimentRunStart  = "experiment_run_start"
	TypeExperimentRunFinish = "experiment_run_finish"
	TypeExperimentAction    = "experiment_action"
)

// StreamEvent is the envelope offered to every subscriber queue. Node-level
// subscribers see the bare event; the tree router sets Node before fanning
// out to tree-level subscribers.
type StreamEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	Node int            `json:"node,omitempty"`
}
