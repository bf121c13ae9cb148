package scene

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/models"
)

// TypeChat is the built-in free-conversation scene. Game-specific rule sets
// (maps, voting, hidden roles) are plug-ins registered by their own
// packages; this scene is the minimal rule set the registry always has.
const TypeChat = "chat"

func init() {
	Register(TypeChat, NewChat, deserializeChat, "")
}

// ChatScene lets agents talk publicly or send direct messages. An optional
// social network restricts who hears public speech.
type ChatScene struct {
	state         map[string]any
	complete      bool
	initialEvents []models.Event
}

// NewChat builds a chat scene. Config keys: "minutes_per_turn" (default 5),
// "duration" (simulated minutes until completion, 0 = endless),
// "social_network" (name → list of neighbor names), "initial_event" /
// "initial_events", "start_time" (minutes since midnight, default 8:00).
func NewChat(config map[string]any) (Scene, error) {
	s := &ChatScene{
		state: map[string]any{
			"time":             asInt(config["start_time"], 8*60),
			"minutes_per_turn": asInt(config["minutes_per_turn"], 5),
			"duration":         asInt(config["duration"], 0),
		},
	}
	if sn, ok := config["social_network"].(map[string]any); ok {
		s.state["social_network"] = sn
	}
	s.initialEvents = parseInitialEvents(config)
	return s, nil
}

// Type implements Scene.
func (s *ChatScene) Type() string { return TypeChat }

// Description implements Scene.
func (s *ChatScene) Description() string {
	return "A free-form conversation. Participants may speak publicly or send direct messages to each other."
}

// Guidelines implements Scene.
func (s *ChatScene) Guidelines() string {
	return "Stay in character. React to what others say. Keep each contribution short and conversational."
}

// Clock implements Scene.
func (s *ChatScene) Clock() string {
	minutes := asInt(s.state["time"], 0)
	return fmt.Sprintf("%02d:%02d", (minutes/60)%24, minutes%60)
}

// State implements Scene.
func (s *ChatScene) State() map[string]any { return s.state }

// InitializeAgent implements Scene.
func (s *ChatScene) InitializeAgent(a *agent.Agent) {
	if a.Role() == "" {
		a.SetRole("member")
	}
}

// SceneActions implements Scene.
func (s *ChatScene) SceneActions(*agent.Agent) []*action.Definition {
	return []*action.Definition{speakAction, sendMessageAction, idleAction}
}

// BasicActions returns the actions every agent gets regardless of the
// configured action selection.
func (s *ChatScene) BasicActions() []*action.Definition {
	return []*action.Definition{idleAction}
}

// ParseAndHandleAction implements Scene.
func (s *ChatScene) ParseAndHandleAction(ctx context.Context, data action.Data, a *agent.Agent, sim Simulation) (*action.Outcome, error) {
	def := a.Catalog().Get(data.Name)
	if def == nil {
		return &action.Outcome{
			Success: false,
			Result:  map[string]any{"error": fmt.Sprintf("unknown action %q", data.Name)},
			Summary: fmt.Sprintf("%s attempted unknown action %q", a.Name(), data.Name),
		}, nil
	}
	env := &DispatchEnv{SceneState: s.state, Sim: sim}
	return action.Dispatch(ctx, def, data, a, env)
}

// ShouldSkipTurn implements Scene.
func (s *ChatScene) ShouldSkipTurn(*agent.Agent, Simulation) bool { return false }

// PostTurn implements Scene.
func (s *ChatScene) PostTurn(_ context.Context, _ *agent.Agent, _ Simulation) error {
	s.state["time"] = asInt(s.state["time"], 0) + asInt(s.state["minutes_per_turn"], 5)
	if d := asInt(s.state["duration"], 0); d > 0 {
		elapsed := asInt(s.state["time"], 0) - 8*60
		if elapsed >= d {
			s.complete = true
		}
	}
	return nil
}

// IsComplete implements Scene.
func (s *ChatScene) IsComplete() bool { return s.complete }

// ControlledNext implements Scene. Chat has no phase control.
func (s *ChatScene) ControlledNext(Simulation) (string, bool) { return "", false }

// AgentStatusPrompt implements Scene.
func (s *ChatScene) AgentStatusPrompt(*agent.Agent) string { return "" }

// InitialEvents implements Scene.
func (s *ChatScene) InitialEvents() []models.Event {
	return append([]models.Event(nil), s.initialEvents...)
}

// Clone implements Scene with a full deep copy of the mutable state.
func (s *ChatScene) Clone() Scene {
	return &ChatScene{
		state:         deepCopyMap(s.state),
		complete:      s.complete,
		initialEvents: append([]models.Event(nil), s.initialEvents...),
	}
}

// Serialize implements Scene.
func (s *ChatScene) Serialize() map[string]any {
	events := make([]map[string]any, 0, len(s.initialEvents))
	for _, ev := range s.initialEvents {
		events = append(events, map[string]any{
			"kind": string(ev.Kind), "sender": ev.Sender, "content": ev.Content,
		})
	}
	return map[string]any{
		"type":           TypeChat,
		"state":          deepCopyMap(s.state),
		"complete":       s.complete,
		"initial_events": events,
	}
}

func deserializeChat(data map[string]any) (Scene, error) {
	s := &ChatScene{state: map[string]any{}}
	if st, ok := data["state"].(map[string]any); ok {
		s.state = deepCopyMap(st)
	}
	s.complete, _ = data["complete"].(bool)
	if raw, ok := data["initial_events"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				ev := models.Event{Kind: models.EventPublic}
				if k, ok := m["kind"].(string); ok && k != "" {
					ev.Kind = models.EventKind(k)
				}
				ev.Sender, _ = m["sender"].(string)
				ev.Content, _ = m["content"].(string)
				s.initialEvents = append(s.initialEvents, ev)
			}
		}
	}
	return s, nil
}

// --- chat actions (stateless, shared across agents and nodes) ---

var speakAction = &action.Definition{
	Name:         "speak",
	Instructions: "Say something aloud. Parameter: <content>what you say</content>.",
	AllowedRoles: []string{"*"},
	ValidateParams: func(data action.Data) error {
		if data.Param("content") == "" {
			return fmt.Errorf("speak requires a non-empty <content> parameter")
		}
		return nil
	},
	Handle: func(_ context.Context, data action.Data, actor action.Actor, env action.Env) (*action.Outcome, error) {
		receivers := audienceFor(env, actor.Name())
		env.Deliver(data.Param("content"), nil, actor.Name(), receivers)
		return &action.Outcome{
			Success:     true,
			Summary:     fmt.Sprintf("%s spoke", actor.Name()),
			Result:      map[string]any{"content": data.Param("content")},
			PassControl: true,
		}, nil
	},
}

var sendMessageAction = &action.Definition{
	Name:         "send_message",
	Instructions: "Send a private message. Parameters: <to>recipient name</to><content>message</content>.",
	AllowedRoles: []string{"*"},
	ValidateParams: func(data action.Data) error {
		if data.Param("to") == "" || data.Param("content") == "" {
			return fmt.Errorf("send_message requires <to> and <content> parameters")
		}
		return nil
	},
	Handle: func(_ context.Context, data action.Data, actor action.Actor, env action.Env) (*action.Outcome, error) {
		target := data.Param("to")
		if !contains(env.AgentNames(), target) {
			return &action.Outcome{
				Success: false,
				Result:  map[string]any{"error": fmt.Sprintf("no such agent %q", target)},
				Summary: fmt.Sprintf("%s messaged unknown agent %q", actor.Name(), target),
			}, nil
		}
		env.Deliver(fmt.Sprintf("(privately) %s", data.Param("content")), nil, actor.Name(), []string{target})
		return &action.Outcome{
			Success:     true,
			Summary:     fmt.Sprintf("%s messaged %s", actor.Name(), target),
			Result:      map[string]any{"to": target},
			PassControl: true,
		}, nil
	},
}

var idleAction = &action.Definition{
	Name:         "idle",
	Instructions: "Do nothing this step and yield the turn.",
	Handle: func(_ context.Context, _ action.Data, actor action.Actor, _ action.Env) (*action.Outcome, error) {
		return &action.Outcome{
			Success:     true,
			Summary:     fmt.Sprintf("%s idled", actor.Name()),
			PassControl: true,
		}, nil
	},
}

// audienceFor restricts public speech to social-network neighbors when a
// network is configured; otherwise everyone except the speaker hears it.
func audienceFor(env action.Env, speaker string) []string {
	var receivers []string
	if sn, ok := env.State()["social_network"].(map[string]any); ok {
		if neighbors, ok := sn[speaker].([]any); ok {
			for _, n := range neighbors {
				if name, ok := n.(string); ok {
					receivers = append(receivers, name)
				}
			}
			return receivers
		}
	}
	for _, name := range env.AgentNames() {
		if name != speaker {
			receivers = append(receivers, name)
		}
	}
	return receivers
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// asInt tolerates JSON round-trips that turn ints into float64.
func asInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

// deepCopyMap copies a JSON-shaped map.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(t)
		case []any:
			cp := make([]any, len(t))
			for i, item := range t {
				if im, ok := item.(map[string]any); ok {
					cp[i] = deepCopyMap(im)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func parseInitialEvents(config map[string]any) []models.Event {
	var events []models.Event
	appendEvent := func(v any) {
		switch t := v.(type) {
		case string:
			events = append(events, models.Event{Kind: models.EventPublic, Content: t})
		case map[string]any:
			ev := models.Event{Kind: models.EventPublic}
			if k, ok := t["kind"].(string); ok && k != "" {
				ev.Kind = models.EventKind(k)
			}
			ev.Sender, _ = t["sender"].(string)
			ev.Content, _ = t["content"].(string)
			events = append(events, ev)
		}
	}
	if v, ok := config["initial_event"]; ok {
		appendEvent(v)
	}
	if list, ok := config["initial_events"].([]any); ok {
		for _, v := range list {
			appendEvent(v)
		}
	}
	return events
}
