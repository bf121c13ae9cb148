package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/scene"
)

func speakResponse(content string) string {
	return fmt.Sprintf(`Thoughts:
responding

Plan:
keep the conversation going

Action:
<Action name="speak"><content>%s</content></Action>

Plan Update:
no change`, content)
}

func chatClients(response string) *llm.Clients {
	return &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		return response, nil
	})}
}

func newChatSimulator(t *testing.T, clients *llm.Clients, names ...string) *Simulator {
	t.Helper()
	sc, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)
	s := New(sc, clients, DefaultOptions())
	for _, name := range names {
		require.NoError(t, s.AddAgent(agent.New(models.AgentSpec{Name: name}, agent.DefaultOptions())))
	}
	return s
}

func collectEvents(s *Simulator) *[]models.StreamEvent {
	events := &[]models.StreamEvent{}
	s.SetEmitter(func(ev models.StreamEvent) { *events = append(*events, ev) })
	return events
}

func eventTypes(events []models.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRun_OneTurnProducesActionAndBroadcast(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hello")), "Alice", "Bob")
	events := collectEvents(s)

	require.NoError(t, s.Run(context.Background(), 1))
	assert.Equal(t, 1, s.Turns())

	types := eventTypes(*events)
	assert.Contains(t, types, models.TypeAgentProcessStart)
	assert.Contains(t, types, models.TypeActionStart)
	assert.Contains(t, types, models.TypeSystemBroadcast)
	assert.Contains(t, types, models.TypeActionEnd)
	assert.Contains(t, types, models.TypeAgentProcessEnd)

	// Alice's words reached Bob's memory, rendered with the scene clock.
	bob, ok := s.Agent("Bob")
	require.True(t, ok)
	last, ok := bob.Memory().Last()
	require.True(t, ok)
	assert.Equal(t, "[08:00] Alice: hello", last.Content)

	// The speaker does not hear their own broadcast.
	alice, _ := s.Agent("Alice")
	for _, m := range alice.Memory().Messages() {
		if m.Role == models.RoleUser {
			assert.NotContains(t, m.Content, "Alice: hello")
		}
	}
}

func TestRun_AlternatesAgents(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hi")), "Alice", "Bob")
	var actors []string
	s.SetEmitter(func(ev models.StreamEvent) {
		if ev.Type == models.TypeAgentProcessStart {
			actors = append(actors, ev.Data["agent"].(string))
		}
	})

	require.NoError(t, s.Run(context.Background(), 3))
	assert.Equal(t, []string{"Alice", "Bob", "Alice"}, actors)
	assert.Equal(t, 3, s.Turns())
}

func TestRun_StepLoopIsBounded(t *testing.T) {
	// A response that never passes control would loop forever without the
	// per-turn step bound.
	noYield := `Thoughts:
t

Action:
<Action name="ping"/>

Plan Update:
no change`

	sc, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.MaxStepsPerTurn = 3
	s := New(sc, chatClients(noYield), opts)

	a := agent.New(models.AgentSpec{Name: "Alice"}, agent.DefaultOptions())
	require.NoError(t, s.AddAgent(a))

	steps := 0
	s.SetEmitter(func(ev models.StreamEvent) {
		if ev.Type == models.TypeActionStart {
			steps++
		}
	})
	require.NoError(t, s.Run(context.Background(), 1))
	assert.Equal(t, 3, steps)
}

func TestRun_ActionRejectionFeedsBack(t *testing.T) {
	// speak without content fails parameter validation; the rejection must
	// come back as env feedback, not an error.
	noContent := `Thoughts:
t

Action:
<Action name="speak"/>

Plan Update:
no change`

	s := newChatSimulator(t, chatClients(noContent), "Alice")
	var ends []models.StreamEvent
	s.SetEmitter(func(ev models.StreamEvent) {
		if ev.Type == models.TypeActionEnd {
			ends = append(ends, ev)
		}
	})

	require.NoError(t, s.Run(context.Background(), 1))
	require.NotEmpty(t, ends)
	assert.Equal(t, false, ends[0].Data["success"])

	alice, _ := s.Agent("Alice")
	var sawRejection bool
	for _, m := range alice.Memory().Messages() {
		if m.Role == models.RoleUser && strings.Contains(m.Content, "rejected") {
			sawRejection = true
		}
	}
	assert.True(t, sawRejection)
}

func TestRun_OfflineAgentDerivesWarningLog(t *testing.T) {
	failing := &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		return "", errors.New("provider down")
	})}

	sc, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)
	s := New(sc, failing, DefaultOptions())

	opts := agent.DefaultOptions()
	opts.MaxConsecutiveLLMErrors = 1
	require.NoError(t, s.AddAgent(agent.New(models.AgentSpec{Name: "Alice"}, opts)))
	events := collectEvents(s)

	require.NoError(t, s.Run(context.Background(), 2))

	var offline, warnings int
	for _, ev := range *events {
		if ev.Type == models.TypeAgentError && ev.Data["kind"] == agent.FailureOffline {
			offline++
		}
		if ev.Type == models.TypeSystemLog && ev.Data["level"] == "warning" {
			warnings++
		}
	}
	assert.Equal(t, 1, offline)
	assert.Equal(t, 1, warnings)
}

func TestRun_ContextCancellation(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hi")), "Alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Turns())
}

func TestEmitLater_FlushesAtQuiescence(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hi")), "Alice")
	events := collectEvents(s)

	s.EmitLater(models.StreamEvent{Type: "custom", Data: map[string]any{"k": "v"}})
	assert.Empty(t, *events)

	require.NoError(t, s.Run(context.Background(), 1))
	assert.Contains(t, eventTypes(*events), "custom")
}

func TestClone_IsDeepIndependent(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hi")), "Alice", "Bob")
	require.NoError(t, s.Run(context.Background(), 1))
	before, err := json.Marshal(s.Serialize())
	require.NoError(t, err)

	cl := s.Clone()
	cl.SetEmitter(func(models.StreamEvent) {})
	require.NoError(t, cl.Run(context.Background(), 2))

	after, err := json.Marshal(s.Serialize())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, 3, cl.Turns())
	assert.Equal(t, 1, s.Turns())
}

func TestSerialize_RoundTrip(t *testing.T) {
	clients := chatClients(speakResponse("hello"))
	s := newChatSimulator(t, clients, "Alice", "Bob")
	require.NoError(t, s.Run(context.Background(), 2))

	raw, err := s.SerializeJSON()
	require.NoError(t, err)
	restored, err := DeserializeJSON(raw, clients)
	require.NoError(t, err)

	raw2, err := restored.SerializeJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(raw2))

	assert.Equal(t, 2, restored.Turns())
	assert.Equal(t, []string{"Alice", "Bob"}, restored.AgentNames())

	// The restored simulator keeps advancing.
	restored.SetEmitter(func(models.StreamEvent) {})
	require.NoError(t, restored.Run(context.Background(), 1))
	assert.Equal(t, 3, restored.Turns())
}

func TestAddAgent_DuplicateRejected(t *testing.T) {
	s := newChatSimulator(t, nil, "Alice")
	err := s.AddAgent(agent.New(models.AgentSpec{Name: "Alice"}, agent.DefaultOptions()))
	require.Error(t, err)
}

func TestClone_NestedPropertiesAreIndependent(t *testing.T) {
	s := newChatSimulator(t, chatClients(speakResponse("hi")), "Alice")
	alice, _ := s.Agent("Alice")
	alice.SetProperty("position", map[string]any{"x": 1})

	cl := s.Clone()
	clAlice, _ := cl.Agent("Alice")
	pos, ok := clAlice.Property("position")
	require.True(t, ok)
	pos.(map[string]any)["x"] = 99

	orig, ok := alice.Property("position")
	require.True(t, ok)
	assert.Equal(t, 1, orig.(map[string]any)["x"])
}

// stubScene overrides action handling on top of the chat scene so tests can
// inject scene-level behavior.
type stubScene struct {
	scene.Scene
	handle func(ctx context.Context, data action.Data, a *agent.Agent, sim scene.Simulation) (*action.Outcome, error)
}

func (s *stubScene) ParseAndHandleAction(ctx context.Context, data action.Data, a *agent.Agent, sim scene.Simulation) (*action.Outcome, error) {
	return s.handle(ctx, data, a, sim)
}

func newStubSimulator(t *testing.T, clients *llm.Clients, opts Options, handle func(ctx context.Context, data action.Data, a *agent.Agent, sim scene.Simulation) (*action.Outcome, error)) *Simulator {
	t.Helper()
	base, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)
	s := New(&stubScene{Scene: base, handle: handle}, clients, opts)
	require.NoError(t, s.AddAgent(agent.New(models.AgentSpec{Name: "Alice"}, agent.DefaultOptions())))
	return s
}

func TestRun_SceneErrorEndsTurn(t *testing.T) {
	s := newStubSimulator(t, chatClients(speakResponse("hi")), DefaultOptions(),
		func(context.Context, action.Data, *agent.Agent, scene.Simulation) (*action.Outcome, error) {
			return nil, errors.New("table missing")
		})
	events := collectEvents(s)

	require.NoError(t, s.Run(context.Background(), 1))
	assert.Equal(t, 1, s.Turns())

	var errs []models.StreamEvent
	for _, ev := range *events {
		if ev.Type == models.TypeError {
			errs = append(errs, ev)
		}
	}
	require.Len(t, errs, 1)
	data := errs[0].Data
	assert.Equal(t, "table missing", data["error"])
	assert.Equal(t, "Alice", data["agent"])
	assert.Equal(t, 0, data["step"])
	assert.Equal(t, 0, data["turn"])
	assert.Equal(t, scene.TypeChat, data["scene"])
	assert.NotEmpty(t, data["ordering"])
	assert.NotEmpty(t, data["traceback"])

	// The failing dispatch ends the step loop: no action_end, no retry.
	types := eventTypes(*events)
	assert.NotContains(t, types, models.TypeActionEnd)
	assert.Equal(t, 1, countType(types, models.TypeActionStart))
}

func TestRun_ProcessEventsBracketEachStep(t *testing.T) {
	// ping never yields, so the step bound ends the turn after two steps.
	noYield := `Thoughts:
t

Action:
<Action name="ping"/>

Plan Update:
no change`

	sc, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.MaxStepsPerTurn = 2
	s := New(sc, chatClients(noYield), opts)
	require.NoError(t, s.AddAgent(agent.New(models.AgentSpec{Name: "Alice"}, agent.DefaultOptions())))
	events := collectEvents(s)

	require.NoError(t, s.Run(context.Background(), 1))

	var starts, ends []models.StreamEvent
	for _, ev := range *events {
		switch ev.Type {
		case models.TypeAgentProcessStart:
			starts = append(starts, ev)
		case models.TypeAgentProcessEnd:
			ends = append(ends, ev)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, 0, starts[0].Data["step"])
	assert.Equal(t, 1, starts[1].Data["step"])
	require.Len(t, ends, 2)
	assert.Equal(t, []string{"ping"}, ends[0].Data["actions"])
}

func TestRun_FlushesDeferredEventsAfterEachAction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxStepsPerTurn = 2
	s := newStubSimulator(t, chatClients(speakResponse("hi")), opts,
		func(_ context.Context, _ action.Data, _ *agent.Agent, sim scene.Simulation) (*action.Outcome, error) {
			sim.EmitLater(models.StreamEvent{Type: "scene_note"})
			return &action.Outcome{Success: true}, nil
		})
	events := collectEvents(s)

	require.NoError(t, s.Run(context.Background(), 1))

	// The note deferred during the first action surfaces before the second
	// step begins, not at turn end.
	types := eventTypes(*events)
	firstNote, secondStart := -1, -1
	seenStarts := 0
	for i, typ := range types {
		if typ == "scene_note" && firstNote < 0 {
			firstNote = i
		}
		if typ == models.TypeAgentProcessStart {
			seenStarts++
			if seenStarts == 2 {
				secondStart = i
			}
		}
	}
	require.GreaterOrEqual(t, firstNote, 0)
	require.GreaterOrEqual(t, secondStart, 0)
	assert.Less(t, firstNote, secondStart)
}

func TestHandleActions_StopsAfterControlPassed(t *testing.T) {
	var handled []string
	s := newStubSimulator(t, nil, DefaultOptions(),
		func(_ context.Context, data action.Data, _ *agent.Agent, _ scene.Simulation) (*action.Outcome, error) {
			handled = append(handled, data.Name)
			return &action.Outcome{Success: true, PassControl: true}, nil
		})
	s.SetEmitter(func(models.StreamEvent) {})

	alice, _ := s.Agent("Alice")
	yielded, failed := s.handleActions(context.Background(), alice, 0, []action.Data{{Name: "speak"}, {Name: "idle"}})
	assert.True(t, yielded)
	assert.False(t, failed)
	assert.Equal(t, []string{"speak"}, handled)
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}
