package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
)

const cannedSpeak = `Thoughts:
time to speak

Plan:
keep talking

Action:
<Action name="speak"><content>hello</content></Action>

Plan Update:
no change`

func scriptedClients(responses ...string) *llm.Clients {
	i := 0
	return &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		if i >= len(responses) {
			return responses[len(responses)-1], nil
		}
		r := responses[i]
		i++
		return r, nil
	})}
}

func failingClients() *llm.Clients {
	return &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		return "", errors.New("provider unavailable")
	})}
}

func newTestAgent(opts Options) *Agent {
	a := New(models.AgentSpec{Name: "Alice", Profile: "a villager"}, opts)
	a.MergeActions(&action.Definition{Name: "speak", Instructions: "say something"})
	return a
}

func TestProcess_HappyPath(t *testing.T) {
	a := newTestAgent(DefaultOptions())
	a.AddEnvFeedback("[08:00] Bob: hi Alice", nil)

	actions := a.Process(context.Background(), scriptedClients(cannedSpeak), false, nil)
	require.Len(t, actions, 1)
	assert.Equal(t, "speak", actions[0].Name)
	assert.Equal(t, "hello", actions[0].Param("content"))

	// The raw response joins memory as the assistant's own words.
	last, ok := a.Memory().Last()
	require.True(t, ok)
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.False(t, a.Offline())
}

func TestProcess_SkipsWhenNothingNew(t *testing.T) {
	calls := 0
	clients := &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		calls++
		return cannedSpeak, nil
	})}

	a := newTestAgent(DefaultOptions())
	a.AddEnvFeedback("something happened", nil)

	require.Len(t, a.Process(context.Background(), clients, false, nil), 1)
	// Memory unchanged since the agent's own response: nothing to react to.
	assert.Empty(t, a.Process(context.Background(), clients, false, nil))
	assert.Equal(t, 1, calls)

	// Initiative forces a step regardless.
	require.Len(t, a.Process(context.Background(), clients, true, nil), 1)
	assert.Equal(t, 2, calls)
}

func TestProcess_ParseFailureRetriesThenRecovers(t *testing.T) {
	a := newTestAgent(DefaultOptions())
	clients := scriptedClients("not a valid response", cannedSpeak)

	actions := a.Process(context.Background(), clients, true, nil)
	require.Len(t, actions, 1)
	assert.Equal(t, "speak", actions[0].Name)
	assert.False(t, a.Offline())
}

func TestProcess_OfflineLatch(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConsecutiveLLMErrors = 2
	opts.MaxRepeat = 3
	a := newTestAgent(opts)

	var events []models.StreamEvent
	a.BindEmitter(func(ev models.StreamEvent) { events = append(events, ev) })

	assert.Empty(t, a.Process(context.Background(), failingClients(), true, nil))
	assert.True(t, a.Offline())

	offline := 0
	for _, ev := range events {
		if ev.Type == models.TypeAgentError && ev.Data["kind"] == FailureOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)

	// Latched: no further LLM calls, no further events.
	before := len(events)
	assert.Empty(t, a.Process(context.Background(), failingClients(), true, nil))
	assert.Empty(t, a.Process(context.Background(), scriptedClients(cannedSpeak), true, nil))
	assert.Equal(t, before, len(events))
}

func TestSerialize_RoundTripPreservesOfflineLatch(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConsecutiveLLMErrors = 1
	a := newTestAgent(opts)
	a.AddEnvFeedback("[08:00] Bob: hi", nil)
	a.Process(context.Background(), failingClients(), true, nil)
	require.True(t, a.Offline())

	resolve := func(names []string) *action.Catalog {
		return action.NewCatalog(&action.Definition{Name: "speak"})
	}
	restored, err := Deserialize(a.Serialize(), resolve)
	require.NoError(t, err)

	assert.True(t, restored.Offline())
	assert.Equal(t, a.Memory().Len(), restored.Memory().Len())
	assert.Empty(t, restored.Process(context.Background(), scriptedClients(cannedSpeak), true, nil))
}

func TestSerialize_RoundTripPreservesState(t *testing.T) {
	a := newTestAgent(DefaultOptions())
	a.SetProperty("gold", 12)
	a.SetKnowledge([]models.KnowledgeItem{{ID: "k1", Title: "Map", Content: "the well is north", Enabled: true}}, nil)
	a.AddEnvFeedback("[08:00] Bob: hi", nil)
	require.Len(t, a.Process(context.Background(), scriptedClients(cannedSpeak), false, nil), 1)

	st := a.Serialize()
	restored, err := Deserialize(st, func([]string) *action.Catalog {
		return action.NewCatalog(&action.Definition{Name: "speak"})
	})
	require.NoError(t, err)

	assert.Equal(t, a.Name(), restored.Name())
	assert.Equal(t, a.Memory().Messages(), restored.Memory().Messages())
	assert.Equal(t, a.KnowledgeBase(), restored.KnowledgeBase())
	v, ok := restored.Property("gold")
	require.True(t, ok)
	assert.EqualValues(t, 12, v)
	assert.Equal(t, []string{"speak"}, restored.Catalog().Names())
}

func TestDeserialize_RejectsCorruptHistoryLength(t *testing.T) {
	st := State{Name: "Alice", LastHistoryLength: 5}
	_, err := Deserialize(st, nil)
	require.Error(t, err)

	_, err = Deserialize(State{}, nil)
	require.Error(t, err)
}

func TestClone_IsDeepIndependent(t *testing.T) {
	a := newTestAgent(DefaultOptions())
	a.AddEnvFeedback("original", nil)
	a.SetProperty("mood", "calm")

	cl := a.Clone()
	cl.AddEnvFeedback("clone only", nil)
	cl.SetProperty("mood", "angry")

	assert.Equal(t, 1, a.Memory().Len())
	assert.Equal(t, 2, cl.Memory().Len())
	v, _ := a.Property("mood")
	assert.Equal(t, "calm", v)
}

func TestAddEnvFeedback_EmitsContextDelta(t *testing.T) {
	a := newTestAgent(DefaultOptions())
	var events []models.StreamEvent
	a.BindEmitter(func(ev models.StreamEvent) { events = append(events, ev) })

	a.AddEnvFeedback("[08:00] Bob: hi", []string{"http://img/1.png"})

	require.Len(t, events, 1)
	assert.Equal(t, models.TypeAgentCtxDelta, events[0].Type)
	last, ok := a.Memory().Last()
	require.True(t, ok)
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, []string{"http://img/1.png"}, last.Media)
}
