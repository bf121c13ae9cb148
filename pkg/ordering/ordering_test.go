package ordering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/scene"
)

type stubSim struct {
	names []string
}

func (s *stubSim) AgentNames() []string              { return s.names }
func (s *stubSim) Agent(string) (*agent.Agent, bool) { return nil, false }
func (s *stubSim) Broadcast(models.Event, []string)  {}
func (s *stubSim) EmitLater(models.StreamEvent)      {}
func (s *stubSim) Turns() int                        { return 0 }

func TestSequential_RotatesInInsertionOrder(t *testing.T) {
	sim := &stubSim{names: []string{"a", "b", "c"}}
	ord, err := New(NameSequential, sim, nil)
	require.NoError(t, err)

	var picked []string
	for i := 0; i < 5; i++ {
		name, ok := ord.Next()
		require.True(t, ok)
		picked = append(picked, name)
		ord.PostTurn()
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, picked)
}

func TestSequential_EmptySimulation(t *testing.T) {
	ord, err := New("", &stubSim{}, nil)
	require.NoError(t, err)
	_, ok := ord.Next()
	assert.False(t, ok)
	ord.PostTurn() // must not panic
}

func TestSequential_StateRoundTrip(t *testing.T) {
	sim := &stubSim{names: []string{"a", "b"}}
	ord, err := New(NameSequential, sim, nil)
	require.NoError(t, err)
	ord.PostTurn()

	restored, err := Deserialize(NameSequential, ord.State(), nil)
	require.NoError(t, err)
	restored.BindSimulation(sim)

	name, ok := restored.Next()
	require.True(t, ok)
	assert.Equal(t, "b", name)
}

func TestCycled_RotationIsFrozen(t *testing.T) {
	sim := &stubSim{names: []string{"a", "b"}}
	ord, err := New(NameCycled, sim, nil)
	require.NoError(t, err)

	// Agents added later do not join the captured rotation.
	sim.names = append(sim.names, "c")

	var picked []string
	for i := 0; i < 4; i++ {
		name, ok := ord.Next()
		require.True(t, ok)
		picked = append(picked, name)
		ord.PostTurn()
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picked)
}

func TestCycled_StateRoundTrip(t *testing.T) {
	sim := &stubSim{names: []string{"x", "y", "z"}}
	ord, err := New(NameCycled, sim, nil)
	require.NoError(t, err)
	ord.PostTurn()
	ord.PostTurn()

	// JSON-shaped state: names as []any, index as float64.
	state := map[string]any{"index": float64(2), "names": []any{"x", "y", "z"}}
	restored, err := Deserialize(NameCycled, state, nil)
	require.NoError(t, err)
	restored.BindSimulation(sim)

	assert.Equal(t, ord.State()["index"], 2)
	name, ok := restored.Next()
	require.True(t, ok)
	assert.Equal(t, "z", name)
}

func TestControlled_DelegatesToScene(t *testing.T) {
	sc, err := scene.New(scene.TypeChat, nil)
	require.NoError(t, err)

	ord, err := New(NameControlled, &stubSim{names: []string{"a"}}, sc)
	require.NoError(t, err)

	// The chat scene has no phase control: every turn is a pause.
	_, ok := ord.Next()
	assert.False(t, ok)
	assert.Empty(t, ord.State())
}

func TestControlled_RequiresScene(t *testing.T) {
	_, err := New(NameControlled, &stubSim{}, nil)
	require.Error(t, err)
	_, err = Deserialize(NameControlled, nil, nil)
	require.Error(t, err)
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("fancy", &stubSim{}, nil)
	require.Error(t, err)
	_, err = Deserialize("fancy", nil, nil)
	require.Error(t, err)
}

func TestClone_DoesNotShareIndex(t *testing.T) {
	sim := &stubSim{names: []string{"a", "b"}}
	ord, err := New(NameSequential, sim, nil)
	require.NoError(t, err)

	cl := ord.Clone()
	cl.BindSimulation(sim)
	cl.PostTurn()

	name, ok := ord.Next()
	require.True(t, ok)
	assert.Equal(t, "a", name)
	name, ok = cl.Next()
	require.True(t, ok)
	assert.Equal(t, "b", name)
}
