package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActor struct {
	name     string
	role     string
	feedback []string
}

func (a *fakeActor) Name() string { return a.name }
func (a *fakeActor) Role() string { return a.role }
func (a *fakeActor) AddEnvFeedback(content string, _ []string) {
	a.feedback = append(a.feedback, content)
}

type fakeEnv struct {
	state     map[string]any
	names     []string
	delivered []string
}

func (e *fakeEnv) State() map[string]any { return e.state }
func (e *fakeEnv) AgentNames() []string  { return e.names }
func (e *fakeEnv) Deliver(content string, _ []string, _ string, _ []string) {
	e.delivered = append(e.delivered, content)
}

func TestDispatch_ValidationOrder(t *testing.T) {
	handled := false
	def := &Definition{
		Name:         "vote",
		AllowedRoles: []string{"*"},
		StateGuard: func(state map[string]any) bool {
			phase, _ := state["phase"].(string)
			return phase == "day"
		},
		StateError: "voting is only allowed during the day",
		ValidateParams: func(data Data) error {
			if data.Param("target") == "" {
				return errors.New("vote requires a <target> parameter")
			}
			return nil
		},
		Handle: func(_ context.Context, data Data, actor Actor, _ Env) (*Outcome, error) {
			handled = true
			return &Outcome{Success: true, Summary: actor.Name() + " voted"}, nil
		},
	}
	env := &fakeEnv{state: map[string]any{"phase": "night"}}

	t.Run("role rejection comes first", func(t *testing.T) {
		out, err := Dispatch(context.Background(), def, Data{Name: "vote"}, &fakeActor{name: "H", role: RoleHost}, env)
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Contains(t, out.Result["error"], "may not perform")
		assert.False(t, handled)
	})

	t.Run("state guard rejection", func(t *testing.T) {
		out, err := Dispatch(context.Background(), def, Data{Name: "vote"}, &fakeActor{name: "A", role: "villager"}, env)
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, "voting is only allowed during the day", out.Result["error"])
		assert.False(t, handled)
	})

	t.Run("parameter rejection", func(t *testing.T) {
		env.state["phase"] = "day"
		out, err := Dispatch(context.Background(), def, Data{Name: "vote"}, &fakeActor{name: "A", role: "villager"}, env)
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Contains(t, out.Result["error"], "target")
		assert.False(t, handled)
	})

	t.Run("handler runs once validation passes", func(t *testing.T) {
		data := Data{Name: "vote", Params: map[string]string{"target": "B"}}
		out, err := Dispatch(context.Background(), def, data, &fakeActor{name: "A", role: "villager"}, env)
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.True(t, handled)
	})
}

func TestDispatch_UnrestrictedRoles(t *testing.T) {
	def := &Definition{
		Name: "observe",
		Handle: func(context.Context, Data, Actor, Env) (*Outcome, error) {
			return &Outcome{Success: true}, nil
		},
	}
	out, err := Dispatch(context.Background(), def, Data{}, &fakeActor{role: RoleHost}, &fakeEnv{})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestDispatch_ExplicitRoleSet(t *testing.T) {
	def := &Definition{
		Name:         "moderate",
		AllowedRoles: []string{RoleHost},
		Handle: func(context.Context, Data, Actor, Env) (*Outcome, error) {
			return &Outcome{Success: true}, nil
		},
	}
	out, err := Dispatch(context.Background(), def, Data{}, &fakeActor{role: RoleHost}, &fakeEnv{})
	require.NoError(t, err)
	assert.True(t, out.Success)

	out, err = Dispatch(context.Background(), def, Data{}, &fakeActor{role: "villager"}, &fakeEnv{})
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestCatalog_MergeDeduplicatesByName(t *testing.T) {
	a := &Definition{Name: "speak"}
	b := &Definition{Name: "idle"}
	dup := &Definition{Name: "speak"}

	c := NewCatalog(a, b, dup)
	assert.Equal(t, []string{"speak", "idle"}, c.Names())
	assert.Same(t, a, c.Get("speak"))
	assert.Equal(t, 2, c.Len())
}

func TestCatalog_SelectPreservesOrder(t *testing.T) {
	c := NewCatalog(&Definition{Name: "a"}, &Definition{Name: "b"}, &Definition{Name: "c"})
	sel := c.Select([]string{"c", "a", "missing"})
	assert.Equal(t, []string{"a", "c"}, sel.Names())
}
