package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/registry"
	"github.com/simloom/simloom/pkg/scene"
	"github.com/simloom/simloom/pkg/store"
)

const speakResponse = `Thoughts:
responding

Action:
<Action name="speak"><content>hello</content></Action>

Plan Update:
no change`

func testClients() *llm.Clients {
	return &llm.Clients{Chat: llm.ChatFunc(func(context.Context, []models.Message) (string, error) {
		return speakResponse, nil
	})}
}

type fixture struct {
	store  store.Store
	reg    *registry.Registry
	runner *Runner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Simulations().Save(ctx, &models.SimulationRecord{
		ID:        "sim-1",
		SceneType: scene.TypeChat,
		AgentConfig: []models.AgentSpec{
			{Name: "Alice"}, {Name: "Bob"},
		},
	}))
	require.NoError(t, st.Experiments().SaveExperiment(ctx, &models.Experiment{
		ID:           "exp-1",
		SimulationID: "sim-1",
		BaseNode:     0,
		Name:         "openings",
		Variants: []models.Variant{
			{ID: "v1", Name: "storm", Ops: []models.Op{
				{Op: models.OpBroadcast, Params: map[string]any{"sender": "Narrator", "content": "A storm rolls in."}},
				{Op: models.OpAdvance, Turns: 1},
			}},
			{ID: "v2", Name: "calm", Ops: []models.Op{
				{Op: models.OpAdvance, Turns: 1},
			}},
		},
	}))
	reg := registry.New(st, testClients())
	runner, err := NewRunner(reg, nil, opts)
	require.NoError(t, err)
	t.Cleanup(runner.Close)
	return &fixture{store: st, reg: reg, runner: runner}
}

// waitForRun polls until the run leaves the queued/running states.
func waitForRun(t *testing.T, st store.Store, runID string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.Experiments().GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status != models.RunQueued && run.Status != models.RunRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not settle in time")
	return nil
}

func TestStart_RunsAllVariantsAndCommitsBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.PerRunBudget = 100
	opts.UserID = "u1"
	opts.ProviderID = "openai"
	f := newFixture(t, opts)
	ctx := context.Background()
	require.NoError(t, f.store.Usage().EnsureQuota(ctx, "u1", "openai", 1000))

	runID, err := f.runner.Start(ctx, "sim-1", "exp-1", 1)
	require.NoError(t, err)
	run := waitForRun(t, f.store, runID)
	assert.Equal(t, models.RunFinished, run.Status)

	// The whole reservation moved to used; nothing stays reserved.
	usage, err := f.store.Usage().Get(ctx, "u1", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 200, usage.TokensUsed)
	assert.EqualValues(t, 0, usage.TokensReserved)

	// Both variants branched off the base node and advanced one turn.
	rec, err := f.reg.GetOrCreate(ctx, "sim-1")
	require.NoError(t, err)
	kids := rec.Tree.Children(rec.Tree.Root())
	require.Len(t, kids, 2)
	for _, id := range kids {
		node, ok := rec.Tree.Node(id)
		require.True(t, ok)
		assert.Equal(t, 1, node.Sim.Turns())
	}

	// Variant node ids were recorded on the experiment.
	exp, err := f.store.Experiments().GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	for _, v := range exp.Variants {
		require.NotNil(t, v.NodeID)
	}

	// Aggregated results carry one summary per variant.
	results, ok := run.ResultMeta["results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "v1", results[0]["variant"])
	assert.Equal(t, 1, results[0]["turns"])

	log, err := f.store.SyncLogs().Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RunFinished), log.Status)
}

func TestStart_QuotaDenialRunsWithoutLLM(t *testing.T) {
	opts := DefaultOptions()
	opts.PerRunBudget = 100
	opts.UserID = "u1"
	opts.ProviderID = "openai"
	f := newFixture(t, opts)
	ctx := context.Background()

	// Two variants need 200; only 150 remain.
	require.NoError(t, f.store.Usage().EnsureQuota(ctx, "u1", "openai", 150))

	runID, err := f.runner.Start(ctx, "sim-1", "exp-1", 1)
	require.NoError(t, err)
	run := waitForRun(t, f.store, runID)
	assert.Equal(t, models.RunFinished, run.Status)
	assert.Equal(t, "denied", run.ResultMeta["quota"])

	// Nothing was reserved or spent.
	usage, err := f.store.Usage().Get(ctx, "u1", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 0, usage.TokensUsed)
	assert.EqualValues(t, 0, usage.TokensReserved)

	// Variants ran degraded: agents latched offline instead of speaking.
	rec, err := f.reg.GetOrCreate(ctx, "sim-1")
	require.NoError(t, err)
	for _, id := range rec.Tree.Children(rec.Tree.Root()) {
		var sawAction bool
		for _, ev := range rec.Tree.NodeLogs(id) {
			if ev.Type == models.TypeActionEnd {
				sawAction = true
			}
		}
		assert.False(t, sawAction)
	}
}

func TestStart_NoQuotaConfiguredProceeds(t *testing.T) {
	opts := DefaultOptions()
	opts.UserID = "u1"
	opts.ProviderID = "openai"
	f := newFixture(t, opts)

	// No usage row at all: runs are not budget-limited.
	runID, err := f.runner.Start(context.Background(), "sim-1", "exp-1", 1)
	require.NoError(t, err)
	run := waitForRun(t, f.store, runID)
	assert.Equal(t, models.RunFinished, run.Status)
	assert.NotContains(t, run.ResultMeta, "quota")
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.runner.Start(ctx, "missing", "exp-1", 1)
	require.Error(t, err)
	_, err = f.runner.Start(ctx, "sim-1", "missing", 1)
	require.Error(t, err)

	require.NoError(t, f.store.Experiments().SaveExperiment(ctx, &models.Experiment{
		ID: "empty", SimulationID: "sim-1", BaseNode: 0,
	}))
	_, err = f.runner.Start(ctx, "sim-1", "empty", 1)
	require.ErrorContains(t, err, "no variants")

	require.NoError(t, f.store.Experiments().SaveExperiment(ctx, &models.Experiment{
		ID: "badbase", SimulationID: "sim-1", BaseNode: 42,
		Variants: []models.Variant{{ID: "v", Ops: []models.Op{{Op: models.OpAdvance, Turns: 1}}}},
	}))
	_, err = f.runner.Start(ctx, "sim-1", "badbase", 1)
	require.ErrorContains(t, err, "base node")
}

func TestCancel_ReleasesReservation(t *testing.T) {
	opts := DefaultOptions()
	opts.PerRunBudget = 100
	opts.UserID = "u1"
	opts.ProviderID = "openai"
	f := newFixture(t, opts)
	ctx := context.Background()
	require.NoError(t, f.store.Usage().EnsureQuota(ctx, "u1", "openai", 1000))

	// A slow provider keeps variants in flight long enough to cancel.
	release := make(chan struct{})
	slow := &llm.Clients{Chat: llm.ChatFunc(func(c context.Context, _ []models.Message) (string, error) {
		select {
		case <-release:
		case <-c.Done():
			return "", c.Err()
		}
		return speakResponse, nil
	})}
	rec, err := f.reg.GetOrCreate(ctx, "sim-1")
	require.NoError(t, err)
	root, _ := rec.Tree.Node(rec.Tree.Root())
	root.Sim.SetClients(slow)

	runID, err := f.runner.Start(ctx, "sim-1", "exp-1", 3)
	require.NoError(t, err)
	require.NoError(t, f.runner.Cancel(ctx, runID))
	close(release)

	run := waitForRun(t, f.store, runID)
	assert.Equal(t, models.RunCancelled, run.Status)

	// The release happens when the background settle finishes.
	f.runner.Close()
	usage, err := f.store.Usage().Get(ctx, "u1", "openai")
	require.NoError(t, err)
	assert.EqualValues(t, 0, usage.TokensUsed)
	assert.EqualValues(t, 0, usage.TokensReserved)
}

func TestAggregate_CollectsVotesAndEmotions(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	rec, err := f.reg.GetOrCreate(ctx, "sim-1")
	require.NoError(t, err)

	child, err := rec.Tree.Branch(rec.Tree.Root(), []models.Op{{Op: models.OpAdvance, Turns: 1}})
	require.NoError(t, err)
	node, _ := rec.Tree.Node(child)
	node.Sim.EmitLater(models.StreamEvent{Type: models.TypeActionEnd,
		Data: map[string]any{"action": "vote", "params": map[string]string{"target": "Bob"}}})
	node.Sim.EmitLater(models.StreamEvent{Type: models.TypeActionEnd,
		Data: map[string]any{"action": "vote", "params": map[string]any{"target": "Bob"}}})
	node.Sim.EmitLater(models.StreamEvent{Type: models.TypeEmotionUpdate,
		Data: map[string]any{"agent": "Alice", "emotion": "tense"}})
	require.NoError(t, rec.Tree.Run(ctx, child, 1))

	exp, err := f.store.Experiments().GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	results := f.runner.aggregate(rec, exp, []int{child})
	require.Len(t, results, 1)

	assert.Equal(t, map[string]int{"Bob": 2}, results[0]["votes"])
	assert.Equal(t, map[string][]string{"Alice": {"tense"}}, results[0]["emotions"])
	assert.NotEmpty(t, results[0]["events"])

	// Deleted nodes are reported, not skipped.
	gone := f.runner.aggregate(rec, exp, []int{99})
	require.Len(t, gone, 1)
	assert.Equal(t, true, gone[0]["deleted"])
}
