package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanUpdate_FullPlan(t *testing.T) {
	plan, err := ParsePlanUpdate(`Goals:
1. Win the election [CURRENT]
2) Keep allies close
Milestones:
1. Announce candidacy [DONE]
2. Hold a rally
Strategy: speak at every gathering
Notes: rival is gaining ground`)
	require.NoError(t, err)
	require.NotNil(t, plan)

	require.Len(t, plan.Goals, 2)
	assert.Equal(t, "Win the election", plan.Goals[0].Text)
	assert.True(t, plan.Goals[0].Current)
	assert.Equal(t, "Keep allies close", plan.Goals[1].Text)

	require.Len(t, plan.Milestones, 2)
	assert.True(t, plan.Milestones[0].Done)
	assert.False(t, plan.Milestones[1].Done)

	assert.Equal(t, "speak at every gathering", plan.Strategy)
	assert.Equal(t, "rival is gaining ground", plan.Notes)
}

func TestParsePlanUpdate_NoChange(t *testing.T) {
	for _, text := range []string{"no change", "No Change", "  no change  ", ""} {
		plan, err := ParsePlanUpdate(text)
		require.NoError(t, err)
		assert.Nil(t, plan)
	}
}

func TestParsePlanUpdate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"unnumbered goal", "Goals:\nwin the election"},
		{"two current goals", "Goals:\n1. a [CURRENT]\n2. b [CURRENT]"},
		{"done on a goal", "Goals:\n1. a [DONE]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlanUpdate(tc.text)
			require.Error(t, err)
		})
	}
}

func TestPlanState_RoundTripThroughString(t *testing.T) {
	plan := PlanState{
		Goals:      []Goal{{Text: "a", Current: true}, {Text: "b"}},
		Milestones: []Milestone{{Text: "m1", Done: true}},
		Strategy:   "s",
		Notes:      "n",
	}
	reparsed, err := ParsePlanUpdate(plan.String())
	require.NoError(t, err)
	require.NotNil(t, reparsed)
	assert.Equal(t, plan, *reparsed)
}

func TestPlanState_CloneIsIndependent(t *testing.T) {
	plan := PlanState{Goals: []Goal{{Text: "a"}}}
	cl := plan.Clone()
	cl.Goals[0].Text = "changed"
	assert.Equal(t, "a", plan.Goals[0].Text)
	assert.False(t, plan.Empty())
	assert.True(t, PlanState{}.Empty())
}
