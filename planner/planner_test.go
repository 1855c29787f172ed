package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaironflow/opscore/core"
)

func TestReadySetOrdersByOrderThenID(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{
		Steps: []core.ExecutionStep{
			{ID: "B", Order: 1},
			{ID: "A", Order: 1},
			{ID: "C", Order: 2},
		},
	}
	state := core.NewOperationState("op-1")
	batches, skipped := a.ReadySet(plan, state, nil)
	assert.Empty(t, skipped)
	assert.Len(t, batches, 3)
	assert.Equal(t, "A", batches[0].Steps[0].ID)
	assert.Equal(t, "B", batches[1].Steps[0].ID)
	assert.Equal(t, "C", batches[2].Steps[0].ID)
}

func TestReadySetRespectsDependencies(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{
		Steps: []core.ExecutionStep{{ID: "S1", Order: 1}, {ID: "S2", Order: 2}},
		Dependencies: []core.StepDependency{
			{StepID: "S2", DependsOn: []string{"S1"}},
		},
	}
	state := core.NewOperationState("op-1")
	batches, _ := a.ReadySet(plan, state, nil)
	assert.Len(t, batches, 1)
	assert.Equal(t, "S1", batches[0].Steps[0].ID)

	state.CompletedSteps["S1"] = struct{}{}
	batches, _ = a.ReadySet(plan, state, nil)
	assert.Len(t, batches, 1)
	assert.Equal(t, "S2", batches[0].Steps[0].ID)
}

func TestReadySetSkipsFalseCondition(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{
		Steps: []core.ExecutionStep{
			{ID: "S1", Order: 1, Condition: &core.StepCondition{Expression: "${go}", Default: false}},
		},
	}
	state := core.NewOperationState("op-1")
	batches, skipped := a.ReadySet(plan, state, nil)
	assert.Empty(t, batches)
	assert.Equal(t, []string{"S1"}, skipped)
}

func TestReadySetExcludesRunningSteps(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{Steps: []core.ExecutionStep{{ID: "S1", Order: 1}}}
	state := core.NewOperationState("op-1")
	batches, _ := a.ReadySet(plan, state, map[string]struct{}{"S1": {}})
	assert.Empty(t, batches)
}

func TestReadySetGroupsParallelSteps(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{
		Steps: []core.ExecutionStep{{ID: "S1", Order: 1}, {ID: "S2", Order: 1}},
		ParallelGroups: []core.ParallelGroup{
			{ID: "G1", StepIDs: []string{"S1", "S2"}, ExecutionPolicy: core.PolicyAllSuccess},
		},
	}
	state := core.NewOperationState("op-1")
	batches, _ := a.ReadySet(plan, state, nil)
	assert.Len(t, batches, 1)
	assert.NotNil(t, batches[0].Group)
	assert.Len(t, batches[0].Steps, 2)
}

func TestReadySetUnblocksDownstreamOfSkippedStep(t *testing.T) {
	a := New(nil)
	plan := core.ExecutionPlan{
		Steps: []core.ExecutionStep{{ID: "S1", Order: 1}, {ID: "S2", Order: 2}},
		Dependencies: []core.StepDependency{
			{StepID: "S2", DependsOn: []string{"S1"}},
		},
	}
	state := core.NewOperationState("op-1")
	state.SkippedSteps["S1"] = struct{}{}
	batches, _ := a.ReadySet(plan, state, nil)
	assert.Len(t, batches, 1)
	assert.Equal(t, "S2", batches[0].Steps[0].ID)
}

func TestIsCompleteTrueWhenAllTerminal(t *testing.T) {
	plan := core.ExecutionPlan{Steps: []core.ExecutionStep{{ID: "S1"}, {ID: "S2"}}}
	state := core.NewOperationState("op-1")
	assert.False(t, IsComplete(plan, state))

	state.CompletedSteps["S1"] = struct{}{}
	state.FailedSteps["S2"] = struct{}{}
	assert.True(t, IsComplete(plan, state))
}

func TestSimpleEvaluatorEqualityExpression(t *testing.T) {
	cond := &core.StepCondition{Expression: `${status} == "ready"`, Default: false}
	assert.True(t, SimpleEvaluator(cond, map[string]interface{}{"status": "ready"}))
	assert.False(t, SimpleEvaluator(cond, map[string]interface{}{"status": "other"}))
}

func TestSimpleEvaluatorTruthiness(t *testing.T) {
	cond := &core.StepCondition{Expression: "${flag}", Default: false}
	assert.True(t, SimpleEvaluator(cond, map[string]interface{}{"flag": true}))
	assert.False(t, SimpleEvaluator(cond, map[string]interface{}{"flag": false}))
}

func TestSimpleEvaluatorNilConditionDefaultsTrue(t *testing.T) {
	assert.True(t, SimpleEvaluator(nil, nil))
}
