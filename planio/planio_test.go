package planio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/validator"
)

const samplePlanYAML = `
steps:
  - id: S1
    name: fetch-data
    order: 1
    type: tool_call
    required: true
    timeout: 30s
    parameters:
      - name: source
        type: string
        required: true
    retry_policy:
      max_attempts: 3
      backoff_strategy: exponential
      base_delay: 100ms
      max_delay: 5s
      retryable_errors: ["rate_limited"]
    compensation:
      step_id: S1
      action: rollback_fetch
  - id: S2
    name: transform
    order: 2
    type: data_transform
    required: false
    condition:
      expression: "${go}"
      default: true
dependencies:
  - step_id: S2
    depends_on: [S1]
parallel_groups:
  - id: G1
    step_ids: [S1]
    execution_policy: any_success
    max_concurrency: 2
    failure_policy: fail_fast
`

func TestParsePlanYAMLDecodesStepsAndDependencies(t *testing.T) {
	plan, err := ParsePlanYAML([]byte(samplePlanYAML))
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	s1 := plan.Steps[0]
	assert.Equal(t, "S1", s1.ID)
	assert.Equal(t, core.StepToolCall, s1.Type)
	assert.Equal(t, 30*time.Second, s1.Timeout)
	assert.True(t, s1.Required)
	require.Len(t, s1.Parameters, 1)
	assert.Equal(t, "source", s1.Parameters[0].Name)
	require.NotNil(t, s1.Compensation)
	assert.Equal(t, "rollback_fetch", s1.Compensation.Action)

	assert.Equal(t, 3, s1.RetryPolicy.MaxAttempts)
	assert.Equal(t, core.BackoffExponential, s1.RetryPolicy.BackoffStrategy)
	assert.Equal(t, 100*time.Millisecond, s1.RetryPolicy.BaseDelay)
	assert.Equal(t, 5*time.Second, s1.RetryPolicy.MaxDelay)

	s2 := plan.Steps[1]
	require.NotNil(t, s2.Condition)
	assert.Equal(t, "${go}", s2.Condition.Expression)
	assert.True(t, s2.Condition.Default)

	require.Len(t, plan.Dependencies, 1)
	assert.Equal(t, "S2", plan.Dependencies[0].StepID)
	assert.Equal(t, []string{"S1"}, plan.Dependencies[0].DependsOn)
	assert.Equal(t, core.DependencySequential, plan.Dependencies[0].DependencyType)

	require.Len(t, plan.ParallelGroups, 1)
	g := plan.ParallelGroups[0]
	assert.Equal(t, core.PolicyAnySuccess, g.ExecutionPolicy)
	assert.Equal(t, core.FailFast, g.FailurePolicy)
	assert.Equal(t, 2, g.MaxConcurrency)
}

func TestParsePlanYAMLRejectsMalformedYAML(t *testing.T) {
	_, err := ParsePlanYAML([]byte("steps: [this is not valid: yaml: at all"))
	require.Error(t, err)
}

func TestParsePlanYAMLRejectsUnparsableDuration(t *testing.T) {
	_, err := ParsePlanYAML([]byte(`
steps:
  - id: S1
    timeout: "not-a-duration"
`))
	require.Error(t, err)
}

func TestParsePlanYAMLDefaultsDependencyAndGroupPoliciesWhenOmitted(t *testing.T) {
	plan, err := ParsePlanYAML([]byte(`
steps:
  - id: S1
  - id: S2
dependencies:
  - step_id: S2
    depends_on: [S1]
parallel_groups:
  - id: G1
    step_ids: [S1]
`))
	require.NoError(t, err)
	assert.Equal(t, core.DependencySequential, plan.Dependencies[0].DependencyType)
	assert.Equal(t, core.PolicyAllSuccess, plan.ParallelGroups[0].ExecutionPolicy)
	assert.Equal(t, core.Continue, plan.ParallelGroups[0].FailurePolicy)
}

const sampleOperationYAML = `
id: op-1
agent_id: agent-9
user_id: user-1
name: provision-environment
description: provisions a staging environment
type: tool_execution
schema_version: 1
environment: staging
security:
  user_id: user-1
  agent_id: agent-9
  permissions: ["env:write"]
  risk_level: medium
  requires_approval: false
execution:
  resource_limits:
    max_memory_mb: 512
    max_cpu_millis: 1000
    max_duration: 5m
    max_concurrency: 4
  timeout: 10m
  priority: high
  execution_mode: synchronous
metadata:
  version: "1"
  source: console
  tags: ["infra"]
  priority: high
  estimated_cost: 1.5
plan:
  steps:
    - id: S1
      name: allocate
      order: 1
      type: tool_call
      required: true
  dependencies: []
`

func TestLoadOperationYAMLDecodesAndValidates(t *testing.T) {
	v := validator.New(validator.Config{}, nil)
	op, order, err := LoadOperationYAML([]byte(sampleOperationYAML), v)
	require.NoError(t, err)
	require.NotNil(t, op)

	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, "agent-9", op.AgentID)
	assert.Equal(t, core.OperationToolExecution, op.Type)
	assert.Equal(t, core.StatusQueued, op.Status)
	assert.Equal(t, core.EnvStaging, op.Environment)

	assert.Equal(t, core.RiskMedium, op.Security.RiskLevel)
	assert.Equal(t, []string{"env:write"}, op.Security.Permissions)

	assert.Equal(t, int64(512), op.Execution.ResourceLimits.MaxMemoryMB)
	assert.Equal(t, 5*time.Minute, op.Execution.ResourceLimits.MaxDuration)
	assert.Equal(t, 10*time.Minute, op.Execution.Timeout)
	assert.Equal(t, core.PriorityHigh, op.Execution.Priority)

	assert.Equal(t, "console", op.Meta.Source)
	assert.Equal(t, 1.5, op.Meta.EstimatedCost)

	require.Len(t, op.Plan.Steps, 1)
	assert.Equal(t, []string{"S1"}, order)
}

func TestLoadOperationYAMLRejectsMalformedYAML(t *testing.T) {
	v := validator.New(validator.Config{}, nil)
	_, _, err := LoadOperationYAML([]byte("id: [this is not valid: yaml: at all"), v)
	require.Error(t, err)
}

func TestLoadOperationYAMLRejectsOperationThatFailsValidation(t *testing.T) {
	v := validator.New(validator.Config{}, nil)
	_, _, err := LoadOperationYAML([]byte(`
id: op-2
plan:
  steps: []
`), v)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmptyPlan)
}

func TestLoadOperationYAMLDefaultsSecurityAndMetadataWhenOmitted(t *testing.T) {
	v := validator.New(validator.Config{}, nil)
	op, _, err := LoadOperationYAML([]byte(`
id: op-3
execution:
  resource_limits:
    max_memory_mb: 128
    max_cpu_millis: 500
    max_duration: 1m
    max_concurrency: 1
plan:
  steps:
    - id: S1
`), v)
	require.NoError(t, err)
	assert.Equal(t, core.RiskLow, op.Security.RiskLevel)
	assert.Equal(t, core.PriorityNormal, op.Meta.Priority)
	assert.Equal(t, core.ModeSynchronous, op.Execution.ExecutionMode)
}
