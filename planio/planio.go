// Package planio decodes an operator-authored ExecutionPlan from YAML, the
// way gomind's orchestration engine accepts a WorkflowDefinition
// (workflow_engine.go's ParseWorkflowYAML): a plain YAML document with its
// own wire-format field names, translated into the domain type rather than
// unmarshaled directly onto it.
package planio

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/validator"
)

type planDefinition struct {
	Steps          []stepDefinition       `yaml:"steps"`
	Dependencies   []dependencyDefinition `yaml:"dependencies"`
	ParallelGroups []groupDefinition      `yaml:"parallel_groups"`
}

type paramDefinition struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type conditionDefinition struct {
	Expression string            `yaml:"expression"`
	Bindings   map[string]string `yaml:"bindings"`
	Default    bool              `yaml:"default"`
}

type retryDefinition struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffStrategy string   `yaml:"backoff_strategy"`
	BaseDelay       string   `yaml:"base_delay"`
	MaxDelay        string   `yaml:"max_delay"`
	RetryableErrors []string `yaml:"retryable_errors"`
}

type compensationDefinition struct {
	StepID        string                 `yaml:"step_id"`
	Action        string                 `yaml:"action"`
	Configuration map[string]interface{} `yaml:"configuration"`
}

type stepDefinition struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Order         int                    `yaml:"order"`
	Type          string                 `yaml:"type"`
	Configuration map[string]interface{} `yaml:"configuration"`
	Parameters    []paramDefinition      `yaml:"parameters"`
	InputMapping  map[string]string      `yaml:"input_mapping"`
	OutputMapping map[string]string      `yaml:"output_mapping"`
	Condition     *conditionDefinition   `yaml:"condition"`
	Timeout       string                 `yaml:"timeout"`
	RetryPolicy   *retryDefinition       `yaml:"retry_policy"`
	Compensation  *compensationDefinition `yaml:"compensation"`
	Required      bool                   `yaml:"required"`
}

type dependencyDefinition struct {
	StepID         string   `yaml:"step_id"`
	DependsOn      []string `yaml:"depends_on"`
	DependencyType string   `yaml:"dependency_type"`
}

type groupDefinition struct {
	ID              string   `yaml:"id"`
	StepIDs         []string `yaml:"step_ids"`
	ExecutionPolicy string   `yaml:"execution_policy"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	FailurePolicy   string   `yaml:"failure_policy"`
}

type securityContextDefinition struct {
	UserID             string   `yaml:"user_id"`
	AgentID            string   `yaml:"agent_id"`
	Permissions        []string `yaml:"permissions"`
	RiskLevel          string   `yaml:"risk_level"`
	RequiresApproval   bool     `yaml:"requires_approval"`
	ApprovalWorkflowID string   `yaml:"approval_workflow_id"`
}

type resourceLimitsDefinition struct {
	MaxMemoryMB    int64  `yaml:"max_memory_mb"`
	MaxCPUMillis   int64  `yaml:"max_cpu_millis"`
	MaxDuration    string `yaml:"max_duration"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

type executionContextDefinition struct {
	ResourceLimits resourceLimitsDefinition `yaml:"resource_limits"`
	Timeout        string                   `yaml:"timeout"`
	RetryPolicy    *retryDefinition         `yaml:"retry_policy"`
	Priority       string                   `yaml:"priority"`
	ExecutionMode  string                   `yaml:"execution_mode"`
}

type metadataDefinition struct {
	Version        string   `yaml:"version"`
	Source         string   `yaml:"source"`
	Tags           []string `yaml:"tags"`
	Priority       string   `yaml:"priority"`
	EstimatedCost  float64  `yaml:"estimated_cost"`
	BusinessImpact string   `yaml:"business_impact"`
}

type operationDefinition struct {
	ID             string                       `yaml:"id"`
	AgentID        string                       `yaml:"agent_id"`
	UserID         string                       `yaml:"user_id"`
	Name           string                       `yaml:"name"`
	Description    string                       `yaml:"description"`
	Type           string                       `yaml:"type"`
	SchemaVersion  int                          `yaml:"schema_version"`
	ConversationID string                       `yaml:"conversation_id"`
	SessionID      string                       `yaml:"session_id"`
	UserRequest    string                       `yaml:"user_request"`
	Environment    string                       `yaml:"environment"`
	Constraints    map[string]string            `yaml:"constraints"`
	Security       *securityContextDefinition   `yaml:"security"`
	Execution      *executionContextDefinition  `yaml:"execution"`
	Plan           planDefinition               `yaml:"plan"`
	Metadata       *metadataDefinition          `yaml:"metadata"`
}

// LoadOperationYAML decodes data into a fully-populated core.Operation —
// identity, security context, execution envelope, plan, and metadata — then
// runs it through v.Validate before returning it, so a caller never holds an
// Operation that hasn't cleared validation. The returned []string is the
// topological step order Validate produces as a side effect.
func LoadOperationYAML(data []byte, v *validator.Validator) (*core.Operation, []string, error) {
	var def operationDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, nil, core.NewEngineError("planio.LoadOperationYAML", core.KindValidation, "", "parsing operation YAML", err)
	}

	op, err := def.toOperation()
	if err != nil {
		return nil, nil, core.NewEngineError("planio.LoadOperationYAML", core.KindValidation, def.ID, "translating operation YAML", err)
	}

	order, err := v.Validate(op)
	if err != nil {
		return nil, nil, err
	}
	return op, order, nil
}

func (d operationDefinition) toOperation() (*core.Operation, error) {
	plan, err := d.Plan.toExecutionPlan()
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	exec, err := d.Execution.toExecutionContext()
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}

	return &core.Operation{
		ID:             d.ID,
		AgentID:        d.AgentID,
		UserID:         d.UserID,
		Name:           d.Name,
		Description:    d.Description,
		Type:           core.OperationType(defaultString(d.Type, string(core.OperationToolExecution))),
		Status:         core.StatusQueued,
		SchemaVersion:  d.SchemaVersion,
		ConversationID: d.ConversationID,
		SessionID:      d.SessionID,
		UserRequest:    d.UserRequest,
		Environment:    core.Environment(defaultString(d.Environment, string(core.EnvDevelopment))),
		Constraints:    d.Constraints,
		Security:       d.Security.toSecurityContext(),
		Execution:      exec,
		Plan:           plan,
		Meta:           d.Metadata.toMetadata(),
		CreatedAt:      time.Now(),
	}, nil
}

func (s *securityContextDefinition) toSecurityContext() core.SecurityContext {
	if s == nil {
		return core.SecurityContext{RiskLevel: core.RiskLow}
	}
	return core.SecurityContext{
		UserID:             s.UserID,
		AgentID:            s.AgentID,
		Permissions:        s.Permissions,
		RiskLevel:          core.RiskLevel(defaultString(s.RiskLevel, string(core.RiskLow))),
		RequiresApproval:   s.RequiresApproval,
		ApprovalWorkflowID: s.ApprovalWorkflowID,
	}
}

func (m *metadataDefinition) toMetadata() core.Metadata {
	if m == nil {
		return core.Metadata{Priority: core.PriorityNormal}
	}
	return core.Metadata{
		Version:        m.Version,
		Source:         m.Source,
		Tags:           m.Tags,
		Priority:       core.Priority(defaultString(m.Priority, string(core.PriorityNormal))),
		EstimatedCost:  m.EstimatedCost,
		BusinessImpact: m.BusinessImpact,
	}
}

func (e *executionContextDefinition) toExecutionContext() (core.ExecutionContext, error) {
	if e == nil {
		return core.ExecutionContext{Priority: core.PriorityNormal, ExecutionMode: core.ModeSynchronous}, nil
	}

	maxDuration, err := parseDuration(e.ResourceLimits.MaxDuration)
	if err != nil {
		return core.ExecutionContext{}, fmt.Errorf("resource_limits.max_duration: %w", err)
	}
	timeout, err := parseDuration(e.Timeout)
	if err != nil {
		return core.ExecutionContext{}, fmt.Errorf("timeout: %w", err)
	}
	retry, err := e.RetryPolicy.toRetryPolicy()
	if err != nil {
		return core.ExecutionContext{}, fmt.Errorf("retry_policy: %w", err)
	}

	return core.ExecutionContext{
		ResourceLimits: core.ResourceLimits{
			MaxMemoryMB:    e.ResourceLimits.MaxMemoryMB,
			MaxCPUMillis:   e.ResourceLimits.MaxCPUMillis,
			MaxDuration:    maxDuration,
			MaxConcurrency: e.ResourceLimits.MaxConcurrency,
		},
		Timeout:       timeout,
		RetryPolicy:   retry,
		Priority:      core.Priority(defaultString(e.Priority, string(core.PriorityNormal))),
		ExecutionMode: core.ExecutionMode(defaultString(e.ExecutionMode, string(core.ModeSynchronous))),
	}, nil
}

// ParsePlanYAML decodes data into a core.ExecutionPlan, translating every
// duration field from its Go duration-string form (e.g. "30s") and every
// enum field from its wire-string form into the corresponding domain type.
// It performs no semantic validation — the caller is expected to run the
// result through validator.Validate before submission.
func ParsePlanYAML(data []byte) (core.ExecutionPlan, error) {
	var def planDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return core.ExecutionPlan{}, core.NewEngineError("planio.ParsePlanYAML", core.KindValidation, "", "parsing plan YAML", err)
	}
	return def.toExecutionPlan()
}

func (d planDefinition) toExecutionPlan() (core.ExecutionPlan, error) {
	steps := make([]core.ExecutionStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		step, err := s.toExecutionStep()
		if err != nil {
			return core.ExecutionPlan{}, err
		}
		steps = append(steps, step)
	}

	deps := make([]core.StepDependency, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		deps = append(deps, core.StepDependency{
			StepID:         dep.StepID,
			DependsOn:      dep.DependsOn,
			DependencyType: core.DependencyType(defaultString(dep.DependencyType, string(core.DependencySequential))),
		})
	}

	groups := make([]core.ParallelGroup, 0, len(d.ParallelGroups))
	for _, g := range d.ParallelGroups {
		groups = append(groups, core.ParallelGroup{
			ID:              g.ID,
			StepIDs:         g.StepIDs,
			ExecutionPolicy: core.ExecutionPolicy(defaultString(g.ExecutionPolicy, string(core.PolicyAllSuccess))),
			MaxConcurrency:  g.MaxConcurrency,
			FailurePolicy:   core.FailurePolicy(defaultString(g.FailurePolicy, string(core.Continue))),
		})
	}

	return core.ExecutionPlan{Steps: steps, Dependencies: deps, ParallelGroups: groups}, nil
}

func (s stepDefinition) toExecutionStep() (core.ExecutionStep, error) {
	timeout, err := parseDuration(s.Timeout)
	if err != nil {
		return core.ExecutionStep{}, fmt.Errorf("step %q: timeout: %w", s.ID, err)
	}

	params := make([]core.ParamSchema, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		params = append(params, core.ParamSchema{Name: p.Name, Type: p.Type, Required: p.Required})
	}

	var cond *core.StepCondition
	if s.Condition != nil {
		cond = &core.StepCondition{
			Expression: s.Condition.Expression,
			Bindings:   s.Condition.Bindings,
			Default:    s.Condition.Default,
		}
	}

	retry, err := s.RetryPolicy.toRetryPolicy()
	if err != nil {
		return core.ExecutionStep{}, fmt.Errorf("step %q: retry_policy: %w", s.ID, err)
	}

	var comp *core.CompensationStep
	if s.Compensation != nil {
		comp = &core.CompensationStep{
			StepID:        s.Compensation.StepID,
			Action:        s.Compensation.Action,
			Configuration: s.Compensation.Configuration,
		}
	}

	return core.ExecutionStep{
		ID:            s.ID,
		Name:          s.Name,
		Order:         s.Order,
		Type:          core.StepType(s.Type),
		Configuration: s.Configuration,
		Parameters:    params,
		InputMapping:  s.InputMapping,
		OutputMapping: s.OutputMapping,
		Condition:     cond,
		Timeout:       timeout,
		RetryPolicy:   retry,
		Compensation:  comp,
		Required:      s.Required,
	}, nil
}

func (r *retryDefinition) toRetryPolicy() (core.RetryPolicy, error) {
	if r == nil {
		return core.RetryPolicy{}, nil
	}
	base, err := parseDuration(r.BaseDelay)
	if err != nil {
		return core.RetryPolicy{}, fmt.Errorf("base_delay: %w", err)
	}
	maxd, err := parseDuration(r.MaxDelay)
	if err != nil {
		return core.RetryPolicy{}, fmt.Errorf("max_delay: %w", err)
	}
	return core.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		BackoffStrategy: core.BackoffStrategy(defaultString(r.BackoffStrategy, string(core.BackoffLinear))),
		BaseDelay:       base,
		MaxDelay:        maxd,
		RetryableErrors: r.RetryableErrors,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
