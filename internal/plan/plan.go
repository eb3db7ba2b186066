package plan

import (
	xerrors "X402-Flow/internal/errors"
)

// RetryPolicy 控制单个步骤的重试行为。
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialDelayMs    int64   `json:"initialDelayMs"`
	MaxDelayMs        int64   `json:"maxDelayMs"`
}

// DefaultRetryPolicy 返回规划器未显式指定时使用的重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffMultiplier: 2,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
	}
}

// Step 描述执行计划中的一个步骤。计划一旦编译完成，步骤即视为不可变。
type Step struct {
	ID             string            `json:"id"`
	Action         string            `json:"action"`
	ServiceID      string            `json:"serviceId,omitempty"`
	ServiceName    string            `json:"serviceName,omitempty"`
	ServiceURL     string            `json:"serviceUrl,omitempty"`
	Params         map[string]any    `json:"params,omitempty"`
	InputMapping   map[string]string `json:"inputMapping,omitempty"`
	OutputKey      string            `json:"outputKey"`
	Dependencies   []string          `json:"dependencies"`
	Parallelizable bool              `json:"parallelizable"`
	EstimatedCost  float64           `json:"estimatedCost"`
	EstimatedTime  int64             `json:"estimatedTime"`
	RetryPolicy    RetryPolicy       `json:"retryPolicy"`
}

// Plan 是编译完成的执行计划，包含依赖图的派生信息。
type Plan struct {
	Steps              []Step              `json:"steps"`
	DAG                map[string][]string `json:"dag"`
	CriticalPath       []string            `json:"criticalPath"`
	ParallelGroups     [][]string          `json:"parallelGroups"`
	TotalEstimatedCost float64             `json:"totalEstimatedCost"`
	TotalEstimatedTime int64               `json:"totalEstimatedTime"`

	levels [][]string
	index  map[string]*Step
}

const (
	CodeCircularDependency xerrors.Code = "CIRCULAR_DEPENDENCY"
	CodePlanValidation     xerrors.Code = "PLAN_VALIDATION_FAILED"
)

var (
	// ErrCircularDependency 表示计划的依赖图存在环路，执行引擎不会启动。
	ErrCircularDependency = xerrors.New(CodeCircularDependency, "circular dependency detected")
)

func init() {
	xerrors.Register(CodeCircularDependency, xerrors.Attributes{
		Message:   "circular dependency detected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:   "plan validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Rehydrate 在计划从存储反序列化后重建内部索引与层级。
func (p *Plan) Rehydrate() error {
	if p == nil {
		return nil
	}
	index := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		index[p.Steps[i].ID] = &p.Steps[i]
	}
	levels, err := levelize(p.Steps)
	if err != nil {
		return err
	}
	p.index = index
	p.levels = levels
	return nil
}

// Step 按 ID 返回步骤。
func (p *Plan) Step(id string) (*Step, bool) {
	if p == nil || p.index == nil {
		return nil, false
	}
	step, ok := p.index[id]
	return step, ok
}

// Levels 返回按 Kahn 算法分层后的拓扑层级。
func (p *Plan) Levels() [][]string {
	if p == nil {
		return nil
	}
	return p.levels
}

// TerminalSteps 返回没有任何后继的步骤（最终输出的来源）。
func (p *Plan) TerminalSteps() []Step {
	if p == nil {
		return nil
	}
	hasDependent := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.Dependencies {
			hasDependent[dep] = true
		}
	}
	terminals := make([]Step, 0, 1)
	for _, step := range p.Steps {
		if !hasDependent[step.ID] {
			terminals = append(terminals, step)
		}
	}
	return terminals
}
