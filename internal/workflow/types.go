package workflow

import (
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/plan"
)

// Status 表示工作流的生命周期状态。
type Status string

const (
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusRollingBack      Status = "rolling_back"
)

// Terminal 判断状态是否为终态。取消与完成、失败一样不可再迁移。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions 定义合法的状态迁移表。rolling_back 是失败处理期间的
// 过渡态，之后只能落到 failed。
var transitions = map[Status][]Status{
	StatusPlanning:         {StatusAwaitingApproval, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusCompleted, StatusFailed, StatusRollingBack, StatusCancelled},
	StatusRollingBack:      {StatusFailed},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StepResult 记录单个步骤的执行结果。重试期间原地覆盖，直到终态。
type StepResult struct {
	StepID     string  `json:"stepId"`
	Success    bool    `json:"success"`
	Output     any     `json:"output,omitempty"`
	Cost       float64 `json:"cost"`
	TimeTaken  int64   `json:"timeTaken"`
	Error      string  `json:"error,omitempty"`
	ProofRef   string  `json:"proofRef,omitempty"`
	Attempts   int     `json:"attempts"`
	ServiceID  string  `json:"serviceId,omitempty"`
	FinishedAt int64   `json:"finishedAt,omitempty"`
}

// Workflow 是对外暴露的聚合根，也是持久化的单元。
type Workflow struct {
	ID          string                `json:"id"`
	UserID      string                `json:"userId"`
	Description string                `json:"description,omitempty"`
	Status      Status                `json:"status"`
	Plan        *plan.Plan            `json:"plan,omitempty"`
	StepResults map[string]StepResult `json:"stepResults,omitempty"`
	Output      any                   `json:"output,omitempty"`
	TotalCost   float64               `json:"totalCost"`
	TotalTime   int64                 `json:"totalTime"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

// ExecutionResult 是一次执行引擎运行的汇总。
type ExecutionResult struct {
	Success     bool                  `json:"success"`
	Status      Status                `json:"status"`
	StepResults map[string]StepResult `json:"stepResults"`
	Output      any                   `json:"output,omitempty"`
	TotalCost   float64               `json:"totalCost"`
	TotalTime   int64                 `json:"totalTime"`
	Error       string                `json:"error,omitempty"`

	// Err 保留导致失败的原始错误, 供调用方判断错误码与告警级别。
	Err error `json:"-"`
}

const (
	CodePlanningFailed     xerrors.Code = "PLANNING_FAILED"
	CodeExecutionTimeout   xerrors.Code = "EXECUTION_TIMEOUT"
	CodeInvalidTransition  xerrors.Code = "INVALID_TRANSITION"
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowCancelled  xerrors.Code = "WORKFLOW_CANCELLED"
	CodeRollbackIncomplete xerrors.Code = "ROLLBACK_INCOMPLETE"
)

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
)

func init() {
	xerrors.Register(CodePlanningFailed, xerrors.Attributes{
		Message:   "workflow planning failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExecutionTimeout, xerrors.Attributes{
		Message:   "workflow execution timed out",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid workflow state transition",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowCancelled, xerrors.Attributes{
		Message:   "workflow cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRollbackIncomplete, xerrors.Attributes{
		Message:   "rollback left the ledger inconsistent",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Clone 返回工作流的深拷贝，供存储层在读取时隔离调用方。
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	if w.StepResults != nil {
		clone.StepResults = make(map[string]StepResult, len(w.StepResults))
		for id, result := range w.StepResults {
			clone.StepResults[id] = result
		}
	}
	if w.CompletedAt != nil {
		completed := *w.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
