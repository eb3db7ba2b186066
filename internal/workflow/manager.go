package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/observability/alerting"
	"X402-Flow/internal/observability/metrics"
	"X402-Flow/internal/plan"
	"X402-Flow/internal/registry"
	"X402-Flow/pkg/logger"
)

// Planner 是外部的规划协作方，把自然语言描述编译为结构化计划文档。
type Planner interface {
	Plan(ctx context.Context, description string) (*plan.Document, error)
}

// StepMatcher 在规划阶段为计划中的全部步骤匹配服务提供方。
type StepMatcher interface {
	MatchAll(ctx context.Context, steps []plan.Step) (map[string]*registry.Match, error)
}

// Balancer 提供审批前的余额核验能力。
type Balancer interface {
	GetBalance(ctx context.Context, userID string) (float64, error)
}

// Manager 驱动工作流的生命周期状态机，并把执行委托给引擎。
type Manager struct {
	store     Store
	engine    *Engine
	matcher   StepMatcher
	planner   Planner
	balancer  Balancer
	publisher Publisher
	alerts    alerting.Dispatcher

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
}

// NewManager 创建工作流管理器。planner 与 alerts 允许为 nil。
func NewManager(store Store, engine *Engine, matcher StepMatcher, planner Planner, balancer Balancer, publisher Publisher, alerts alerting.Dispatcher) *Manager {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Manager{
		store:     store,
		engine:    engine,
		matcher:   matcher,
		planner:   planner,
		balancer:  balancer,
		publisher: publisher,
		alerts:    alerts,
		cancels:   make(map[string]*atomic.Bool),
	}
}

// Create 根据自然语言描述创建工作流：规划、编译、匹配服务，
// 成功后进入 awaiting_approval 等待审批。
func (m *Manager) Create(ctx context.Context, userID, description string) (*Workflow, error) {
	if m.planner == nil {
		return nil, xerrors.New(CodePlanningFailed, "未配置规划器, 请直接提交计划文档")
	}
	doc, err := m.planner.Plan(ctx, description)
	if err != nil {
		return nil, xerrors.Wrap(CodePlanningFailed, err, "规划失败")
	}
	return m.CreateFromDocument(ctx, userID, description, doc)
}

// CreateFromDocument 从已有的计划文档创建工作流。
func (m *Manager) CreateFromDocument(ctx context.Context, userID, description string, doc *plan.Document) (*Workflow, error) {
	now := time.Now()
	wf := &Workflow{
		ID:          uuid.NewString(),
		UserID:      userID,
		Description: description,
		Status:      StatusPlanning,
		StepResults: make(map[string]StepResult),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.publishStatus(ctx, wf, TopicWorkflowPlanning)

	compiled, err := plan.Compile(doc)
	if err != nil {
		wf.Status = StatusFailed
		wf.Error = err.Error()
		_ = m.store.Put(ctx, wf)
		m.publishStatus(ctx, wf, TopicWorkflowFailed)
		return nil, err
	}
	wf.Plan = compiled

	if err := m.matchProviders(ctx, wf); err != nil {
		wf.Status = StatusFailed
		wf.Error = err.Error()
		_ = m.store.Put(ctx, wf)
		m.publishStatus(ctx, wf, TopicWorkflowFailed)
		m.alert(ctx, wf, err)
		return nil, err
	}
	m.publishStatus(ctx, wf, TopicWorkflowPlanReady)

	wf.Status = StatusAwaitingApproval
	wf.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, err
	}
	m.publishStatus(ctx, wf, TopicWorkflowAwaitingApproval)

	logger.L().Info("工作流已创建",
		slog.String("workflow_id", wf.ID),
		slog.String("user_id", userID),
		slog.Int("steps", len(compiled.Steps)),
		slog.Float64("estimated_cost", compiled.TotalEstimatedCost),
	)
	return wf.Clone(), nil
}

// matchProviders 为计划内尚未绑定服务的步骤写入匹配结果。
func (m *Manager) matchProviders(ctx context.Context, wf *Workflow) error {
	if m.matcher == nil {
		return nil
	}
	matches, err := m.matcher.MatchAll(ctx, wf.Plan.Steps)
	if err != nil {
		return err
	}
	for i := range wf.Plan.Steps {
		step := &wf.Plan.Steps[i]
		if step.ServiceURL != "" {
			continue
		}
		match, ok := matches[step.ID]
		if !ok || match == nil {
			continue
		}
		step.ServiceID = match.Service.ID
		step.ServiceName = match.Service.Name
		step.ServiceURL = match.Service.URL
		if step.EstimatedCost == 0 {
			step.EstimatedCost = match.Service.PricePerCall
		}
	}
	return wf.Plan.Rehydrate()
}

// Approve 审批工作流。托管余额必须覆盖计划的总预估成本，
// 否则拒绝并保持 awaiting_approval。
func (m *Manager) Approve(ctx context.Context, id string) (*Workflow, error) {
	wf, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(wf.Status, StatusApproved) {
		return nil, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("工作流处于 %s 状态, 无法审批", wf.Status))
	}

	if m.balancer != nil {
		balance, err := m.balancer.GetBalance(ctx, wf.UserID)
		if err != nil {
			return nil, err
		}
		if balance < wf.Plan.TotalEstimatedCost {
			return nil, xerrors.New(escrow.CodeInsufficientBalance,
				fmt.Sprintf("托管余额不足以覆盖预估成本: 可用 %f, 预估 %f, 请先充值后再审批",
					balance, wf.Plan.TotalEstimatedCost))
		}
	}

	wf.Status = StatusApproved
	wf.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, err
	}
	m.publishStatus(ctx, wf, TopicWorkflowApproved)
	return wf.Clone(), nil
}

// Execute 执行已审批的工作流并持久化最终结果。
func (m *Manager) Execute(ctx context.Context, id string) (*Workflow, error) {
	wf, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(wf.Status, StatusExecuting) {
		return nil, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("工作流处于 %s 状态, 无法执行", wf.Status))
	}

	wf.Status = StatusExecuting
	wf.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, err
	}
	m.publishStatus(ctx, wf, TopicWorkflowExecuting)

	flag := m.registerCancelFlag(wf.ID)
	defer m.dropCancelFlag(wf.ID)

	result := m.engine.Execute(ctx, wf, flag.Load)

	wf.StepResults = result.StepResults
	wf.Output = result.Output
	wf.TotalCost = result.TotalCost
	wf.TotalTime = result.TotalTime
	wf.Error = result.Error
	wf.Status = result.Status
	wf.UpdatedAt = time.Now()
	if result.Status.Terminal() {
		completed := time.Now()
		wf.CompletedAt = &completed
	}
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, err
	}

	metrics.ObserveWorkflowFinished(string(result.Status))
	switch result.Status {
	case StatusCompleted:
		m.publishStatus(ctx, wf, TopicWorkflowCompleted)
	case StatusCancelled:
		m.publishStatus(ctx, wf, TopicWorkflowCancelled)
	default:
		m.publishStatus(ctx, wf, TopicWorkflowFailed)
		if result.Err != nil {
			m.alert(ctx, wf, result.Err)
		}
	}
	return wf.Clone(), nil
}

// Cancel 请求取消工作流。终态工作流不可取消；执行中的工作流
// 允许在途步骤跑完, 之后不再调度新步骤。
func (m *Manager) Cancel(ctx context.Context, id string) (*Workflow, error) {
	wf, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("工作流已处于终态 %s, 无法取消", wf.Status))
	}

	m.mu.Lock()
	flag, running := m.cancels[id]
	m.mu.Unlock()
	if running {
		// 执行循环观察到标记后会以 cancelled 状态落盘。
		flag.Store(true)
		return wf.Clone(), nil
	}

	wf.Status = StatusCancelled
	wf.UpdatedAt = time.Now()
	completed := time.Now()
	wf.CompletedAt = &completed
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, err
	}
	m.publishStatus(ctx, wf, TopicWorkflowCancelled)
	return wf.Clone(), nil
}

// Get 返回工作流当前快照。
func (m *Manager) Get(ctx context.Context, id string) (*Workflow, error) {
	return m.store.Get(ctx, id)
}

// List 按用户列出工作流。
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]*Workflow, error) {
	return m.store.List(ctx, userID, limit)
}

func (m *Manager) registerCancelFlag(id string) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag := &atomic.Bool{}
	m.cancels[id] = flag
	return flag
}

func (m *Manager) dropCancelFlag(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
}

func (m *Manager) publishStatus(ctx context.Context, wf *Workflow, topic string) {
	event := Event{
		Topic:      topic,
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		Status:     wf.Status,
		Timestamp:  time.Now(),
	}
	if wf.Error != "" {
		event.Payload = map[string]any{"error": wf.Error}
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("工作流事件发布失败",
			slog.String("topic", topic),
			slog.String("workflow_id", wf.ID),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) alert(ctx context.Context, wf *Workflow, cause error) {
	if m.alerts == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		OccurredAt: time.Now(),
	}
	if err := m.alerts.Notify(ctx, event); err != nil {
		logger.L().Error("告警发送失败",
			slog.String("workflow_id", wf.ID),
			slog.Any("error", err),
		)
	}
}
