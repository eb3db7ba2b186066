package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"X402-Flow/pkg/logger"
)

// 工作流与步骤生命周期事件主题。
const (
	TopicWorkflowPlanning         = "workflow.planning"
	TopicWorkflowPlanReady        = "workflow.plan_ready"
	TopicWorkflowAwaitingApproval = "workflow.awaiting_approval"
	TopicWorkflowApproved         = "workflow.approved"
	TopicWorkflowExecuting        = "workflow.executing"
	TopicWorkflowRollingBack      = "workflow.rolling_back"
	TopicWorkflowCompleted        = "workflow.completed"
	TopicWorkflowFailed           = "workflow.failed"
	TopicWorkflowCancelled        = "workflow.cancelled"
	TopicStepStarted              = "step.started"
	TopicStepProgress             = "step.progress"
	TopicStepCompleted            = "step.completed"
	TopicStepFailed               = "step.failed"
)

// Event 是发布到事件总线的工作流进度事件。
type Event struct {
	Topic      string         `json:"topic"`
	WorkflowID string         `json:"workflowId"`
	UserID     string         `json:"userId,omitempty"`
	StepID     string         `json:"stepId,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher 是事件总线的发布能力。引擎只依赖这一抽象。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Handler 处理订阅到的事件。
type Handler func(event Event)

// Bus 是进程内的事件总线实现，支持按主题订阅与通配订阅。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewBus 创建进程内事件总线。
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe 注册主题处理函数。topic 为 "*" 时接收全部事件。
func (b *Bus) Subscribe(topic string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish 同步分发事件。订阅方不应阻塞，耗时处理请自行异步化。
func (b *Bus) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	targets := make([]Handler, 0, len(b.handlers[event.Topic])+len(b.handlers["*"]))
	targets = append(targets, b.handlers[event.Topic]...)
	targets = append(targets, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, handler := range targets {
		handler(event)
	}
	logger.L().Debug("事件已发布",
		slog.String("topic", event.Topic),
		slog.String("workflow_id", event.WorkflowID),
		slog.String("step_id", event.StepID),
	)
	return nil
}

// Close 关闭总线，之后的发布被静默丢弃。
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}

// NoopPublisher 在未配置事件总线时使用。
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
