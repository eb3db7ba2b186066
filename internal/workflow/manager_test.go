package workflow

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/plan"
	"X402-Flow/internal/registry"
)

type fakeBalancer struct {
	balance float64
}

func (f *fakeBalancer) GetBalance(context.Context, string) (float64, error) {
	return f.balance, nil
}

type fakeMatchAll struct {
	services map[string]registry.Service
}

func (f *fakeMatchAll) MatchAll(_ context.Context, steps []plan.Step) (map[string]*registry.Match, error) {
	matches := make(map[string]*registry.Match, len(steps))
	for _, step := range steps {
		if service, ok := f.services[step.ID]; ok {
			matches[step.ID] = &registry.Match{Service: service, Score: 0.8}
		}
	}
	return matches, nil
}

// topicRecorder 收集总线上经过的全部事件主题。
type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, event.Topic)
}

func (r *topicRecorder) saw(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.topics {
		if seen == topic {
			return true
		}
	}
	return false
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func twoStepDocument() *plan.Document {
	return &plan.Document{Steps: []plan.Step{
		{ID: "fetch", Action: "fetch market data", EstimatedCost: 0.01, RetryPolicy: quickRetry(1)},
		{ID: "analyze", Action: "analyze market data", Dependencies: []string{"fetch"}, EstimatedCost: 0.05, RetryPolicy: quickRetry(1)},
	}}
}

func newTestManager(t *testing.T, balance float64) (*Manager, *fakeSettler, *topicRecorder, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	settler := newFakeSettler()
	matcher := &fakeMatchAll{services: map[string]registry.Service{
		"fetch":   {ID: "svc-fetch", Name: "fetcher", URL: "http://fetch.local", PricePerCall: 0.01},
		"analyze": {ID: "svc-analyze", Name: "analyzer", URL: "http://analyze.local", PricePerCall: 0.05},
	}}
	recorder := &topicRecorder{}
	bus := NewBus()
	bus.Subscribe("*", recorder.record)
	engine := NewEngine(nil, settler, &fakeRefunder{}, bus, EngineConfig{})
	manager := NewManager(store, engine, matcher, nil, &fakeBalancer{balance: balance}, bus, nil)
	return manager, settler, recorder, store
}

func TestCreateFromDocumentAwaitsApproval(t *testing.T) {
	manager, _, recorder, _ := newTestManager(t, 1.0)
	ctx := context.Background()

	wf, err := manager.CreateFromDocument(ctx, "alice", "analyze the market", twoStepDocument())
	if err != nil {
		t.Fatalf("CreateFromDocument() error = %v", err)
	}
	if wf.Status != StatusAwaitingApproval {
		t.Fatalf("status = %s, want %s", wf.Status, StatusAwaitingApproval)
	}
	if !almostEqual(wf.Plan.TotalEstimatedCost, 0.06) {
		t.Fatalf("estimated cost = %f, want 0.06", wf.Plan.TotalEstimatedCost)
	}
	for _, step := range wf.Plan.Steps {
		if step.ServiceURL == "" || step.ServiceID == "" {
			t.Fatalf("step %s not bound to a service: %+v", step.ID, step)
		}
	}
	for _, topic := range []string{TopicWorkflowPlanning, TopicWorkflowPlanReady, TopicWorkflowAwaitingApproval} {
		if !recorder.saw(topic) {
			t.Fatalf("event %s not published, saw %v", topic, recorder.topics)
		}
	}
}

func TestCreateFromDocumentRejectsCycle(t *testing.T) {
	manager, _, _, store := newTestManager(t, 1.0)
	doc := &plan.Document{Steps: []plan.Step{
		{ID: "a", Action: "first", Dependencies: []string{"b"}},
		{ID: "b", Action: "second", Dependencies: []string{"a"}},
	}}

	_, err := manager.CreateFromDocument(context.Background(), "alice", "impossible", doc)
	if !errors.Is(err, plan.ErrCircularDependency) {
		t.Fatalf("CreateFromDocument() error = %v, want ErrCircularDependency", err)
	}

	workflows, err := store.List(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(workflows) != 1 || workflows[0].Status != StatusFailed {
		t.Fatalf("failed workflow not persisted: %+v", workflows)
	}
}

func TestCreateWithoutPlannerFails(t *testing.T) {
	manager, _, _, _ := newTestManager(t, 1.0)
	_, err := manager.Create(context.Background(), "alice", "do something")
	if xerrors.CodeOf(err) != CodePlanningFailed {
		t.Fatalf("Create() error = %v, want %s", err, CodePlanningFailed)
	}
}

func TestApproveRefusedOnInsufficientBalance(t *testing.T) {
	manager, _, _, _ := newTestManager(t, 0.03)
	ctx := context.Background()

	wf, err := manager.CreateFromDocument(ctx, "alice", "analyze the market", twoStepDocument())
	if err != nil {
		t.Fatalf("CreateFromDocument() error = %v", err)
	}

	_, err = manager.Approve(ctx, wf.ID)
	if xerrors.CodeOf(err) != escrow.CodeInsufficientBalance {
		t.Fatalf("Approve() error = %v, want %s", err, escrow.CodeInsufficientBalance)
	}

	// 审批被拒后工作流停留在 awaiting_approval，充值后可再次审批。
	current, err := manager.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if current.Status != StatusAwaitingApproval {
		t.Fatalf("status after refused approval = %s, want %s", current.Status, StatusAwaitingApproval)
	}
}

func TestApproveThenExecuteCompletes(t *testing.T) {
	manager, settler, recorder, _ := newTestManager(t, 1.0)
	ctx := context.Background()
	settler.outputs["analyze"] = `{"trend":"bullish"}`
	settler.costs["fetch"] = 0.01
	settler.costs["analyze"] = 0.05

	wf, err := manager.CreateFromDocument(ctx, "alice", "analyze the market", twoStepDocument())
	if err != nil {
		t.Fatalf("CreateFromDocument() error = %v", err)
	}
	if _, err := manager.Approve(ctx, wf.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	executed, err := manager.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if executed.Status != StatusCompleted {
		t.Fatalf("status = %s (error %s), want %s", executed.Status, executed.Error, StatusCompleted)
	}
	if !almostEqual(executed.TotalCost, 0.06) {
		t.Fatalf("total cost = %f, want 0.06", executed.TotalCost)
	}
	if executed.CompletedAt == nil {
		t.Fatal("completedAt not set on terminal workflow")
	}
	output, ok := executed.Output.(map[string]any)
	if !ok || output["trend"] != "bullish" {
		t.Fatalf("output = %v, want analyze output", executed.Output)
	}
	if !recorder.saw(TopicWorkflowCompleted) || !recorder.saw(TopicStepCompleted) {
		t.Fatalf("lifecycle events missing, saw %v", recorder.topics)
	}
}

func TestExecuteRequiresApproval(t *testing.T) {
	manager, _, _, _ := newTestManager(t, 1.0)
	ctx := context.Background()

	wf, err := manager.CreateFromDocument(ctx, "alice", "analyze the market", twoStepDocument())
	if err != nil {
		t.Fatalf("CreateFromDocument() error = %v", err)
	}
	_, err = manager.Execute(ctx, wf.ID)
	if xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("Execute() error = %v, want %s", err, CodeInvalidTransition)
	}
}

func TestCancelPendingWorkflow(t *testing.T) {
	manager, _, recorder, _ := newTestManager(t, 1.0)
	ctx := context.Background()

	wf, err := manager.CreateFromDocument(ctx, "alice", "analyze the market", twoStepDocument())
	if err != nil {
		t.Fatalf("CreateFromDocument() error = %v", err)
	}
	if _, err := manager.Cancel(ctx, wf.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	current, err := manager.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if current.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", current.Status, StatusCancelled)
	}
	if !recorder.saw(TopicWorkflowCancelled) {
		t.Fatalf("cancellation event missing, saw %v", recorder.topics)
	}

	// 终态工作流不可再次取消。
	if _, err := manager.Cancel(ctx, wf.ID); xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("second Cancel() error = %v, want %s", err, CodeInvalidTransition)
	}
}

func TestExecuteNotFound(t *testing.T) {
	manager, _, _, _ := newTestManager(t, 1.0)
	_, err := manager.Execute(context.Background(), "no-such-id")
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("Execute() error = %v, want ErrWorkflowNotFound", err)
	}
}
