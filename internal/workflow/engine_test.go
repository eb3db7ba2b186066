package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/plan"
	"X402-Flow/internal/registry"
	"X402-Flow/internal/settlement"
)

type settleCall struct {
	stepID     string
	serviceURL string
	params     map[string]any
}

// fakeSettler 按步骤脚本化结算结果：可注入前 N 次失败、固定输出与费用。
type fakeSettler struct {
	mu       sync.Mutex
	failures map[string]int
	failWith map[string]error
	outputs  map[string]string
	costs    map[string]float64
	delay    time.Duration
	calls    []settleCall
	onSettle func(stepID string)
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{
		failures: make(map[string]int),
		failWith: make(map[string]error),
		outputs:  make(map[string]string),
		costs:    make(map[string]float64),
	}
}

func (f *fakeSettler) Settle(_ context.Context, _ string, serviceURL string, params map[string]any, step plan.Step) (*settlement.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, settleCall{stepID: step.ID, serviceURL: serviceURL, params: params})
	remaining := f.failures[step.ID]
	if remaining > 0 {
		f.failures[step.ID] = remaining - 1
	}
	failErr := f.failWith[step.ID]
	output := f.outputs[step.ID]
	cost := f.costs[step.ID]
	hook := f.onSettle
	f.mu.Unlock()

	if hook != nil {
		hook(step.ID)
	}
	if remaining > 0 {
		if failErr == nil {
			failErr = xerrors.New(settlement.CodeStepExecution, fmt.Sprintf("服务 %s 暂时不可用", step.ID))
		}
		return nil, failErr
	}
	if output == "" {
		output = fmt.Sprintf(`{"step":%q}`, step.ID)
	}
	return &settlement.Result{
		Output:     json.RawMessage(output),
		PaidAmount: cost,
		ProofRef:   "0xproof-" + step.ID,
	}, nil
}

func (f *fakeSettler) callCount(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call.stepID == stepID {
			count++
		}
	}
	return count
}

type fakeStepMatcher struct {
	services map[string]registry.Service
}

func (f *fakeStepMatcher) Match(_ context.Context, step plan.Step) (*registry.Match, error) {
	service, ok := f.services[step.ID]
	if !ok {
		return nil, registry.ErrServiceNotFound
	}
	return &registry.Match{Service: service, Score: 0.9}, nil
}

type fakeRefunder struct {
	mu      sync.Mutex
	refunds []float64
	err     error
}

func (f *fakeRefunder) Refund(_ context.Context, _ string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.refunds = append(f.refunds, amount)
	return nil
}

// recordingPublisher 实现 Publisher，收集引擎直接发布的事件主题。
type recordingPublisher struct {
	topicRecorder
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.record(event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func quickRetry(attempts int) plan.RetryPolicy {
	return plan.RetryPolicy{
		MaxAttempts:       attempts,
		BackoffMultiplier: 2,
		InitialDelayMs:    1,
		MaxDelayMs:        5,
	}
}

func compileSteps(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	compiled, err := plan.Compile(&plan.Document{Steps: steps})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return compiled
}

func testWorkflow(p *plan.Plan) *Workflow {
	return &Workflow{
		ID:     "wf-1",
		UserID: "alice",
		Status: StatusExecuting,
		Plan:   p,
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := compileSteps(t, plan.Step{
		ID:          "s1",
		Action:      "translate text",
		ServiceURL:  "http://svc.local",
		RetryPolicy: quickRetry(3),
	})
	settler := newFakeSettler()
	settler.failures["s1"] = 2
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	stepResult := result.StepResults["s1"]
	if !stepResult.Success || stepResult.Attempts != 3 {
		t.Fatalf("step result = %+v, want success after 3 attempts", stepResult)
	}
	if settler.callCount("s1") != 3 {
		t.Fatalf("settler called %d times, want 3", settler.callCount("s1"))
	}
}

func TestExecuteStopsOnNonRetryableError(t *testing.T) {
	p := compileSteps(t, plan.Step{
		ID:          "s1",
		Action:      "translate text",
		ServiceURL:  "http://svc.local",
		RetryPolicy: quickRetry(3),
	})
	settler := newFakeSettler()
	settler.failures["s1"] = 3
	settler.failWith["s1"] = xerrors.New(escrow.CodeInsufficientBalance, "托管余额不足")
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
	if got := settler.callCount("s1"); got != 1 {
		t.Fatalf("non-retryable error retried: %d calls", got)
	}
	if result.StepResults["s1"].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.StepResults["s1"].Attempts)
	}
}

func TestExecutePipesOutputsBetweenLevels(t *testing.T) {
	p := compileSteps(t,
		plan.Step{
			ID:         "fetch",
			Action:     "fetch document",
			ServiceURL: "http://fetch.local",
			OutputKey:  "document",
		},
		plan.Step{
			ID:           "summarize",
			Action:       "summarize document",
			ServiceURL:   "http://summarize.local",
			Dependencies: []string{"fetch"},
			Params:       map[string]any{"language": "zh"},
			InputMapping: map[string]string{"text": "document"},
		},
	)
	settler := newFakeSettler()
	settler.outputs["fetch"] = `{"content":"raw text"}`
	settler.outputs["summarize"] = `{"summary":"short"}`
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}

	var summarizeCall *settleCall
	for i := range settler.calls {
		if settler.calls[i].stepID == "summarize" {
			summarizeCall = &settler.calls[i]
		}
	}
	if summarizeCall == nil {
		t.Fatal("summarize step never ran")
	}
	if summarizeCall.params["language"] != "zh" {
		t.Fatalf("static params lost: %v", summarizeCall.params)
	}
	upstream, ok := summarizeCall.params["text"].(map[string]any)
	if !ok || upstream["content"] != "raw text" {
		t.Fatalf("input mapping got %v, want fetch output", summarizeCall.params["text"])
	}

	// 单一终端步骤时，工作流输出就是该步骤的输出。
	output, ok := result.Output.(map[string]any)
	if !ok || output["summary"] != "short" {
		t.Fatalf("workflow output = %v, want summarize output", result.Output)
	}
}

func TestExecuteFailsOnMissingUpstreamOutput(t *testing.T) {
	p := compileSteps(t,
		plan.Step{
			ID:           "s1",
			Action:       "do work",
			ServiceURL:   "http://svc.local",
			InputMapping: map[string]string{"input": "missing_key"},
			RetryPolicy:  quickRetry(1),
		},
	)
	engine := NewEngine(nil, newFakeSettler(), &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success {
		t.Fatal("Execute() succeeded despite unresolvable input mapping")
	}
	if !strings.Contains(result.Error, "missing_key") {
		t.Fatalf("error %q does not name the missing output key", result.Error)
	}
}

func TestExecuteParallelSiblingFailureKeepsCompletedResults(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "left", Action: "left branch", ServiceURL: "http://l.local", Parallelizable: true, RetryPolicy: quickRetry(1)},
		plan.Step{ID: "right", Action: "right branch", ServiceURL: "http://r.local", Parallelizable: true, RetryPolicy: quickRetry(1)},
		plan.Step{ID: "join", Action: "join branches", ServiceURL: "http://j.local", Dependencies: []string{"left", "right"}},
	)
	settler := newFakeSettler()
	settler.failures["right"] = 1
	settler.failWith["right"] = xerrors.New(escrow.CodeInsufficientBalance, "托管余额不足")
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
	if left, ok := result.StepResults["left"]; !ok || !left.Success {
		t.Fatalf("completed sibling result dropped: %+v", result.StepResults)
	}
	if right, ok := result.StepResults["right"]; !ok || right.Success {
		t.Fatalf("failed sibling not recorded: %+v", result.StepResults)
	}
	if _, ran := result.StepResults["join"]; ran {
		t.Fatal("downstream level scheduled after sibling failure")
	}
}

func TestExecuteMergesMultipleTerminalOutputs(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "a", Action: "branch a", ServiceURL: "http://a.local", OutputKey: "first", Parallelizable: true},
		plan.Step{ID: "b", Action: "branch b", ServiceURL: "http://b.local", OutputKey: "second", Parallelizable: true},
	)
	settler := newFakeSettler()
	settler.outputs["a"] = `"alpha"`
	settler.outputs["b"] = `"beta"`
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	merged, ok := result.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %T, want map keyed by outputKey", result.Output)
	}
	if merged["first"] != "alpha" || merged["second"] != "beta" {
		t.Fatalf("merged output = %v", merged)
	}
}

func TestExecuteUsesMatcherWhenServiceUnbound(t *testing.T) {
	p := compileSteps(t, plan.Step{ID: "s1", Action: "translate text"})
	matcher := &fakeStepMatcher{services: map[string]registry.Service{
		"s1": {ID: "svc-42", Name: "translator", URL: "http://matched.local"},
	}}
	settler := newFakeSettler()
	engine := NewEngine(matcher, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if result.StepResults["s1"].ServiceID != "svc-42" {
		t.Fatalf("service id = %s, want svc-42", result.StepResults["s1"].ServiceID)
	}
	if len(settler.calls) != 1 || settler.calls[0].serviceURL != "http://matched.local" {
		t.Fatalf("settler calls = %+v, want matched URL", settler.calls)
	}
}

func TestExecuteCancellationStopsNewLevels(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "first", Action: "first step", ServiceURL: "http://1.local"},
		plan.Step{ID: "second", Action: "second step", ServiceURL: "http://2.local", Dependencies: []string{"first"}},
	)
	var cancelled atomic.Bool
	settler := newFakeSettler()
	settler.onSettle = func(string) { cancelled.Store(true) }
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), cancelled.Load)
	if result.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", result.Status, StatusCancelled)
	}
	if first, ok := result.StepResults["first"]; !ok || !first.Success {
		t.Fatalf("in-flight step not allowed to finish: %+v", result.StepResults)
	}
	if _, ran := result.StepResults["second"]; ran {
		t.Fatal("new step scheduled after cancellation")
	}
}

func TestExecuteRollbackRefundsPaidSteps(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "paid", Action: "paid step", ServiceURL: "http://p.local"},
		plan.Step{ID: "broken", Action: "broken step", ServiceURL: "http://b.local", Dependencies: []string{"paid"}, RetryPolicy: quickRetry(1)},
	)
	settler := newFakeSettler()
	settler.costs["paid"] = 0.05
	settler.failures["broken"] = 1
	settler.failWith["broken"] = xerrors.New(escrow.CodeInsufficientBalance, "托管余额不足")
	refunder := &fakeRefunder{}
	publisher := &recordingPublisher{}
	engine := NewEngine(nil, settler, refunder, publisher, EngineConfig{RollbackEnabled: true})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success {
		t.Fatal("Execute() succeeded despite failing step")
	}
	if len(refunder.refunds) != 1 || refunder.refunds[0] != 0.05 {
		t.Fatalf("refunds = %v, want one refund of 0.05", refunder.refunds)
	}
	if result.TotalCost != 0.05 {
		t.Fatalf("total cost = %f, want 0.05", result.TotalCost)
	}
	if !publisher.saw(TopicWorkflowRollingBack) {
		t.Fatalf("topics = %v, missing %s", publisher.topics, TopicWorkflowRollingBack)
	}
}

func TestExecuteReportsIncompleteRollback(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "paid", Action: "paid step", ServiceURL: "http://p.local"},
		plan.Step{ID: "broken", Action: "broken step", ServiceURL: "http://b.local", Dependencies: []string{"paid"}, RetryPolicy: quickRetry(1)},
	)
	settler := newFakeSettler()
	settler.costs["paid"] = 0.05
	settler.failures["broken"] = 1
	settler.failWith["broken"] = xerrors.New(escrow.CodeInsufficientBalance, "托管余额不足")
	refunder := &fakeRefunder{err: xerrors.New(xerrors.CodeStorageFailure, "账本不可用")}
	engine := NewEngine(nil, settler, refunder, nil, EngineConfig{RollbackEnabled: true})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success {
		t.Fatal("Execute() succeeded despite failing step")
	}
	if !strings.Contains(result.Error, "paid") {
		t.Fatalf("error %q does not name the step whose refund failed", result.Error)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "slow", Action: "slow step", ServiceURL: "http://s.local"},
		plan.Step{ID: "after", Action: "after step", ServiceURL: "http://a.local", Dependencies: []string{"slow"}},
	)
	settler := newFakeSettler()
	settler.delay = 60 * time.Millisecond
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{Timeout: 20 * time.Millisecond})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success {
		t.Fatal("Execute() succeeded despite timeout")
	}
	if xerrors.CodeOf(result.Err) != CodeExecutionTimeout {
		t.Fatalf("error = %v, want %s", result.Err, CodeExecutionTimeout)
	}
}

func TestBackoffDelayStaysWithinJitterBounds(t *testing.T) {
	policy := plan.RetryPolicy{
		MaxAttempts:       5,
		BackoffMultiplier: 2,
		InitialDelayMs:    40,
		MaxDelayMs:        500,
	}
	cases := []struct {
		attempt   int
		low, high time.Duration
	}{
		{attempt: 2, low: 80 * time.Millisecond, high: 104 * time.Millisecond},
		{attempt: 3, low: 160 * time.Millisecond, high: 208 * time.Millisecond},
	}
	for _, tc := range cases {
		for i := 0; i < 200; i++ {
			delay := backoffDelay(policy, tc.attempt)
			if delay < tc.low || delay > tc.high {
				t.Fatalf("attempt %d delay = %v, want within [%v, %v]", tc.attempt, delay, tc.low, tc.high)
			}
		}
	}
}

func TestBackoffDelayHonorsMaxDelayCap(t *testing.T) {
	policy := plan.RetryPolicy{
		MaxAttempts:       5,
		BackoffMultiplier: 2,
		InitialDelayMs:    40,
		MaxDelayMs:        60,
	}
	low, high := 60*time.Millisecond, 78*time.Millisecond
	for i := 0; i < 200; i++ {
		delay := backoffDelay(policy, 2)
		if delay < low || delay > high {
			t.Fatalf("capped delay = %v, want within [%v, %v]", delay, low, high)
		}
	}
}

func TestExecuteFailsUnboundStepWithoutMatcher(t *testing.T) {
	p := compileSteps(t, plan.Step{
		ID:          "s1",
		Action:      "translate text",
		RetryPolicy: quickRetry(3),
	})
	settler := newFakeSettler()
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(context.Background(), testWorkflow(p), nil)
	if result.Success {
		t.Fatal("Execute() succeeded despite unbound step")
	}
	if settler.callCount("s1") != 0 {
		t.Fatalf("settler called %d times for an unmatchable step", settler.callCount("s1"))
	}
	if res := result.StepResults["s1"]; res.Attempts != 1 || res.Error == "" {
		t.Fatalf("step result = %+v, want one failed attempt with an error", res)
	}
}

func TestExecuteCallerCancellationIsNotTimeout(t *testing.T) {
	p := compileSteps(t,
		plan.Step{ID: "first", Action: "first step", ServiceURL: "http://f.local"},
		plan.Step{ID: "second", Action: "second step", ServiceURL: "http://s.local", Dependencies: []string{"first"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settler := newFakeSettler()
	settler.onSettle = func(stepID string) {
		if stepID == "first" {
			cancel()
		}
	}
	engine := NewEngine(nil, settler, &fakeRefunder{}, nil, EngineConfig{})

	result := engine.Execute(ctx, testWorkflow(p), nil)
	if result.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", result.Status, StatusCancelled)
	}
	if xerrors.CodeOf(result.Err) != CodeWorkflowCancelled {
		t.Fatalf("error = %v, want %s", result.Err, CodeWorkflowCancelled)
	}
	if _, ran := result.StepResults["second"]; ran {
		t.Fatal("new step scheduled after caller cancellation")
	}
}

func TestExecuteRejectsEmptyPlan(t *testing.T) {
	engine := NewEngine(nil, newFakeSettler(), &fakeRefunder{}, nil, EngineConfig{})
	result := engine.Execute(context.Background(), &Workflow{ID: "wf-1"}, nil)
	if result.Success || result.Status != StatusFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
}
