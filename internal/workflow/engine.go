package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/plan"
	"X402-Flow/internal/registry"
	"X402-Flow/internal/settlement"
	"X402-Flow/pkg/logger"
)

// ServiceMatcher 为步骤挑选服务提供方。
type ServiceMatcher interface {
	Match(ctx context.Context, step plan.Step) (*registry.Match, error)
}

// Settler 对已选定的服务端点执行带结算的调用。
type Settler interface {
	Settle(ctx context.Context, userID, serviceURL string, params map[string]any, step plan.Step) (*settlement.Result, error)
}

// Refunder 是回滚阶段所需的账本补偿能力。
type Refunder interface {
	Refund(ctx context.Context, userID string, amount float64) error
}

// EngineConfig 控制执行引擎行为。
type EngineConfig struct {
	// Timeout 限制单次工作流执行的墙钟时间，0 表示不限制。
	Timeout time.Duration
	// RollbackEnabled 控制失败时是否执行补偿性退款。
	RollbackEnabled bool
}

// Engine 按依赖层级调度步骤执行，层内可并行，层间严格串行。
type Engine struct {
	matcher   ServiceMatcher
	settler   Settler
	ledger    Refunder
	publisher Publisher
	cfg       EngineConfig
}

// NewEngine 创建执行引擎。publisher 为 nil 时不发布事件。
func NewEngine(matcher ServiceMatcher, settler Settler, ledger Refunder, publisher Publisher, cfg EngineConfig) *Engine {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Engine{
		matcher:   matcher,
		settler:   settler,
		ledger:    ledger,
		publisher: publisher,
		cfg:       cfg,
	}
}

// run 持有单次执行的全部可变状态，不跨工作流共享。
type run struct {
	wf        *Workflow
	outputs   map[string]any
	results   map[string]StepResult
	mu        sync.Mutex
	cancelled func() bool
}

func (r *run) record(result StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.StepID] = result
	if result.Success {
		key := result.StepID
		if step, ok := r.wf.Plan.Step(result.StepID); ok && step.OutputKey != "" {
			key = step.OutputKey
		}
		r.outputs[key] = result.Output
	}
}

func (r *run) output(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.outputs[key]
	return value, ok
}

func (r *run) cancelRequested() bool {
	return r.cancelled != nil && r.cancelled()
}

// Execute 执行工作流的计划并返回汇总结果。cancelled 探针为真后，
// 在途步骤允许跑完，但不再调度新的步骤。
func (e *Engine) Execute(ctx context.Context, wf *Workflow, cancelled func() bool) *ExecutionResult {
	started := time.Now()
	result := &ExecutionResult{
		Status:      StatusExecuting,
		StepResults: make(map[string]StepResult),
	}

	if wf == nil || wf.Plan == nil || len(wf.Plan.Steps) == 0 {
		result.Status = StatusFailed
		result.Error = "执行计划为空"
		return result
	}
	levels := wf.Plan.Levels()
	if levels == nil {
		if err := wf.Plan.Rehydrate(); err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
			return result
		}
		levels = wf.Plan.Levels()
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	r := &run{
		wf:        wf,
		outputs:   make(map[string]any),
		results:   result.StepResults,
		cancelled: cancelled,
	}

	var runErr error
levelLoop:
	for levelIdx, level := range levels {
		if err := ctx.Err(); err != nil {
			runErr = e.timeoutError(err)
			break
		}
		if r.cancelRequested() {
			runErr = xerrors.New(CodeWorkflowCancelled, "工作流已被取消")
			break
		}

		parallel, sequential := e.partition(wf.Plan, level)
		logger.L().Info("开始执行层级",
			slog.String("workflow_id", wf.ID),
			slog.Int("level", levelIdx),
			slog.Int("parallel", len(parallel)),
			slog.Int("sequential", len(sequential)),
		)

		if len(parallel) > 0 {
			var wg sync.WaitGroup
			for _, step := range parallel {
				wg.Add(1)
				go func(step plan.Step) {
					defer wg.Done()
					r.record(e.executeStep(ctx, r, step))
				}(step)
			}
			wg.Wait()
			// 并行批次内已完成的兄弟结果保留，任一失败终止整个运行。
			for _, step := range parallel {
				if res, ok := result.StepResults[step.ID]; ok && !res.Success {
					runErr = xerrors.New(settlement.CodeStepExecution,
						fmt.Sprintf("步骤 %s 执行失败: %s", step.ID, res.Error))
					break levelLoop
				}
			}
		}

		for _, step := range sequential {
			if err := ctx.Err(); err != nil {
				runErr = e.timeoutError(err)
				break levelLoop
			}
			if r.cancelRequested() {
				runErr = xerrors.New(CodeWorkflowCancelled, "工作流已被取消")
				break levelLoop
			}
			res := e.executeStep(ctx, r, step)
			r.record(res)
			if !res.Success {
				runErr = xerrors.New(settlement.CodeStepExecution,
					fmt.Sprintf("步骤 %s 执行失败: %s", step.ID, res.Error))
				break levelLoop
			}
		}
	}

	for _, res := range result.StepResults {
		result.TotalCost += res.Cost
	}
	result.TotalTime = time.Since(started).Milliseconds()

	if runErr != nil {
		result.Success = false
		result.Status = StatusFailed
		if xerrors.CodeOf(runErr) == CodeWorkflowCancelled {
			result.Status = StatusCancelled
		}
		result.Err = runErr
		result.Error = runErr.Error()
		if e.cfg.RollbackEnabled && result.Status == StatusFailed {
			e.publish(ctx, Event{
				Topic:      TopicWorkflowRollingBack,
				WorkflowID: wf.ID,
				UserID:     wf.UserID,
				Status:     StatusRollingBack,
			})
			if err := e.rollback(ctx, wf.UserID, wf.ID, result.StepResults); err != nil {
				result.Error = fmt.Sprintf("%s; %s", result.Error, err.Error())
			}
		}
		return result
	}

	result.Success = true
	result.Status = StatusCompleted
	result.Output = e.extractOutput(wf.Plan, r)
	return result
}

func (e *Engine) timeoutError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.New(CodeExecutionTimeout, "工作流执行超时")
	case errors.Is(err, context.Canceled):
		return xerrors.New(CodeWorkflowCancelled, "工作流执行被调用方取消")
	}
	return xerrors.Wrap(CodeExecutionTimeout, err, "工作流执行被中断")
}

// partition 把层级内的步骤分为并行与串行两组，保持计划声明顺序。
func (e *Engine) partition(p *plan.Plan, level []string) (parallel, sequential []plan.Step) {
	order := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		order[step.ID] = i
	}
	ids := make([]string, len(level))
	copy(ids, level)
	sort.Slice(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })

	for _, id := range ids {
		step, ok := p.Step(id)
		if !ok {
			continue
		}
		if step.Parallelizable {
			parallel = append(parallel, *step)
		} else {
			sequential = append(sequential, *step)
		}
	}
	return parallel, sequential
}

// executeStep 在步骤自身的重试预算内执行单个步骤。
func (e *Engine) executeStep(ctx context.Context, r *run, step plan.Step) StepResult {
	started := time.Now()
	policy := step.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = plan.DefaultRetryPolicy()
	}

	e.publish(ctx, Event{
		Topic:      TopicStepStarted,
		WorkflowID: r.wf.ID,
		UserID:     r.wf.UserID,
		StepID:     step.ID,
	})

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			if err := e.backoff(ctx, policy, attempt); err != nil {
				lastErr = e.timeoutError(err)
				break
			}
			e.publish(ctx, Event{
				Topic:      TopicStepProgress,
				WorkflowID: r.wf.ID,
				UserID:     r.wf.UserID,
				StepID:     step.ID,
				Payload:    map[string]any{"attempt": attempt},
			})
		}

		output, cost, proofRef, serviceID, err := e.attempt(ctx, r, step)
		if err == nil {
			result := StepResult{
				StepID:     step.ID,
				Success:    true,
				Output:     output,
				Cost:       cost,
				TimeTaken:  time.Since(started).Milliseconds(),
				ProofRef:   proofRef,
				Attempts:   attempts,
				ServiceID:  serviceID,
				FinishedAt: time.Now().UnixMilli(),
			}
			e.publish(ctx, Event{
				Topic:      TopicStepCompleted,
				WorkflowID: r.wf.ID,
				UserID:     r.wf.UserID,
				StepID:     step.ID,
				Payload:    map[string]any{"cost": cost, "attempts": attempts},
			})
			return result
		}

		lastErr = err
		logger.L().Warn("步骤执行失败",
			slog.String("workflow_id", r.wf.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if !xerrors.RetryableError(err) {
			break
		}
	}

	result := StepResult{
		StepID:     step.ID,
		Success:    false,
		TimeTaken:  time.Since(started).Milliseconds(),
		Attempts:   attempts,
		FinishedAt: time.Now().UnixMilli(),
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	e.publish(ctx, Event{
		Topic:      TopicStepFailed,
		WorkflowID: r.wf.ID,
		UserID:     r.wf.UserID,
		StepID:     step.ID,
		Payload:    map[string]any{"error": result.Error, "attempts": attempts},
	})
	return result
}

// attempt 执行一次步骤调用：选服务、解析输入、结算调用。
func (e *Engine) attempt(ctx context.Context, r *run, step plan.Step) (output any, cost float64, proofRef, serviceID string, err error) {
	serviceURL := step.ServiceURL
	serviceID = step.ServiceID
	if serviceURL == "" {
		if e.matcher == nil {
			return nil, 0, "", "", xerrors.New(registry.CodeServiceNotFound,
				fmt.Sprintf("步骤 %s 未绑定服务地址，且没有配置服务匹配器", step.ID))
		}
		match, matchErr := e.matcher.Match(ctx, step)
		if matchErr != nil {
			return nil, 0, "", "", matchErr
		}
		serviceURL = match.Service.URL
		serviceID = match.Service.ID
	}

	params, err := e.resolveInputs(r, step)
	if err != nil {
		return nil, 0, "", "", err
	}

	settled, err := e.settler.Settle(ctx, r.wf.UserID, serviceURL, params, step)
	if err != nil {
		return nil, 0, "", serviceID, err
	}
	return decodeOutput(settled.Output), settled.PaidAmount, settled.ProofRef, serviceID, nil
}

// resolveInputs 合并静态参数与上游输出。静态参数垫底，映射覆盖同名键。
func (e *Engine) resolveInputs(r *run, step plan.Step) (map[string]any, error) {
	params := make(map[string]any, len(step.Params)+len(step.InputMapping))
	for key, value := range step.Params {
		params[key] = value
	}
	for param, outputKey := range step.InputMapping {
		value, ok := r.output(outputKey)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("步骤 %s 引用的上游输出 %s 不存在", step.ID, outputKey))
		}
		params[param] = value
	}
	return params, nil
}

// backoffDelay 计算第 attempt 次尝试前的退避时长：指数增长、封顶，
// 再叠加最多 30% 的随机抖动以错开重试洪峰。
func backoffDelay(policy plan.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if limit := float64(policy.MaxDelayMs); base > limit {
		base = limit
	}
	return time.Duration(base*(1+0.3*rand.Float64())) * time.Millisecond
}

// backoff 在重试前等待退避延迟，期间响应上下文取消。
func (e *Engine) backoff(ctx context.Context, policy plan.RetryPolicy, attempt int) error {
	timer := time.NewTimer(backoffDelay(policy, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rollback 对已产生费用的步骤做补偿性退款。退款失败必须上浮，
// 不允许让账本不一致悄悄通过。
func (e *Engine) rollback(ctx context.Context, userID, workflowID string, results map[string]StepResult) error {
	var failed []string
	for stepID, result := range results {
		if result.Cost <= 0 {
			continue
		}
		if err := e.ledger.Refund(ctx, userID, result.Cost); err != nil {
			logger.L().Error("回滚退款失败",
				slog.String("workflow_id", workflowID),
				slog.String("step_id", stepID),
				slog.Float64("amount", result.Cost),
				slog.Any("error", err),
			)
			failed = append(failed, stepID)
			continue
		}
		logger.Audit().Info("回滚退款完成",
			slog.String("workflow_id", workflowID),
			slog.String("step_id", stepID),
			slog.Float64("amount", result.Cost),
		)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return xerrors.New(CodeRollbackIncomplete,
			fmt.Sprintf("以下步骤的补偿退款失败: %v", failed))
	}
	return nil
}

// extractOutput 从终端步骤提取工作流总输出。唯一终端步骤直接取其
// 输出，多个终端步骤按 outputKey 合并为映射。
func (e *Engine) extractOutput(p *plan.Plan, r *run) any {
	terminals := p.TerminalSteps()
	if len(terminals) == 1 {
		key := terminals[0].OutputKey
		if key == "" {
			key = terminals[0].ID
		}
		if value, ok := r.output(key); ok {
			return value
		}
		return nil
	}
	merged := make(map[string]any, len(terminals))
	for _, terminal := range terminals {
		key := terminal.OutputKey
		if key == "" {
			key = terminal.ID
		}
		if value, ok := r.output(key); ok {
			merged[key] = value
		}
	}
	return merged
}

func (e *Engine) publish(ctx context.Context, event Event) {
	event.Timestamp = time.Now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("事件发布失败",
			slog.String("topic", event.Topic),
			slog.String("workflow_id", event.WorkflowID),
			slog.Any("error", err),
		)
	}
}

// decodeOutput 尽力把服务响应解析为结构化输出，失败时保留原文。
func decodeOutput(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return decoded
}
