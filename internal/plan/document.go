package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "X402-Flow/internal/errors"
)

// Document 是外部规划器输出的原始契约：一组尚未编译的步骤。
type Document struct {
	Steps []Step `json:"steps"`
}

// ParseDocument 严格解析规划器的 JSON 输出。
// 未知字段会被拒绝，缺失的必填字段会报错，重试策略的空缺字段填入默认值。
func ParseDocument(data []byte) (*Document, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(CodePlanValidation, err, "解析计划文档失败")
	}
	if decoder.More() {
		return nil, xerrors.New(CodePlanValidation, "计划文档包含多余内容")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate 检查文档中的每个步骤并补齐默认值。
func (d *Document) Validate() error {
	if d == nil || len(d.Steps) == 0 {
		return xerrors.New(CodePlanValidation, "计划至少需要一个步骤")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("第 %d 个步骤缺少 id", i+1))
		}
		if _, dup := seen[step.ID]; dup {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 id %s 重复", step.ID))
		}
		seen[step.ID] = struct{}{}
		if strings.TrimSpace(step.Action) == "" {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %s 缺少 action", step.ID))
		}
		if strings.TrimSpace(step.OutputKey) == "" {
			step.OutputKey = step.ID
		}
		if step.EstimatedCost < 0 {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %s 的预估成本为负", step.ID))
		}
		if step.EstimatedTime < 0 {
			return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %s 的预估耗时为负", step.ID))
		}
		applyRetryDefaults(&step.RetryPolicy)
	}
	for _, step := range d.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := seen[dep]; !ok {
				return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %s 依赖了不存在的步骤 %s", step.ID, dep))
			}
			if dep == step.ID {
				return xerrors.New(CodePlanValidation, fmt.Sprintf("步骤 %s 不能依赖自身", step.ID))
			}
		}
	}
	return nil
}

func applyRetryDefaults(policy *RetryPolicy) {
	defaults := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.BackoffMultiplier < 1 {
		policy.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if policy.InitialDelayMs <= 0 {
		policy.InitialDelayMs = defaults.InitialDelayMs
	}
	if policy.MaxDelayMs <= 0 {
		policy.MaxDelayMs = defaults.MaxDelayMs
	}
	if policy.MaxDelayMs < policy.InitialDelayMs {
		policy.MaxDelayMs = policy.InitialDelayMs
	}
}
