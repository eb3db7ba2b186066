package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"X402-Flow/internal/workflow"
)

const workflowKeyPrefix = "x402:workflow:"

// WorkflowStore 把工作流以 JSON 形式存入 Redis，按 TTL 过期。
type WorkflowStore struct {
	client *Client
	ttl    time.Duration
}

// NewWorkflowStore 创建 Redis 工作流存储。ttl 为 0 时默认保留 7 天。
func NewWorkflowStore(client *Client, ttl time.Duration) *WorkflowStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &WorkflowStore{client: client, ttl: ttl}
}

// Get 按 ID 读取工作流，反序列化后重建计划的内部索引。
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	raw, ok, err := s.client.Get(ctx, workflowKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("解析工作流记录失败: %w", err)
	}
	if wf.Plan != nil {
		if err := wf.Plan.Rehydrate(); err != nil {
			return nil, err
		}
	}
	return &wf, nil
}

// Put 写入工作流并续期 TTL。
func (s *WorkflowStore) Put(ctx context.Context, wf *workflow.Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("序列化工作流失败: %w", err)
	}
	return s.client.Set(ctx, workflowKeyPrefix+wf.ID, raw, s.ttl)
}

// List 扫描全部工作流键并按用户过滤。工作流数量有限, KEYS 可接受。
func (s *WorkflowStore) List(ctx context.Context, userID string, limit int) ([]*workflow.Workflow, error) {
	keys, err := s.client.Keys(ctx, workflowKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Workflow, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.client.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var wf workflow.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			continue
		}
		if userID != "" && wf.UserID != userID {
			continue
		}
		out = append(out, &wf)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete 删除工作流。
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	return s.client.Delete(ctx, workflowKeyPrefix+id)
}

// Close 实现 workflow.Store 接口, 连接由外层 Client 统一关闭。
func (s *WorkflowStore) Close() error {
	return nil
}
