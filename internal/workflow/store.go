package workflow

import (
	"context"
	"sort"
	"sync"

	xerrors "X402-Flow/internal/errors"
)

// Store 是工作流的持久化抽象。实现需保证读写隔离，
// 返回的对象修改后必须通过 Put 回写才可见。
type Store interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	Put(ctx context.Context, wf *Workflow) error
	List(ctx context.Context, userID string, limit int) ([]*Workflow, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore 是进程内的工作流存储实现，主要用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// Get 按 ID 读取工作流。
func (s *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// Put 写入或覆盖工作流。
func (s *MemoryStore) Put(_ context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// List 按用户列出工作流，userID 为空时返回全部，按创建时间倒序。
func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if userID != "" && wf.UserID != userID {
			continue
		}
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete 删除工作流。不存在时视为成功。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}
