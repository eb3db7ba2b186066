package escrow

import (
	"context"
	"sync"
)

// Store 抽象了托管账户状态的持久化接口。实现不要求提供并发控制，
// 账本会在其上层对同一用户的修改做串行化。
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)
	Put(ctx context.Context, account *Account) error
	AppendPayment(ctx context.Context, userID string, payment Payment) error
	ListPayments(ctx context.Context, userID string, limit int) ([]Payment, error)
	Close() error
}

// MemoryStore 以内存方式保存托管账户，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	payments map[string][]Payment
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		payments: make(map[string][]Payment),
	}
}

// Get 返回账户副本。
func (m *MemoryStore) Get(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *account
	return &clone, nil
}

// Put 写入账户。
func (m *MemoryStore) Put(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *account
	m.accounts[account.UserID] = &clone
	return nil
}

// AppendPayment 追加一条支付记录，最新的排在最前。
func (m *MemoryStore) AppendPayment(_ context.Context, userID string, payment Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[userID] = append([]Payment{payment}, m.payments[userID]...)
	return nil
}

// ListPayments 返回用户最近的支付记录。
func (m *MemoryStore) ListPayments(_ context.Context, userID string, limit int) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.payments[userID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	result := make([]Payment, limit)
	copy(result, history[:limit])
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
