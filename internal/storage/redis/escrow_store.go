package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"X402-Flow/internal/escrow"
)

const (
	escrowAccountKeyPrefix  = "x402:escrow:account:"
	escrowPaymentsKeyPrefix = "x402:escrow:payments:"
	// escrowPaymentsRetained 限制单个用户保留的支付历史条数。
	escrowPaymentsRetained = 200
)

// EscrowStore 把托管账户与支付历史以 JSON 形式存入 Redis。
// 资金状态不设 TTL，余额必须在进程重启后存活。同一用户的
// 读改写由上层账本串行化，这里不做并发控制。
type EscrowStore struct {
	client *Client
}

// NewEscrowStore 创建 Redis 托管账户存储。
func NewEscrowStore(client *Client) *EscrowStore {
	return &EscrowStore{client: client}
}

// Get 按用户读取托管账户。
func (s *EscrowStore) Get(ctx context.Context, userID string) (*escrow.Account, error) {
	raw, ok, err := s.client.Get(ctx, escrowAccountKeyPrefix+userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, escrow.ErrAccountNotFound
	}
	var account escrow.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("解析托管账户记录失败: %w", err)
	}
	return &account, nil
}

// Put 写入托管账户。
func (s *EscrowStore) Put(ctx context.Context, account *escrow.Account) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("序列化托管账户失败: %w", err)
	}
	return s.client.Set(ctx, escrowAccountKeyPrefix+account.UserID, raw, 0)
}

// AppendPayment 把支付记录插到历史最前端并截断到保留上限。
func (s *EscrowStore) AppendPayment(ctx context.Context, userID string, payment escrow.Payment) error {
	history, err := s.loadPayments(ctx, userID)
	if err != nil {
		return err
	}
	history = append([]escrow.Payment{payment}, history...)
	if len(history) > escrowPaymentsRetained {
		history = history[:escrowPaymentsRetained]
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("序列化支付历史失败: %w", err)
	}
	return s.client.Set(ctx, escrowPaymentsKeyPrefix+userID, raw, 0)
}

// ListPayments 返回用户最近的支付记录，最新的排在最前。
func (s *EscrowStore) ListPayments(ctx context.Context, userID string, limit int) ([]escrow.Payment, error) {
	history, err := s.loadPayments(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	result := make([]escrow.Payment, limit)
	copy(result, history[:limit])
	return result, nil
}

func (s *EscrowStore) loadPayments(ctx context.Context, userID string) ([]escrow.Payment, error) {
	raw, ok, err := s.client.Get(ctx, escrowPaymentsKeyPrefix+userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var history []escrow.Payment
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("解析支付历史失败: %w", err)
	}
	return history, nil
}

// Close 实现 escrow.Store 接口, 连接由外层 Client 统一关闭。
func (s *EscrowStore) Close() error {
	return nil
}
