package settlement

import (
	"context"
	"sync"
	"time"
)

// SignatureStore 记录已被接受的支付签名，用于重放保护。
// Add 必须是 check-and-set 语义：签名已存在时返回 false。
type SignatureStore interface {
	Add(ctx context.Context, signature string, ttl time.Duration) (bool, error)
	Has(ctx context.Context, signature string) (bool, error)
}

// MemorySignatureStore 以内存方式保存签名，主要用于测试与单机部署。
type MemorySignatureStore struct {
	mu         sync.Mutex
	signatures map[string]time.Time
}

// NewMemorySignatureStore 创建 MemorySignatureStore。
func NewMemorySignatureStore() *MemorySignatureStore {
	return &MemorySignatureStore{signatures: make(map[string]time.Time)}
}

// Add 原子地登记签名。已登记且未过期时返回 false。
func (s *MemorySignatureStore) Add(_ context.Context, signature string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if expiry, ok := s.signatures[signature]; ok && now.Before(expiry) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.signatures[signature] = now.Add(ttl)
	s.evictExpired(now)
	return true, nil
}

// Has 判断签名是否已被接受。
func (s *MemorySignatureStore) Has(_ context.Context, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.signatures[signature]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.signatures, signature)
		return false, nil
	}
	return true, nil
}

func (s *MemorySignatureStore) evictExpired(now time.Time) {
	if len(s.signatures) < 4096 {
		return
	}
	for signature, expiry := range s.signatures {
		if now.After(expiry) {
			delete(s.signatures, signature)
		}
	}
}

var _ SignatureStore = (*MemorySignatureStore)(nil)
