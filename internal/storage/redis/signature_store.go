package redis

import (
	"context"
	"time"
)

const signatureKeyPrefix = "x402:signature:"

// SignatureStore 基于 Redis SETNX 的签名一次性记录，
// check-and-set 即占位，天然支持多实例部署。
type SignatureStore struct {
	client *Client
}

// NewSignatureStore 创建 Redis 签名存储。
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// Add 原子地登记签名。已存在时返回 false，表示重放。
func (s *SignatureStore) Add(ctx context.Context, signature string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, signatureKeyPrefix+signature, []byte("1"), ttl)
}

// Has 判断签名是否已被消费。
func (s *SignatureStore) Has(ctx context.Context, signature string) (bool, error) {
	return s.client.Exists(ctx, signatureKeyPrefix+signature)
}
