package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"X402-Flow/internal/workflow"
)

// Publisher 把工作流事件发布到 Redis 频道，频道名即事件主题，
// 前缀用于隔离多套部署。
type Publisher struct {
	client *Client
	prefix string
}

// NewPublisher 创建 Redis 事件发布器。
func NewPublisher(client *Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "x402:events:"
	}
	return &Publisher{client: client, prefix: prefix}
}

// Publish 序列化事件并发布到对应频道。
func (p *Publisher) Publish(ctx context.Context, event workflow.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return p.client.PublishMessage(ctx, p.prefix+event.Topic, payload)
}

// Close 实现 workflow.Publisher 接口, 连接由外层 Client 统一关闭。
func (p *Publisher) Close() error {
	return nil
}
