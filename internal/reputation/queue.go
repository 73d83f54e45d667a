// Package reputation 以异步队列收敛所有信誉变更：各处只投递交互结果，
// 由单一消费者串行地应用到身份注册表，避免并发写入打架。
package reputation

import (
	"context"
	"time"
)

// Outcome 是一次智能体交互的结果。
type Outcome struct {
	DID       string            `json:"did"`
	SessionID string            `json:"session_id"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler 处理一条交互结果。
type Handler func(ctx context.Context, outcome Outcome) error

// Producer 负责向队列投递交互结果。
type Producer interface {
	Publish(ctx context.Context, outcome Outcome) error
	Close() error
}

// Consumer 负责从队列中消费交互结果。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
