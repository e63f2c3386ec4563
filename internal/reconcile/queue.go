// Package reconcile retries instantiation of escrow legs the factory
// registered but the host never acknowledged.
package reconcile

import (
	"context"
)

// Handler 处理来自消息队列的 escrow ID。
type Handler func(ctx context.Context, escrowID string) error

// Producer 负责向队列投递待对账的 escrow。
type Producer interface {
	Publish(ctx context.Context, escrowID string) error
	Close() error
}

// Consumer 负责从队列中消费待对账的 escrow。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
