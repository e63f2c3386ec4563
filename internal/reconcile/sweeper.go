package reconcile

import (
	"context"
	"log/slog"
	"time"

	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/pkg/logger"
)

// PendingLister 列出仍待实例化的登记。
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]*factory.Record, error)
}

// Sweeper 周期性地将 pending escrow 重新入队，
// 覆盖队列消息丢失以及重启前遗留的编号。
type Sweeper struct {
	lister      PendingLister
	producer    Producer
	interval    time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
}

// NewSweeper 创建 Sweeper。达到 maxAttempts 的登记留给运维人员处理。
func NewSweeper(lister PendingLister, producer Producer, interval time.Duration, batch, maxAttempts int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Sweeper{
		lister:      lister,
		producer:    producer,
		interval:    interval,
		batch:       batch,
		maxAttempts: maxAttempts,
		logger:      logger.Named("reconcile"),
	}
}

// Run 立即扫描一次，此后每个周期扫描一次，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("sweep pending escrows", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep 投递所有可重试的 pending 登记并返回数量。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	records, err := s.lister.ListPending(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range records {
		if rec.Attempts >= s.maxAttempts {
			continue
		}
		if err := s.producer.Publish(ctx, rec.ID.String()); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info("pending escrows requeued", slog.Int("count", queued))
	}
	return queued, nil
}
