package reconcile

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/observability/alerting"
	"CrossChain-Escrow/internal/observability/metrics"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

const (
	// DefaultMaxAttempts 是每个 escrow 的实例化尝试上限，包含创建时的那一次。
	DefaultMaxAttempts = 5
	// DefaultRetryDelay 是失败编号重新入队前的等待时间。
	DefaultRetryDelay = 2 * time.Second
)

// CodeReconcileExhausted 表示用尽全部尝试后仍为 pending 的 escrow。
const CodeReconcileExhausted xerrors.Code = "RECONCILE_EXHAUSTED"

func init() {
	xerrors.Register(CodeReconcileExhausted, xerrors.Attributes{
		Message:  "escrow instantiation exhausted its retries",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Reconciler 重试单个 pending escrow 的实例化。
type Reconciler interface {
	Reconcile(ctx context.Context, id swap.EscrowID) (*factory.Record, error)
}

// Processor 负责从队列消费待对账的 escrow 并交给工厂重试实例化。
type Processor struct {
	reconciler  Reconciler
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单个 escrow 的最大实例化次数。
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithRetryDelay 设置重新入队前的等待时间。
func WithRetryDelay(delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(reconciler Reconciler, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		reconciler:  reconciler,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// MaxAttempts 返回配置的尝试上限。
func (p *Processor) MaxAttempts() int { return p.maxAttempts }

// Start 启动对账循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "reconcile consumer is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 仅在重试无法重新入队时返回错误，此时队列驱动保留该消息。
func (p *Processor) handle(ctx context.Context, raw string) error {
	if p.reconciler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "reconciler is not configured")
	}
	id, err := swap.ParseEscrowID(raw)
	if err != nil {
		p.logDebug("drop malformed escrow id", slog.String("escrow_id", raw))
		metrics.ObserveReconcile("malformed")
		return nil
	}

	rec, err := p.reconciler.Reconcile(ctx, id)
	if err == nil {
		metrics.ObserveReconcile("confirmed")
		logger.Audit().Info("escrow reconciled",
			slog.String("escrow_id", id.String()),
			slog.String("address", string(rec.Address)),
			slog.Int("attempts", rec.Attempts),
		)
		return nil
	}
	if stdErrors.Is(err, swap.ErrEscrowNotFound) {
		p.logDebug("skip unknown escrow", slog.String("escrow_id", raw))
		metrics.ObserveReconcile("skipped")
		return nil
	}

	attempts := 0
	if rec != nil {
		attempts = rec.Attempts
	}
	retryable := xerrors.RetryableError(err)
	if retryable && attempts < p.maxAttempts {
		metrics.ObserveReconcile("retry")
		logger.Audit().Warn("escrow reconcile failed, retrying",
			slog.String("escrow_id", id.String()),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", p.maxAttempts),
			slog.String("error", err.Error()),
		)
		if err := p.wait(ctx); err != nil {
			return err
		}
		if pubErr := p.producer.Publish(ctx, id.String()); pubErr != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, fmt.Sprintf("requeue escrow %s", id))
		}
		return nil
	}

	stage := "exhausted"
	if !retryable {
		stage = "non_retryable"
	}
	metrics.ObserveReconcile(stage)
	logger.Audit().Error("escrow left pending",
		slog.String("escrow_id", id.String()),
		slog.String("stage", stage),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	p.emitAlert(ctx, id, rec, err, stage)
	return nil
}

func (p *Processor) wait(ctx context.Context) error {
	if p.retryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Processor) logDebug(msg string, attrs ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, id swap.EscrowID, rec *factory.Record, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError(xerrors.Wrap(CodeReconcileExhausted, cause, fmt.Sprintf("escrow %s stayed pending", id)))
	event.EscrowID = id.String()
	event.MaxAttempts = p.maxAttempts
	if rec != nil {
		event.Address = string(rec.Address)
		event.Attempts = rec.Attempts
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["stage"] = stage
	event.Metadata["cause_code"] = string(xerrors.CodeOf(cause))
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Warn("dispatch reconcile alert", slog.Any("error", err), slog.String("escrow_id", id.String()))
	}
}
