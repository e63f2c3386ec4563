// Package factory allocates escrow ids, keeps the append-only registry of
// every leg it created and asks the host to instantiate each leg.
package factory

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

// Config 描述工厂的身份，两个字段均为必填。
type Config struct {
	// Owner 是唯一允许创建 escrow 的主体。
	Owner swap.Principal `json:"owner"`
	// Account 是工厂自身的账本账户，escrow 地址由它派生。
	Account swap.Principal `json:"account"`
}

// PendingSink 接收需要重试实例化的 escrow 编号。
type PendingSink interface {
	Publish(ctx context.Context, id string) error
}

// TransitionObserver 接收每一次创建调用及其结果。
type TransitionObserver interface {
	ObserveTransition(operation, outcome string)
}

// Factory 负责分配编号、登记并实例化 escrow。
type Factory struct {
	cfg          Config
	ledger       ledger.Ledger
	instantiator ledger.Instantiator
	registry     Registry
	sink         PendingSink
	observer     TransitionObserver
	logger       *slog.Logger
}

// Option 定义可选的 Factory 配置。
type Option func(*Factory)

// WithPendingSink 设置实例化失败后的排队出口。
func WithPendingSink(sink PendingSink) Option {
	return func(f *Factory) {
		f.sink = sink
	}
}

// WithObserver 设置指标接收方。
func WithObserver(o TransitionObserver) Option {
	return func(f *Factory) {
		f.observer = o
	}
}

// WithLogger 设置运行日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// New 创建一个 Factory。
func New(cfg Config, l ledger.Ledger, instantiator ledger.Instantiator, registry Registry, opts ...Option) (*Factory, error) {
	cfg.Owner = swap.Principal(strings.TrimSpace(string(cfg.Owner)))
	cfg.Account = swap.Principal(strings.TrimSpace(string(cfg.Account)))
	if cfg.Owner == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "factory owner is required")
	}
	if cfg.Account == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "factory account is required")
	}
	if l == nil || instantiator == nil || registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "factory dependencies are not configured")
	}
	f := &Factory{
		cfg:          cfg,
		ledger:       l,
		instantiator: instantiator,
		registry:     registry,
		logger:       logger.Named("factory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Owner 返回配置的 owner。
func (f *Factory) Owner() swap.Principal { return f.cfg.Owner }

// Account 返回工厂账户。
func (f *Factory) Account() swap.Principal { return f.cfg.Account }

// CreateSrcEscrow 登记并实例化源链 escrow。
// 登记中的 deployed_at 保持为零，由 host 在实例化时写入。
func (f *Factory) CreateSrcEscrow(ctx context.Context, order swap.CrossChainOrder, timeLocks swap.TimeLocks,
	taker swap.Principal, amount swap.Amount, secretHash string) (swap.EscrowID, error) {
	id, err := f.createSrc(ctx, order, timeLocks, taker, amount, secretHash)
	f.observe("create_src", err)
	return id, err
}

func (f *Factory) createSrc(ctx context.Context, order swap.CrossChainOrder, timeLocks swap.TimeLocks,
	taker swap.Principal, amount swap.Amount, secretHash string) (swap.EscrowID, error) {
	if err := f.authorize(ctx); err != nil {
		return 0, err
	}
	immutables := swap.NewEscrowImmutables(order, timeLocks, taker, amount)
	hash, err := validate(immutables, secretHash)
	if err != nil {
		return 0, err
	}
	return f.create(ctx, SideSrc, immutables, hash)
}

// CreateDstEscrow 登记并实例化目标链 escrow，调用方提供的 deployed_at 会被当前账本时间覆盖。
func (f *Factory) CreateDstEscrow(ctx context.Context, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error) {
	id, err := f.createDst(ctx, immutables, secretHash)
	f.observe("create_dst", err)
	return id, err
}

func (f *Factory) createDst(ctx context.Context, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error) {
	if err := f.authorize(ctx); err != nil {
		return 0, err
	}
	hash, err := validate(immutables, secretHash)
	if err != nil {
		return 0, err
	}
	now, err := f.ledger.CurrentTime(ctx)
	if err != nil {
		return 0, err
	}
	return f.create(ctx, SideDst, immutables.WithDeployedAt(now), hash)
}

func (f *Factory) authorize(ctx context.Context) error {
	caller, err := f.ledger.CallerIdentity(ctx)
	if err != nil {
		return err
	}
	if caller != f.cfg.Owner {
		f.logger.Warn("unauthorized factory call", slog.String("caller", string(caller)))
		return xerrors.New(swap.CodeUnauthorized,
			fmt.Sprintf("caller %q is not the factory owner", caller),
			xerrors.WithMetadata("caller", string(caller)))
	}
	return nil
}

func validate(im swap.EscrowImmutables, secretHash string) (string, error) {
	if im.Amount.IsZero() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	if strings.TrimSpace(string(im.Taker)) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "taker is required")
	}
	if strings.TrimSpace(string(im.Order.Maker)) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "order maker is required")
	}
	if err := im.TimeLocks.Validate(); err != nil {
		return "", err
	}
	return swap.NormalizeSecretHash(secretHash)
}

func (f *Factory) create(ctx context.Context, side Side, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error) {
	funding, err := immutables.Amount.Add(ledger.AttachedDeposit(ctx))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "funding overflows")
	}

	rec, err := f.registry.Append(ctx, func(id swap.EscrowID) Record {
		return Record{
			Address:    LegAddress(id, f.cfg.Account),
			Side:       side,
			Immutables: immutables,
			SecretHash: secretHash,
			Funding:    funding,
			Status:     StatusPending,
			RequestID:  uuid.NewString(),
		}
	})
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("escrow registered",
		slog.String("escrow_id", rec.ID.String()),
		slog.String("side", string(side)),
		slog.String("address", string(rec.Address)),
		slog.String("order_hash", immutables.Order.Hash().Hex()),
		slog.String("funding", funding.String()),
		slog.String("request_id", rec.RequestID),
	)

	if err := f.instantiate(ctx, rec); err != nil {
		f.leavePending(ctx, rec, err)
	}
	return rec.ID, nil
}

// instantiate 请求 host 创建 escrow，成功后确认登记。
func (f *Factory) instantiate(ctx context.Context, rec *Record) error {
	address, err := f.instantiator.InstantiateContract(ctx, ledger.InstantiateRequest{
		RequestID:  rec.RequestID,
		Address:    rec.Address,
		Immutables: rec.Immutables,
		SecretHash: rec.SecretHash,
		Funding:    rec.Funding,
	})
	if err != nil {
		retryable := xerrors.CodeOf(err) != xerrors.CodeInvalidArgument
		return xerrors.Wrap(swap.CodeInstantiationFailed, err,
			fmt.Sprintf("instantiate %s", rec.Address),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("escrow_id", rec.ID.String()))
	}
	if err := f.registry.Confirm(ctx, rec.ID, address); err != nil {
		return err
	}
	logger.Audit().Info("escrow confirmed",
		slog.String("escrow_id", rec.ID.String()),
		slog.String("address", string(address)),
	)
	return nil
}

// leavePending 保持登记为 pending 并交给补偿流程。
func (f *Factory) leavePending(ctx context.Context, rec *Record, cause error) {
	if _, err := f.registry.RecordFailure(ctx, rec.ID, cause.Error()); err != nil {
		f.logger.Error("record instantiation failure", slog.String("escrow_id", rec.ID.String()), slog.Any("error", err))
	}
	f.logger.Warn("escrow left pending",
		slog.String("escrow_id", rec.ID.String()),
		slog.String("address", string(rec.Address)),
		slog.Any("error", cause),
	)
	if f.sink == nil || !xerrors.RetryableError(cause) {
		return
	}
	if err := f.sink.Publish(ctx, rec.ID.String()); err != nil {
		f.logger.Error("queue pending escrow", slog.String("escrow_id", rec.ID.String()), slog.Any("error", err))
	}
}

// Reconcile 重试 pending 状态 escrow 的实例化。
// 已确认的登记原样返回，计数器不受影响。
func (f *Factory) Reconcile(ctx context.Context, id swap.EscrowID) (*Record, error) {
	rec, err := f.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusConfirmed {
		return rec, nil
	}
	if err := f.instantiate(ctx, rec); err != nil {
		updated, recErr := f.registry.RecordFailure(ctx, id, err.Error())
		if recErr != nil {
			return rec, stdErrors.Join(err, recErr)
		}
		return updated, err
	}
	return f.registry.Get(ctx, id)
}

// Confirm 将 pending 登记标记为已在 address 实例化，供异步确认的 host 使用。
func (f *Factory) Confirm(ctx context.Context, id swap.EscrowID, address swap.Principal) error {
	rec, err := f.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Address != address {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("escrow %s lives at %s, not %s", id, rec.Address, address))
	}
	if rec.Status == StatusConfirmed {
		return nil
	}
	return f.registry.Confirm(ctx, id, address)
}

// GetEscrow 返回 id 对应的 immutables。
func (f *Factory) GetEscrow(ctx context.Context, id swap.EscrowID) (swap.EscrowImmutables, bool, error) {
	rec, err := f.registry.Get(ctx, id)
	if stdErrors.Is(err, swap.ErrEscrowNotFound) {
		return swap.EscrowImmutables{}, false, nil
	}
	if err != nil {
		return swap.EscrowImmutables{}, false, err
	}
	return rec.Immutables, true, nil
}

// GetEscrowCounter 返回下一个待分配的编号。
func (f *Factory) GetEscrowCounter(ctx context.Context) (uint64, error) {
	return f.registry.Counter(ctx)
}

// GetRecord 返回 id 对应的完整登记。
func (f *Factory) GetRecord(ctx context.Context, id swap.EscrowID) (*Record, error) {
	return f.registry.Get(ctx, id)
}

// ListPending 返回至多 limit 条仍待实例化的登记。
func (f *Factory) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	return f.registry.ListPending(ctx, limit)
}

func (f *Factory) observe(operation string, err error) {
	if f.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	f.observer.ObserveTransition(operation, outcome)
}
