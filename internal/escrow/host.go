package escrow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/observability/alerting"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

// TransitionObserver 接收每一次状态变更调用及其结果。
type TransitionObserver interface {
	ObserveTransition(operation, outcome string)
}

// Host 承载本进程内的全部 escrow。
// 针对同一 escrow 的调用经 Locker 串行执行，不同 escrow 之间互不影响。
type Host struct {
	ledger   ledger.Ledger
	store    Store
	locker   Locker
	logger   *slog.Logger
	alerter  alerting.Dispatcher
	observer TransitionObserver
}

var _ ledger.Instantiator = (*Host)(nil)

// HostOption 定义可选的 Host 配置。
type HostOption func(*Host)

// WithLocker 替换默认的进程内锁。
func WithLocker(locker Locker) HostOption {
	return func(h *Host) {
		if locker != nil {
			h.locker = locker
		}
	}
}

// WithHostLogger 设置运行日志记录器。
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithAlertDispatcher 设置转账失败时的告警出口。
func WithAlertDispatcher(d alerting.Dispatcher) HostOption {
	return func(h *Host) {
		h.alerter = d
	}
}

// WithTransitionObserver 设置指标接收方。
func WithTransitionObserver(o TransitionObserver) HostOption {
	return func(h *Host) {
		h.observer = o
	}
}

// NewHost 基于账本与存储创建 Host。
func NewHost(l ledger.Ledger, store Store, opts ...HostOption) *Host {
	h := &Host{
		ledger: l,
		store:  store,
		locker: NewLocalLocker(),
		logger: logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Leg 返回已存在 escrow 的句柄。
func (h *Host) Leg(ctx context.Context, address swap.Principal) (*Escrow, error) {
	if _, err := h.store.Get(ctx, address); err != nil {
		return nil, err
	}
	return &Escrow{address: address, host: h}, nil
}

// InstantiateContract 在 req.Address 创建 escrow，deployed_at 为零时取账本时钟。
// 对已存在的地址重复调用直接返回该地址，不修改 escrow。
func (h *Host) InstantiateContract(ctx context.Context, req ledger.InstantiateRequest) (swap.Principal, error) {
	if req.Address == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "leg address is required")
	}
	if err := validateImmutables(req.Immutables); err != nil {
		return "", err
	}
	secretHash, err := swap.NormalizeSecretHash(req.SecretHash)
	if err != nil {
		return "", err
	}

	unlock, err := h.locker.Lock(ctx, string(req.Address))
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, err := h.store.Get(ctx, req.Address)
	switch {
	case err == nil:
		h.logger.Debug("leg already instantiated",
			slog.String("address", string(existing.Address)),
			slog.String("request_id", req.RequestID))
		return existing.Address, nil
	case !stdErrors.Is(err, swap.ErrEscrowNotFound):
		return "", err
	}

	immutables := req.Immutables
	if !immutables.IsDeployed() {
		now, err := h.ledger.CurrentTime(ctx)
		if err != nil {
			return "", err
		}
		immutables = immutables.WithDeployedAt(now)
	}

	leg := &Leg{
		Address:   req.Address,
		State:     swap.NewEscrowState(immutables, secretHash),
		Funding:   req.Funding,
		RequestID: req.RequestID,
	}
	if err := h.store.Create(ctx, leg); err != nil {
		if stdErrors.Is(err, ErrLegExists) {
			return req.Address, nil
		}
		return "", err
	}

	h.observe("create", nil)
	logger.Audit().Info("escrow leg created",
		slog.String("address", string(leg.Address)),
		slog.String("order_hash", immutables.Order.Hash().Hex()),
		slog.Uint64("deployed_at", uint64(immutables.DeployedAt)),
		slog.String("amount", immutables.Amount.String()),
		slog.String("funding", req.Funding.String()),
		slog.String("taker", string(immutables.Taker)),
		slog.String("request_id", req.RequestID),
	)
	return leg.Address, nil
}

func validateImmutables(im swap.EscrowImmutables) error {
	if im.Amount.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	if im.Taker == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "taker is required")
	}
	if im.Order.Maker == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "order maker is required")
	}
	return im.TimeLocks.Validate()
}

func (h *Host) withdraw(ctx context.Context, address swap.Principal, secret string) error {
	err := h.transition(ctx, address, "withdraw", func(state swap.EscrowState, now swap.Timestamp) (swap.EscrowState, error) {
		if err := checkWithdraw(state, now, secret); err != nil {
			return state, err
		}
		next := state.Clone()
		next.IsWithdrawn = true
		next.RevealedSecret = secret
		next.Payout = &swap.Payout{
			Kind:        swap.PayoutWithdrawal,
			Recipient:   state.Immutables.Taker,
			Amount:      state.Immutables.Amount,
			RequestedAt: now,
		}
		return next, nil
	})
	h.observe("withdraw", err)
	return err
}

func (h *Host) cancel(ctx context.Context, address swap.Principal) error {
	err := h.transition(ctx, address, "cancel", func(state swap.EscrowState, now swap.Timestamp) (swap.EscrowState, error) {
		if err := checkCancel(state, now); err != nil {
			return state, err
		}
		next := state.Clone()
		next.IsCancelled = true
		next.Payout = &swap.Payout{
			Kind:        swap.PayoutRefund,
			Recipient:   state.Immutables.Order.Maker,
			Amount:      state.Immutables.Amount,
			RequestedAt: now,
		}
		return next, nil
	})
	h.observe("cancel", err)
	return err
}

// transition 执行一次终态转换。所有校验先于任何写入完成，
// 终态标志先落盘再发起转账，每个 escrow 最多发起一次转账。
func (h *Host) transition(ctx context.Context, address swap.Principal, operation string,
	apply func(swap.EscrowState, swap.Timestamp) (swap.EscrowState, error)) error {
	unlock, err := h.locker.Lock(ctx, string(address))
	if err != nil {
		return err
	}
	defer unlock()

	leg, err := h.store.Get(ctx, address)
	if err != nil {
		return err
	}
	now, err := h.ledger.CurrentTime(ctx)
	if err != nil {
		return err
	}

	next, err := apply(leg.State, now)
	if err != nil {
		h.logger.Info("escrow call rejected",
			slog.String("operation", operation),
			slog.String("address", string(address)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Uint64("now", uint64(now)),
		)
		return err
	}

	if err := h.store.Finalize(ctx, address, next); err != nil {
		if !stdErrors.Is(err, ErrLegNotActive) {
			return err
		}
		// 其他副本已先完成终态转换
		current, getErr := h.store.Get(ctx, address)
		if getErr != nil {
			return getErr
		}
		if activeErr := checkActive(current.State); activeErr != nil {
			return activeErr
		}
		return err
	}

	payout := next.Payout
	logger.Audit().Info("escrow leg finalised",
		slog.String("operation", operation),
		slog.String("address", string(address)),
		slog.String("status", string(next.Status())),
		slog.String("recipient", string(payout.Recipient)),
		slog.String("amount", payout.Amount.String()),
		slog.Uint64("at", uint64(now)),
	)

	if err := h.ledger.Transfer(ctx, payout.Recipient, payout.Amount); err != nil {
		return h.payoutFailed(ctx, address, operation, payout, err)
	}
	return nil
}

func (h *Host) payoutFailed(ctx context.Context, address swap.Principal, operation string, payout *swap.Payout, cause error) error {
	wrapped := xerrors.Wrap(swap.CodeTransferFailed, cause,
		fmt.Sprintf("%s payout of %s to %s failed", operation, payout.Amount, payout.Recipient),
		xerrors.WithMetadata("address", string(address)),
		xerrors.WithMetadata("recipient", string(payout.Recipient)),
	)
	h.logger.Error("escrow payout failed",
		slog.String("address", string(address)),
		slog.String("operation", operation),
		slog.Any("error", cause),
	)
	if err := h.store.RecordPayoutError(ctx, address, cause.Error()); err != nil {
		h.logger.Error("record payout error failed", slog.String("address", string(address)), slog.Any("error", err))
	}
	if h.alerter != nil {
		event := alerting.FromError(wrapped)
		event.Address = string(address)
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := h.alerter.Notify(notifyCtx, event); err != nil {
			h.logger.Warn("dispatch alert failed", slog.Any("error", err))
		}
	}
	return wrapped
}

func (h *Host) observe(operation string, err error) {
	if h.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	h.observer.ObserveTransition(operation, outcome)
}
