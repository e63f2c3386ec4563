// Package resolver drives a swap end to end: deploy the source leg, deploy
// the destination leg, then withdraw with the revealed secret or cancel after
// the time locks expire. It holds no escrow state of its own.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

const (
	DefaultSrcChainID uint64 = 1
	DefaultDstChainID uint64 = 1313161554
)

// Config 描述 resolver 的显式身份。
type Config struct {
	Owner          swap.Principal `json:"owner"`
	FactoryAddress swap.Principal `json:"factory_address"`
	// Account 非空时，resolver 以该主体调用工厂。
	Account    swap.Principal `json:"account"`
	SrcChainID uint64         `json:"src_chain_id"`
	DstChainID uint64         `json:"dst_chain_id"`
}

// Factory 是 resolver 驱动的工厂接口。
type Factory interface {
	CreateSrcEscrow(ctx context.Context, order swap.CrossChainOrder, timeLocks swap.TimeLocks, taker swap.Principal, amount swap.Amount, secretHash string) (swap.EscrowID, error)
	CreateDstEscrow(ctx context.Context, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error)
	GetRecord(ctx context.Context, id swap.EscrowID) (*factory.Record, error)
}

// Legs 将 escrow 地址解析为可操作的实例。
type Legs interface {
	Leg(ctx context.Context, address swap.Principal) (*escrow.Escrow, error)
}

// Resolver 编排一次兑换的全流程。
type Resolver struct {
	cfg     Config
	ledger  ledger.Ledger
	factory Factory
	legs    Legs
	logger  *slog.Logger
}

// New 创建一个 Resolver。
func New(cfg Config, l ledger.Ledger, f Factory, legs Legs) (*Resolver, error) {
	cfg.Owner = swap.Principal(strings.TrimSpace(string(cfg.Owner)))
	if cfg.Owner == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "resolver owner is required")
	}
	if cfg.FactoryAddress == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "factory address is required")
	}
	if l == nil || f == nil || legs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "resolver dependencies are not configured")
	}
	if cfg.SrcChainID == 0 {
		cfg.SrcChainID = DefaultSrcChainID
	}
	if cfg.DstChainID == 0 {
		cfg.DstChainID = DefaultDstChainID
	}
	return &Resolver{cfg: cfg, ledger: l, factory: f, legs: legs, logger: logger.Named("resolver")}, nil
}

// Owner 返回配置的 owner。
func (r *Resolver) Owner() swap.Principal { return r.cfg.Owner }

// FactoryAddress 返回 resolver 驱动的工厂地址。
func (r *Resolver) FactoryAddress() swap.Principal { return r.cfg.FactoryAddress }

// ChainIDs 返回源链与目标链的链 ID。
func (r *Resolver) ChainIDs() (src, dst uint64) { return r.cfg.SrcChainID, r.cfg.DstChainID }

// DeploySrc 请求工厂创建源链 escrow。
func (r *Resolver) DeploySrc(ctx context.Context, order swap.CrossChainOrder, timeLocks swap.TimeLocks,
	taker swap.Principal, amount swap.Amount, secretHash string) (swap.EscrowID, error) {
	if err := r.authorize(ctx); err != nil {
		return 0, err
	}
	order = r.withChainIDs(order)
	id, err := r.factory.CreateSrcEscrow(r.asFactoryCaller(ctx), order, timeLocks, taker, amount, secretHash)
	if err != nil {
		return 0, err
	}
	r.logger.Info("source leg deployed", slog.String("escrow_id", id.String()), slog.String("order_hash", order.Hash().Hex()))
	return id, nil
}

// DeployDst 请求工厂创建目标链 escrow。
func (r *Resolver) DeployDst(ctx context.Context, immutables swap.EscrowImmutables, secretHash string) (swap.EscrowID, error) {
	if err := r.authorize(ctx); err != nil {
		return 0, err
	}
	immutables.Order = r.withChainIDs(immutables.Order)
	id, err := r.factory.CreateDstEscrow(r.asFactoryCaller(ctx), immutables, secretHash)
	if err != nil {
		return 0, err
	}
	r.logger.Info("destination leg deployed", slog.String("escrow_id", id.String()), slog.String("order_hash", immutables.Order.Hash().Hex()))
	return id, nil
}

// Withdraw 转发到对应的 escrow。
func (r *Resolver) Withdraw(ctx context.Context, id swap.EscrowID, secret string) error {
	if err := r.authorize(ctx); err != nil {
		return err
	}
	leg, err := r.leg(ctx, id)
	if err != nil {
		return err
	}
	return leg.Withdraw(ctx, secret)
}

// Cancel 转发到对应的 escrow。
func (r *Resolver) Cancel(ctx context.Context, id swap.EscrowID) error {
	if err := r.authorize(ctx); err != nil {
		return err
	}
	leg, err := r.leg(ctx, id)
	if err != nil {
		return err
	}
	return leg.Cancel(ctx)
}

// View 包含 escrow 的登记，以及实例化后的实时状态。
type View struct {
	Record *factory.Record   `json:"record"`
	State  *swap.EscrowState `json:"state,omitempty"`
	Status swap.Status       `json:"status,omitempty"`
	Window escrow.Window     `json:"window,omitempty"`
	Now    swap.Timestamp    `json:"now"`
}

// Escrow 返回 id 的已知信息，只读不写。
func (r *Resolver) Escrow(ctx context.Context, id swap.EscrowID) (View, error) {
	rec, err := r.factory.GetRecord(ctx, id)
	if err != nil {
		return View{}, err
	}
	now, err := r.ledger.CurrentTime(ctx)
	if err != nil {
		return View{}, err
	}
	view := View{Record: rec, Now: now}
	if rec.Status != factory.StatusConfirmed {
		return view, nil
	}
	leg, err := r.legs.Leg(ctx, rec.Address)
	if err != nil {
		return View{}, err
	}
	state, err := leg.State(ctx)
	if err != nil {
		return View{}, err
	}
	view.State = &state
	view.Status = state.Status()
	view.Window = escrow.PublicWindow(state, now)
	return view, nil
}

type exported struct {
	Owner          swap.Principal `json:"owner"`
	FactoryAddress swap.Principal `json:"factory_address"`
	SrcChainID     uint64         `json:"src_chain_id"`
	DstChainID     uint64         `json:"dst_chain_id"`
}

// Export 将 resolver 配置编码为带版本的信封。
func (r *Resolver) Export() ([]byte, error) {
	return swap.Encode(swap.KindResolverState, exported{
		Owner:          r.cfg.Owner,
		FactoryAddress: r.cfg.FactoryAddress,
		SrcChainID:     r.cfg.SrcChainID,
		DstChainID:     r.cfg.DstChainID,
	})
}

// ImportConfig 将导出的 resolver 信封解码为 Config。
func ImportConfig(data []byte) (Config, error) {
	var state exported
	if err := swap.Decode(data, swap.KindResolverState, &state); err != nil {
		return Config{}, err
	}
	return Config{
		Owner:          state.Owner,
		FactoryAddress: state.FactoryAddress,
		SrcChainID:     state.SrcChainID,
		DstChainID:     state.DstChainID,
	}, nil
}

func (r *Resolver) authorize(ctx context.Context) error {
	caller, err := r.ledger.CallerIdentity(ctx)
	if err != nil {
		return err
	}
	if caller != r.cfg.Owner {
		return xerrors.New(swap.CodeUnauthorized,
			fmt.Sprintf("caller %q is not the resolver owner", caller),
			xerrors.WithMetadata("caller", string(caller)))
	}
	return nil
}

func (r *Resolver) asFactoryCaller(ctx context.Context) context.Context {
	if r.cfg.Account == "" {
		return ctx
	}
	return ledger.WithCaller(ctx, r.cfg.Account)
}

func (r *Resolver) withChainIDs(order swap.CrossChainOrder) swap.CrossChainOrder {
	if order.SrcChainID == 0 {
		order.SrcChainID = r.cfg.SrcChainID
	}
	if order.DstChainID == 0 {
		order.DstChainID = r.cfg.DstChainID
	}
	return order
}

func (r *Resolver) leg(ctx context.Context, id swap.EscrowID) (*escrow.Escrow, error) {
	rec, err := r.factory.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != factory.StatusConfirmed {
		return nil, xerrors.New(swap.CodeEscrowPending,
			fmt.Sprintf("escrow %s is not instantiated yet", id),
			xerrors.WithMetadata("escrow_id", id.String()))
	}
	return r.legs.Leg(ctx, rec.Address)
}
