package escrow

import (
	"context"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
)

const (
	CodeLegExists    xerrors.Code = "ESCROW_LEG_EXISTS"
	CodeLegNotActive xerrors.Code = "ESCROW_LEG_NOT_ACTIVE"
)

func init() {
	xerrors.Register(CodeLegExists, xerrors.Attributes{Message: "escrow leg already exists", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeLegNotActive, xerrors.Attributes{Message: "escrow leg is no longer active", Severity: xerrors.SeverityInfo})
}

var (
	// ErrLegExists 表示 Store.Create 的地址已被占用。
	ErrLegExists = xerrors.New(CodeLegExists, "escrow leg already exists")
	// ErrLegNotActive 表示 Store.Finalize 时 escrow 已被其他写入方置为终态。
	ErrLegNotActive = xerrors.New(CodeLegNotActive, "escrow leg is no longer active")
)

// Leg 是一个已持久化的 escrow 实例。
type Leg struct {
	Address   swap.Principal
	State     swap.EscrowState
	Funding   swap.Amount
	RequestID string
	CreatedAt int64
	UpdatedAt int64
}

func (l *Leg) clone() *Leg {
	if l == nil {
		return nil
	}
	out := *l
	out.State = l.State.Clone()
	return &out
}

// Store 持久化 escrow 状态。
type Store interface {
	// Create 插入一个新的活跃 escrow。
	Create(ctx context.Context, leg *Leg) error
	// Get 返回 address 处的 escrow，不存在时返回 swap.ErrEscrowNotFound。
	Get(ctx context.Context, address swap.Principal) (*Leg, error)
	// Finalize 替换仍处于活跃状态的 escrow 的状态，已是终态时返回 ErrLegNotActive。
	Finalize(ctx context.Context, address swap.Principal, state swap.EscrowState) error
	// RecordPayoutError 记录终态转换发起的转账失败。
	RecordPayoutError(ctx context.Context, address swap.Principal, message string) error
	Close() error
}
