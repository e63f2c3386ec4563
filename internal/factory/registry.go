package factory

import (
	"context"
	"fmt"

	"CrossChain-Escrow/internal/swap"
)

// Side 表示登记描述的是兑换的哪一边。
type Side string

const (
	SideSrc Side = "src"
	SideDst Side = "dst"
)

// RecordStatus 表示 host 是否已确认 escrow。
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
)

// Record 是一条只追加的登记。
type Record struct {
	ID         swap.EscrowID         `json:"id"`
	Address    swap.Principal        `json:"address"`
	Side       Side                  `json:"side"`
	Immutables swap.EscrowImmutables `json:"immutables"`
	SecretHash string                `json:"secret_hash"`
	Funding    swap.Amount           `json:"funding"`
	Status     RecordStatus          `json:"status"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"last_error,omitempty"`
	RequestID  string                `json:"request_id"`
	CreatedAt  int64                 `json:"created_at"`
	UpdatedAt  int64                 `json:"updated_at"`
}

// Clone 返回登记的副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// LegAddress 在工厂账户下派生编号 id 的账本地址。
func LegAddress(id swap.EscrowID, account swap.Principal) swap.Principal {
	return swap.Principal(fmt.Sprintf("escrow_%d.%s", id, account))
}

// Registry 持久化编号计数器与编号到登记的映射。
// Append 必须原子地完成读取计数器、插入登记与递增计数器。
type Registry interface {
	Append(ctx context.Context, build func(id swap.EscrowID) Record) (*Record, error)
	Get(ctx context.Context, id swap.EscrowID) (*Record, error)
	Confirm(ctx context.Context, id swap.EscrowID, address swap.Principal) error
	RecordFailure(ctx context.Context, id swap.EscrowID, message string) (*Record, error)
	ListPending(ctx context.Context, limit int) ([]*Record, error)
	Counter(ctx context.Context) (uint64, error)
	Close() error
}
