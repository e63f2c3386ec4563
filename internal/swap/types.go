package swap

import (
	"encoding/binary"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Principal 标识账本上的一个账户。
type Principal string

// String 返回原始账户标识。
func (p Principal) String() string { return string(p) }

// Timestamp 是账本时钟读数，单位为 unix 秒。
type Timestamp uint64

// EscrowID 是工厂分配的单调递增编号。
type EscrowID uint64

// String 以十进制输出编号。
func (id EscrowID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseEscrowID 解析十进制的 escrow 编号。
func ParseEscrowID(raw string) (EscrowID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return EscrowID(v), nil
}

// CrossChainOrder 描述一次兑换的经济条款。
// 部分成交与多次成交标志只做记录，不做约束。
type CrossChainOrder struct {
	Maker              Principal `json:"maker"`
	MakingAmount       Amount    `json:"making_amount"`
	TakingAmount       Amount    `json:"taking_amount"`
	MakerAsset         Principal `json:"maker_asset"`
	TakerAsset         Principal `json:"taker_asset"`
	Salt               uint64    `json:"salt"`
	Nonce              uint64    `json:"nonce"`
	SrcChainID         uint64    `json:"src_chain_id"`
	DstChainID         uint64    `json:"dst_chain_id"`
	SrcSafetyDeposit   Amount    `json:"src_safety_deposit"`
	DstSafetyDeposit   Amount    `json:"dst_safety_deposit"`
	AllowPartialFills  bool      `json:"allow_partial_fills"`
	AllowMultipleFills bool      `json:"allow_multiple_fills"`
}

// Hash 返回订单规范字节布局的 keccak256 摘要，用于在日志与存储中关联同一兑换的两边。
func (o CrossChainOrder) Hash() common.Hash {
	var buf []byte
	putString := func(s string) {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	putAmount := func(a Amount) {
		word := a.value.Bytes32()
		buf = append(buf, word[:]...)
	}
	putBool := func(b bool) {
		if b {
			buf = append(buf, 1)
			return
		}
		buf = append(buf, 0)
	}

	putString(string(o.Maker))
	putAmount(o.MakingAmount)
	putAmount(o.TakingAmount)
	putString(string(o.MakerAsset))
	putString(string(o.TakerAsset))
	buf = binary.BigEndian.AppendUint64(buf, o.Salt)
	buf = binary.BigEndian.AppendUint64(buf, o.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, o.SrcChainID)
	buf = binary.BigEndian.AppendUint64(buf, o.DstChainID)
	putAmount(o.SrcSafetyDeposit)
	putAmount(o.DstSafetyDeposit)
	putBool(o.AllowPartialFills)
	putBool(o.AllowMultipleFills)
	return crypto.Keccak256Hash(buf)
}

// EscrowImmutables 是创建 escrow 时确定的条款。实例化之前 DeployedAt 为零。
type EscrowImmutables struct {
	Order      CrossChainOrder `json:"order"`
	TimeLocks  TimeLocks       `json:"time_locks"`
	DeployedAt Timestamp       `json:"deployed_at"`
	Taker      Principal       `json:"taker"`
	Amount     Amount          `json:"amount"`
}

// NewEscrowImmutables 构造尚未部署（DeployedAt 为零）的 immutables。
func NewEscrowImmutables(order CrossChainOrder, timeLocks TimeLocks, taker Principal, amount Amount) EscrowImmutables {
	return EscrowImmutables{
		Order:     order,
		TimeLocks: timeLocks,
		Taker:     taker,
		Amount:    amount,
	}
}

// WithDeployedAt 返回以 ts 为锚点的副本。
func (im EscrowImmutables) WithDeployedAt(ts Timestamp) EscrowImmutables {
	im.DeployedAt = ts
	return im
}

// IsDeployed 判断部署锚点是否已写入。
func (im EscrowImmutables) IsDeployed() bool {
	return im.DeployedAt != 0
}

// OpensAt 返回 deployed_at + offset。
func (im EscrowImmutables) OpensAt(offset uint64) Timestamp {
	return im.DeployedAt.add(offset)
}

// WithdrawalOpensAt 是 withdraw 最早可以成功的时刻。
func (im EscrowImmutables) WithdrawalOpensAt() Timestamp {
	return im.OpensAt(im.TimeLocks.SrcWithdrawal)
}

// CancellationOpensAt 是 cancel 最早可以成功的时刻。
func (im EscrowImmutables) CancellationOpensAt() Timestamp {
	return im.OpensAt(im.TimeLocks.SrcCancellation)
}

// add 溢出时取最大值而不回绕，超大偏移不会让窗口重新打开。
func (t Timestamp) add(offset uint64) Timestamp {
	sum := uint64(t) + offset
	if sum < uint64(t) {
		return Timestamp(^uint64(0))
	}
	return Timestamp(sum)
}

// Status 是由状态推导出的生命周期阶段。
type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
	StatusCancelled Status = "cancelled"
)

// PayoutKind 表示发起转账的终态转换类型。
type PayoutKind string

const (
	PayoutWithdrawal PayoutKind = "withdrawal"
	PayoutRefund     PayoutKind = "refund"
)

// Payout 记录终态转换发出的唯一一次转账请求。
type Payout struct {
	Kind        PayoutKind `json:"kind"`
	Recipient   Principal  `json:"recipient"`
	Amount      Amount     `json:"amount"`
	RequestedAt Timestamp  `json:"requested_at"`
	Error       string     `json:"error,omitempty"`
}

// EscrowState 是单边 escrow 的实时状态。
type EscrowState struct {
	Immutables     EscrowImmutables `json:"immutables"`
	IsWithdrawn    bool             `json:"is_withdrawn"`
	IsCancelled    bool             `json:"is_cancelled"`
	SecretHash     string           `json:"secret_hash"`
	RevealedSecret string           `json:"revealed_secret,omitempty"`
	Payout         *Payout          `json:"payout,omitempty"`
}

// NewEscrowState 初始化一个活跃状态的 escrow。
func NewEscrowState(immutables EscrowImmutables, secretHash string) EscrowState {
	return EscrowState{Immutables: immutables, SecretHash: secretHash}
}

// Status 根据终态标志推导生命周期阶段。
func (s EscrowState) Status() Status {
	switch {
	case s.IsWithdrawn:
		return StatusWithdrawn
	case s.IsCancelled:
		return StatusCancelled
	default:
		return StatusActive
	}
}

// IsTerminal 判断是否已不允许再变更状态。
func (s EscrowState) IsTerminal() bool {
	return s.IsWithdrawn || s.IsCancelled
}

// Clone 返回深拷贝。
func (s EscrowState) Clone() EscrowState {
	if s.Payout != nil {
		payout := *s.Payout
		s.Payout = &payout
	}
	return s
}
